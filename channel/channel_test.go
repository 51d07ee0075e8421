package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cvsouth/reticulum-go/rnserr"
)

// rawMessage is a minimal MessageBase for tests.
type rawMessage struct {
	typ  uint16
	data []byte
}

func (m *rawMessage) MsgType() uint16 { return m.typ }
func (m *rawMessage) Pack() ([]byte, error) { return m.data, nil }
func (m *rawMessage) Unpack(d []byte) error { m.data = append([]byte(nil), d...); return nil }

// testMedium records sends and lets the test conclude them manually.
type testMedium struct {
	mu    sync.Mutex
	sends []sentEnvelope
}

type sentEnvelope struct {
	data      []byte
	delivered func()
	timedOut  func()
}

func (m *testMedium) MDU() int { return 400 }
func (m *testMedium) RTT() time.Duration { return 10 * time.Millisecond }
func (m *testMedium) Send(data []byte, delivered func(), timedOut func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, sentEnvelope{append([]byte(nil), data...), delivered, timedOut})
	return nil
}

func (m *testMedium) pop() sentEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sends[0]
	m.sends = m.sends[1:]
	return s
}

func (m *testMedium) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func newTestChannel(t *testing.T, typ uint16) (*Channel, *testMedium) {
	t.Helper()
	m := &testMedium{}
	c := New(m, nil)
	if err := c.RegisterMessageType(typ, func() MessageBase { return &rawMessage{typ: typ} }); err != nil {
		t.Fatal(err)
	}
	return c, m
}

func TestWindowedSendGrowsAndDeliversInOrder(t *testing.T) {
	// S4: 60 messages with sustained successes must grow the window
	// to at least 16 and arrive in sequence.
	sender, m := newTestChannel(t, 0x0001)
	receiver, _ := newTestChannel(t, 0x0001)

	var got [][]byte
	receiver.AddHandler(func(msg MessageBase) bool {
		got = append(got, msg.(*rawMessage).data)
		return true
	})

	maxWindow := 0
	sent := 0
	for sent < 60 {
		err := sender.Send(&rawMessage{typ: 0x0001, data: []byte{byte(sent)}})
		if errors.Is(err, rnserr.ErrWindowFull) {
			s := m.pop()
			receiver.Receive(s.data)
			s.delivered()
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		sent++
		if w := sender.Window(); w > maxWindow {
			maxWindow = w
		}
	}
	for m.count() > 0 {
		s := m.pop()
		receiver.Receive(s.data)
		s.delivered()
	}
	if w := sender.Window(); w > maxWindow {
		maxWindow = w
	}

	if maxWindow < WindowMaxMedium {
		t.Fatalf("window only reached %d, want at least %d", maxWindow, WindowMaxMedium)
	}
	if len(got) != 60 {
		t.Fatalf("delivered %d messages, want 60", len(got))
	}
	for i, d := range got {
		if !bytes.Equal(d, []byte{byte(i)}) {
			t.Fatalf("message %d out of order: got %v", i, d)
		}
	}
}

func TestSendWindowFull(t *testing.T) {
	sender, _ := newTestChannel(t, 0x0002)
	for i := 0; i < WindowInitial; i++ {
		if err := sender.Send(&rawMessage{typ: 0x0002, data: []byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	err := sender.Send(&rawMessage{typ: 0x0002, data: []byte{0xFF}})
	if !errors.Is(err, rnserr.ErrWindowFull) {
		t.Fatalf("expected ErrWindowFull, got %v", err)
	}
}

func TestOutOfOrderHeldUntilGapFills(t *testing.T) {
	sender, m := newTestChannel(t, 0x0003)
	receiver, _ := newTestChannel(t, 0x0003)
	var got []byte
	receiver.AddHandler(func(msg MessageBase) bool {
		got = append(got, msg.(*rawMessage).data[0])
		return true
	})

	for i := 0; i < 2; i++ {
		if err := sender.Send(&rawMessage{typ: 0x0003, data: []byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	first := m.pop()
	second := m.pop()

	receiver.Receive(second.data)
	if len(got) != 0 {
		t.Fatalf("out-of-order envelope delivered early: %v", got)
	}
	// Duplicate of the held envelope must be discarded.
	receiver.Receive(second.data)
	receiver.Receive(first.data)
	if !bytes.Equal(got, []byte{0, 1}) {
		t.Fatalf("delivery order %v, want [0 1]", got)
	}
}

func TestTimeoutRetriesThenDrops(t *testing.T) {
	sender, m := newTestChannel(t, 0x0004)
	if err := sender.Send(&rawMessage{typ: 0x0004, data: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	// First transmission plus MaxTries-1 retries, then the envelope
	// is dropped and nothing further is sent.
	for i := 0; i < MaxTries; i++ {
		if m.count() != 1 {
			t.Fatalf("try %d: %d outstanding sends, want 1", i, m.count())
		}
		m.pop().timedOut()
	}
	if m.count() != 0 {
		t.Fatalf("envelope retried past MaxTries: %d sends pending", m.count())
	}
	if w := sender.Window(); w != WindowMin {
		t.Fatalf("window = %d after losses, want contraction to %d", w, WindowMin)
	}
}

func TestRegisterRejectsReservedAndDuplicate(t *testing.T) {
	c, _ := newTestChannel(t, 0x0005)
	if err := c.RegisterMessageType(0x0005, func() MessageBase { return &rawMessage{} }); !errors.Is(err, rnserr.ErrUnregistered) {
		t.Fatalf("duplicate registration: got %v", err)
	}
	if err := c.RegisterMessageType(0xF123, func() MessageBase { return &rawMessage{} }); !errors.Is(err, rnserr.ErrUnregistered) {
		t.Fatalf("reserved registration: got %v", err)
	}
	if err := c.RegisterMessageType(StreamDataType, func() MessageBase { return &rawMessage{} }); err != nil {
		t.Fatalf("stream data type must be registrable: %v", err)
	}
}

func TestEnvelopeWireLayout(t *testing.T) {
	sender, m := newTestChannel(t, 0x0102)
	if err := sender.Send(&rawMessage{typ: 0x0102, data: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	raw := m.pop().data
	if len(raw) != envelopeOverhead+3 {
		t.Fatalf("envelope length %d, want %d", len(raw), envelopeOverhead+3)
	}
	if binary.BigEndian.Uint16(raw[0:2]) != 0x0102 {
		t.Fatalf("type field = 0x%04X", binary.BigEndian.Uint16(raw[0:2]))
	}
	if binary.BigEndian.Uint16(raw[2:4]) != 0 {
		t.Fatalf("first sequence = %d, want 0", binary.BigEndian.Uint16(raw[2:4]))
	}
	if binary.BigEndian.Uint16(raw[4:6]) != 3 {
		t.Fatalf("length field = %d, want 3", binary.BigEndian.Uint16(raw[4:6]))
	}
}

func TestSequenceCompareWraps(t *testing.T) {
	if !seqLess(0xFFFF, 0x0000) {
		t.Fatal("0xFFFF should precede 0x0000 across the wrap")
	}
	if seqLess(0x0000, 0x8001) {
		t.Fatal("half-space comparison inverted")
	}
}

func FuzzUnpackEnvelope(f *testing.F) {
	f.Add([]byte{0, 1, 0, 0, 0, 3, 'a', 'b', 'c'})
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := unpackEnvelope(data)
		if err != nil {
			return
		}
		repacked := env.pack()
		if len(repacked) < envelopeOverhead {
			t.Fatalf("packed envelope too short: %d", len(repacked))
		}
	})
}
