package link

import (
	"bytes"
	crand "crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cvsouth/reticulum-go/channel"
	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/packet"
	"github.com/cvsouth/reticulum-go/resource"
	"github.com/cvsouth/reticulum-go/rnserr"
	"github.com/cvsouth/reticulum-go/transport"
)

type testNet struct {
	initiator *Link
	responder *Link
	pipeA     *transport.PipeInterface
	pipeB     *transport.PipeInterface
}

// establishPair wires two transports over a pipe and brings up a link
// between a fresh initiator identity and a listening destination.
func establishPair(t *testing.T) *testNet {
	t.Helper()
	ta := transport.New(transport.Config{}, nil)
	tb := transport.New(transport.Config{}, nil)
	pa, pb := transport.NewPair("pipe-a", "pipe-b")
	ta.AttachInterface(pa)
	tb.AttachInterface(pb)
	pa.Start(ta)
	pb.Start(tb)
	t.Cleanup(func() { pa.Close(); pb.Close() })

	respID, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	inDest, err := destination.New(destination.In, destination.Single, respID, "test", "link")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var responder *Link
	AttachListener(tb, inDest, func(l *Link) {
		mu.Lock()
		responder = l
		mu.Unlock()
	}, nil)

	initID, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	outDest, err := destination.New(destination.Out, destination.Single, respID, "test", "link")
	if err != nil {
		t.Fatal(err)
	}

	initiator, err := Establish(ta, outDest, initID, nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return responder != nil
	}, "responder link")

	mu.Lock()
	defer mu.Unlock()
	return &testNet{initiator: initiator, responder: responder, pipeA: pa, pipeB: pb}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEstablishDerivesSharedSession(t *testing.T) {
	net := establishPair(t)
	if net.initiator.Status() != Active {
		t.Fatalf("initiator status = %d, want Active", net.initiator.Status())
	}
	if net.responder.Status() != Active {
		t.Fatalf("responder status = %d, want Active", net.responder.Status())
	}
	if net.initiator.ID() != net.responder.ID() {
		t.Fatalf("link ids differ: %x vs %x", net.initiator.ID(), net.responder.ID())
	}
	if net.initiator.RTT() <= 0 {
		t.Fatalf("initiator RTT = %v, want > 0", net.initiator.RTT())
	}
}

func TestSendBothDirectionsWithProof(t *testing.T) {
	net := establishPair(t)

	var mu sync.Mutex
	var atResponder, atInitiator []byte
	net.responder.OnPacket(func(data []byte, _ *packet.Packet) {
		mu.Lock()
		atResponder = data
		mu.Unlock()
	})
	net.initiator.OnPacket(func(data []byte, _ *packet.Packet) {
		mu.Lock()
		atInitiator = data
		mu.Unlock()
	})

	delivered := make(chan struct{})
	err := net.initiator.Send([]byte("forward"), func() { close(delivered) }, func() {
		t.Error("forward send timed out")
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("forward delivery proof never arrived")
	}

	if err := net.responder.Send([]byte("backward"), nil, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bytes.Equal(atResponder, []byte("forward")) && bytes.Equal(atInitiator, []byte("backward"))
	}, "payloads on both sides")
}

func TestSendOversizedRejected(t *testing.T) {
	net := establishPair(t)
	err := net.initiator.Send(make([]byte, net.initiator.MDU()+1), nil, nil)
	if !errors.Is(err, rnserr.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestChannelOverLink(t *testing.T) {
	net := establishPair(t)

	factory := func() channel.MessageBase { return &rawMsg{} }
	senderCh := net.initiator.Channel()
	receiverCh := net.responder.Channel()
	if err := senderCh.RegisterMessageType(0x0001, factory); err != nil {
		t.Fatal(err)
	}
	if err := receiverCh.RegisterMessageType(0x0001, factory); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got [][]byte
	receiverCh.AddHandler(func(msg channel.MessageBase) bool {
		mu.Lock()
		got = append(got, msg.(*rawMsg).data)
		mu.Unlock()
		return true
	})

	sent := 0
	for sent < 20 {
		err := senderCh.Send(&rawMsg{data: []byte{byte(sent)}})
		if errors.Is(err, rnserr.ErrWindowFull) {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		sent++
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, "20 channel messages")
	mu.Lock()
	defer mu.Unlock()
	for i, d := range got {
		if !bytes.Equal(d, []byte{byte(i)}) {
			t.Fatalf("message %d out of order: %v", i, d)
		}
	}
}

type rawMsg struct{ data []byte }

func (m *rawMsg) MsgType() uint16 { return 0x0001 }
func (m *rawMsg) Pack() ([]byte, error) { return m.data, nil }
func (m *rawMsg) Unpack(d []byte) error { m.data = append([]byte(nil), d...); return nil }

func TestResourceOverLink(t *testing.T) {
	net := establishPair(t)
	net.responder.SetResourceStrategy(resource.AcceptAll, nil)

	var mu sync.Mutex
	var received *resource.Receiver
	net.responder.OnResourceConcluded(func(r *resource.Receiver) {
		mu.Lock()
		received = r
		mu.Unlock()
	})

	data := make([]byte, 5000)
	if _, err := crand.Read(data); err != nil {
		t.Fatal(err)
	}

	done := make(chan *resource.Sender, 1)
	_, err := net.initiator.SendResource(data, func(s *resource.Sender) { done <- s }, nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-done:
		if s.State() != resource.Complete {
			t.Fatalf("sender state = %d (%v), want Complete", s.State(), s.Err())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resource transfer never concluded")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	}, "receiver conclusion")
	mu.Lock()
	defer mu.Unlock()
	if received.State() != resource.Complete {
		t.Fatalf("receiver state = %d (%v), want Complete", received.State(), received.Err())
	}
	if !bytes.Equal(received.Data(), data) {
		t.Fatal("received data differs from original")
	}
}

func TestResourceRejectedByDefaultStrategy(t *testing.T) {
	net := establishPair(t)
	// Default strategy is AcceptNone: the advertisement is ignored and
	// the sender eventually times out through its retry budget.
	failed := make(chan *resource.Sender, 1)
	_, err := net.initiator.SendResource([]byte("unwanted"), func(s *resource.Sender) { failed <- s }, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	for i := 0; i <= resource.MaxRetries+1; i++ {
		now = now.Add(time.Minute)
		net.initiator.Tick(now)
	}
	select {
	case s := <-failed:
		if s.State() != resource.Failed {
			t.Fatalf("sender state = %d, want Failed", s.State())
		}
		if !errors.Is(s.Err(), rnserr.ErrTimeout) {
			t.Fatalf("cause = %v, want ErrTimeout", s.Err())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ignored resource never failed")
	}
}

func TestRatchetRotationKeepsLinkUsable(t *testing.T) {
	net := establishPair(t)
	var mu sync.Mutex
	var got []byte
	net.responder.OnPacket(func(data []byte, _ *packet.Packet) {
		mu.Lock()
		got = data
		mu.Unlock()
	})

	if err := net.initiator.RotateRatchet(); err != nil {
		t.Fatal(err)
	}
	// Give the rotation notice time to land before using the new key.
	waitFor(t, func() bool {
		if err := net.initiator.Send([]byte("post-rotation"), nil, nil); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return bytes.Equal(got, []byte("post-rotation"))
	}, "payload under rotated key")

	// And the other direction, exercising the responder's rotation.
	if err := net.responder.RotateRatchet(); err != nil {
		t.Fatal(err)
	}
	var back []byte
	net.initiator.OnPacket(func(data []byte, _ *packet.Packet) {
		mu.Lock()
		back = data
		mu.Unlock()
	})
	waitFor(t, func() bool {
		if err := net.responder.Send([]byte("reverse"), nil, nil); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return bytes.Equal(back, []byte("reverse"))
	}, "payload after reverse rotation")
}

func TestTeardownClosesBothSides(t *testing.T) {
	net := establishPair(t)
	closed := make(chan struct{})
	net.responder.OnClosed(func(*Link) { close(closed) })

	net.initiator.Teardown()
	if net.initiator.Status() != Closed {
		t.Fatalf("initiator status = %d, want Closed", net.initiator.Status())
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("responder never observed teardown")
	}
	if err := net.initiator.Send([]byte("late"), nil, nil); !errors.Is(err, rnserr.ErrNotReady) {
		t.Fatalf("send on closed link: got %v, want ErrNotReady", err)
	}
}

func TestKeepaliveMissMarksStaleThenClosed(t *testing.T) {
	net := establishPair(t)
	// Cut the wire so keep-alive probes go unanswered.
	net.pipeA.Close()
	net.pipeB.Close()

	closed := make(chan struct{})
	net.initiator.OnClosed(func(*Link) { close(closed) })

	t0 := time.Now().Add(KeepaliveInterval + time.Second)
	net.initiator.Tick(t0) // probe sent (into the void)
	if net.initiator.Status() != Active {
		t.Fatalf("status after probe = %d, want Active", net.initiator.Status())
	}
	t1 := t0.Add(StaleTime + time.Second)
	net.initiator.Tick(t1)
	if net.initiator.Status() != Stale {
		t.Fatalf("status after first miss = %d, want Stale", net.initiator.Status())
	}
	t2 := t1.Add(StaleTime + time.Second)
	net.initiator.Tick(t2)
	if net.initiator.Status() != Closed {
		t.Fatalf("status after second miss = %d, want Closed", net.initiator.Status())
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("closed callback never fired")
	}
}
