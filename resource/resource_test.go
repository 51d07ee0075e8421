package resource

import (
	"bytes"
	crand "crypto/rand"
	"sync"
	"testing"
	"time"
)

// queuedMsg is one in-flight resource message between the two ends.
type queuedMsg struct {
	msg  uint8
	data []byte
}

// testWire couples a sender-side and receiver-side medium through a
// queue the test drains explicitly, so neither end re-enters the
// other while holding its own lock.
type testWire struct {
	mu       sync.Mutex
	toRx     []queuedMsg
	toTx     []queuedMsg
	dropPart bool // when set, part messages toward the receiver vanish
}

type wireEnd struct {
	w  *testWire
	tx bool // true for the sending end
}

func (e wireEnd) MDU() int { return 400 }
func (e wireEnd) RTT() time.Duration { return 10 * time.Millisecond }
func (e wireEnd) Send(msg uint8, data []byte) error {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	q := queuedMsg{msg, append([]byte(nil), data...)}
	if e.tx {
		if e.w.dropPart && msg == MsgPart {
			return nil
		}
		e.w.toRx = append(e.w.toRx, q)
	} else {
		e.w.toTx = append(e.w.toTx, q)
	}
	return nil
}

// pump shuttles queued messages between s and r until both queues are
// empty. The receiver may be nil before the first advertisement has
// been accepted; onAdv is invoked for advertisements instead.
func (w *testWire) pump(t *testing.T, s *Sender, getRx func() *Receiver, onAdv func(*Advertisement)) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		w.mu.Lock()
		var q queuedMsg
		var toRx bool
		switch {
		case len(w.toRx) > 0:
			q, w.toRx, toRx = w.toRx[0], w.toRx[1:], true
		case len(w.toTx) > 0:
			q, w.toTx = w.toTx[0], w.toTx[1:]
		default:
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		if toRx {
			switch q.msg {
			case MsgAdvertisement:
				adv, err := UnpackAdvertisement(q.data)
				if err != nil {
					t.Fatalf("advertisement unpack: %v", err)
				}
				if rx := getRx(); rx != nil {
					rx.HandleAdvertisement(adv)
				} else {
					onAdv(adv)
				}
			case MsgPart:
				getRx().HandlePart(q.data)
			case MsgCancel:
				getRx().HandleCancel(q.data)
			}
		} else {
			switch q.msg {
			case MsgRequest:
				s.HandleRequest(q.data)
			case MsgProof:
				s.HandleProof(q.data)
			case MsgCancel:
				s.HandleCancel(q.data)
			}
		}
	}
	t.Fatal("wire pump did not drain")
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := crand.Read(data); err != nil {
		t.Fatal(err)
	}
	return data
}

func transfer(t *testing.T, data []byte) (*Sender, *Receiver) {
	t.Helper()
	w := &testWire{}
	var rx *Receiver

	s, err := Send(wireEnd{w, true}, data, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.pump(t, s, func() *Receiver { return rx }, func(adv *Advertisement) {
		r, err := Accept(wireEnd{w, false}, adv, nil, nil, nil, nil)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		rx = r
	})
	return s, rx
}

func TestSingleSegmentTransfer(t *testing.T) {
	// S3: 2000 bytes at SDU 325 split into 7 parts with a 28-byte
	// hashmap. Random data keeps compression out of the way.
	data := randomData(t, 2000)
	w := &testWire{}

	var advSeen *Advertisement
	var rx *Receiver
	s, err := Send(wireEnd{w, true}, data, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.pump(t, s, func() *Receiver { return rx }, func(adv *Advertisement) {
		advSeen = adv
		r, err := Accept(wireEnd{w, false}, adv, nil, nil, nil, nil)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		rx = r
	})

	if advSeen.NumParts != 7 {
		t.Fatalf("parts = %d, want 7", advSeen.NumParts)
	}
	if len(advSeen.Hashmap) != 28 {
		t.Fatalf("hashmap = %d bytes, want 28", len(advSeen.Hashmap))
	}
	if s.State() != Complete {
		t.Fatalf("sender state = %d, want Complete", s.State())
	}
	if rx.State() != Complete {
		t.Fatalf("receiver state = %d, want Complete", rx.State())
	}
	if !bytes.Equal(rx.Data(), data) {
		t.Fatal("reassembled data differs from original")
	}
}

func TestMultiSegmentTransfer(t *testing.T) {
	data := randomData(t, 2*MaxEfficientSize+1234)
	s, rx := transfer(t, data)
	if s.State() != Complete || rx.State() != Complete {
		t.Fatalf("states = %d/%d, want Complete/Complete", s.State(), rx.State())
	}
	if !bytes.Equal(rx.Data(), data) {
		t.Fatal("multi-segment reassembly differs from original")
	}
}

func TestCompressedTransfer(t *testing.T) {
	data := bytes.Repeat([]byte("reticulum "), 500)
	w := &testWire{}
	var rx *Receiver
	var advSeen *Advertisement
	s, err := Send(wireEnd{w, true}, data, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.pump(t, s, func() *Receiver { return rx }, func(adv *Advertisement) {
		advSeen = adv
		r, err := Accept(wireEnd{w, false}, adv, nil, nil, nil, nil)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		rx = r
	})

	if advSeen.Flags&FlagCompressed == 0 {
		t.Fatal("repetitive payload not compressed")
	}
	if advSeen.TransferSize >= advSeen.DataSize {
		t.Fatalf("transfer %d >= data %d", advSeen.TransferSize, advSeen.DataSize)
	}
	if !bytes.Equal(rx.Data(), data) {
		t.Fatal("decompressed reassembly differs from original")
	}
}

func TestReceiverFailsAfterRetries(t *testing.T) {
	data := randomData(t, 1000)
	w := &testWire{dropPart: true}
	var rx *Receiver
	var failed *Receiver
	s, err := Send(wireEnd{w, true}, data, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.pump(t, s, func() *Receiver { return rx }, func(adv *Advertisement) {
		r, err := Accept(wireEnd{w, false}, adv, nil, func(done *Receiver) { failed = done }, nil, nil)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		rx = r
	})

	now := time.Now()
	for i := 0; i <= MaxRetries; i++ {
		now = now.Add(time.Minute)
		rx.Tick(now)
		w.pump(t, s, func() *Receiver { return rx }, nil)
	}
	if rx.State() != Failed {
		t.Fatalf("receiver state = %d, want Failed", rx.State())
	}
	if failed != rx {
		t.Fatal("concluded callback did not fire on failure")
	}
}

func TestHashHelpers(t *testing.T) {
	// Invariant 4: resource hash, map hash and proof derivations.
	data := []byte("the quick brown fox")
	var salt [RandomHashLen]byte
	copy(salt[:], []byte{1, 2, 3, 4})

	rh := ResourceHash(salt, data)
	if rh == ([HashLen]byte{}) {
		t.Fatal("zero resource hash")
	}
	if ResourceHash(salt, append([]byte(nil), data...)) != rh {
		t.Fatal("resource hash not deterministic")
	}
	mh := MapHash(data[:5], salt)
	if mh == ([MapHashLen]byte{}) {
		t.Fatal("zero map hash")
	}
	proof := ExpectedProof(data, rh)
	if proof == rh {
		t.Fatal("proof must differ from resource hash")
	}
}

func TestAdvertisementRoundTrip(t *testing.T) {
	adv := &Advertisement{
		TransferSize:  2000,
		DataSize:      2100,
		NumParts:      7,
		SegmentIndex:  1,
		TotalSegments: 1,
		Flags:         FlagCompressed,
		Hashmap:       make([]byte, 28),
	}
	for i := range adv.ResourceHash {
		adv.ResourceHash[i] = byte(i)
	}
	packed := adv.Pack()
	if len(packed) != advFixedLen+28 {
		t.Fatalf("packed length %d, want %d", len(packed), advFixedLen+28)
	}
	got, err := UnpackAdvertisement(packed)
	if err != nil {
		t.Fatal(err)
	}
	if got.TransferSize != adv.TransferSize || got.NumParts != adv.NumParts ||
		got.ResourceHash != adv.ResourceHash || got.Flags != adv.Flags {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestAdvertisementRequestID(t *testing.T) {
	adv := &Advertisement{NumParts: 1, Flags: FlagRequest, Hashmap: make([]byte, 4)}
	for i := range adv.RequestID {
		adv.RequestID[i] = byte(i)
	}
	got, err := UnpackAdvertisement(adv.Pack())
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != adv.RequestID {
		t.Fatal("request id lost in round trip")
	}
}

func FuzzUnpackAdvertisement(f *testing.F) {
	f.Add((&Advertisement{NumParts: 2, Hashmap: make([]byte, 8)}).Pack())
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		adv, err := UnpackAdvertisement(data)
		if err != nil {
			return
		}
		repacked := adv.Pack()
		roundTrip, err := UnpackAdvertisement(repacked)
		if err != nil {
			t.Fatalf("repack failed to parse: %v", err)
		}
		if roundTrip.NumParts != adv.NumParts {
			t.Fatalf("part count changed across round trip")
		}
	})
}
