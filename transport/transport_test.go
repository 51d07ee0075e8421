package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/packet"
	"github.com/cvsouth/reticulum-go/rnserr"
)

// testPair wires two transports over a pipe.
func testPair(t *testing.T) (*Transport, *Transport, *PipeInterface, *PipeInterface) {
	t.Helper()
	ta := New(Config{}, nil)
	tb := New(Config{}, nil)
	pa, pb := NewPair("pipe-a", "pipe-b")
	ta.AttachInterface(pa)
	tb.AttachInterface(pb)
	pa.Start(ta)
	pb.Start(tb)
	t.Cleanup(func() { pa.Close(); pb.Close() })
	return ta, tb, pa, pb
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

func ownedDestination(t *testing.T) (*destination.Destination, *identity.Identity) {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	dest, err := destination.New(destination.In, destination.Single, id, "test", "endpoint")
	if err != nil {
		t.Fatal(err)
	}
	return dest, id
}

func TestAnnounceRecordsIdentityAndPath(t *testing.T) {
	ta, tb, _, _ := testPair(t)
	dest, id := ownedDestination(t)
	ta.RegisterDestination(dest, func(*packet.Packet, Interface) {})

	var announced [packet.DestHashLen]byte
	tb.OnAnnounce(func(destHash [packet.DestHashLen]byte, _ *identity.Identity, _ []byte) {
		announced = destHash
	})

	if err := ta.Announce(dest, []byte("node-a")); err != nil {
		t.Fatal(err)
	}

	hash := dest.Hash()
	waitFor(t, func() bool { return tb.HasPath(hash) }, "path to announced destination")
	if announced != hash {
		t.Fatalf("announce observer saw %x, want %x", announced, hash)
	}
	recalled, ok := tb.Identities().Recall(hash)
	if !ok {
		t.Fatal("identity not recalled after announce")
	}
	if recalled.Hash() != id.Hash() {
		t.Fatalf("recalled identity hash %x, want %x", recalled.Hash(), id.Hash())
	}
	if hops, ok := tb.HopsTo(hash); !ok || hops != 1 {
		t.Fatalf("hops = %d, %v; want 1, true", hops, ok)
	}
}

func TestAnnounceBadSignatureDropped(t *testing.T) {
	ta, tb, _, _ := testPair(t)
	dest, _ := ownedDestination(t)

	if err := ta.Announce(dest, nil); err != nil {
		t.Fatal(err)
	}
	hash := dest.Hash()
	waitFor(t, func() bool { return tb.HasPath(hash) }, "good announce")

	// An announce whose signature does not verify must be dropped
	// silently, leaving no identity or path behind.
	forged, _ := ownedDestination(t)
	before := tb.Dropped()
	p := &packet.Packet{
		HeaderType:    packet.Header1,
		TransportType: packet.TransportBroadcast,
		DestType:      packet.DestSingle,
		PacketType:    packet.TypeAnnounce,
		DestHash:      forged.Hash(),
		Data:          make([]byte, announceMinLen),
	}
	if err := ta.Send(p); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return tb.Dropped() > before }, "drop counter")
	if tb.HasPath(forged.Hash()) {
		t.Fatal("forged announce recorded a path")
	}
}

func TestProofConcludesReceipt(t *testing.T) {
	ta, tb, _, _ := testPair(t)
	dest, id := ownedDestination(t)

	// The remote destination proves every packet it receives.
	tb.RegisterDestination(dest, func(p *packet.Packet, _ Interface) {
		hash, err := packet.Hash(p)
		if err != nil {
			t.Errorf("hash inbound: %v", err)
			return
		}
		var proofDest [packet.DestHashLen]byte
		copy(proofDest[:], hash[:packet.DestHashLen])
		reply := &packet.Packet{
			HeaderType:    packet.Header1,
			TransportType: packet.TransportBroadcast,
			DestType:      packet.DestSingle,
			PacketType:    packet.TypeProof,
			DestHash:      proofDest,
			Data:          packet.PackProof(packet.SignProof(hash, id.SigPriv)),
		}
		if err := tb.Send(reply); err != nil {
			t.Errorf("send proof: %v", err)
		}
	})

	p := &packet.Packet{
		HeaderType:    packet.Header1,
		TransportType: packet.TransportBroadcast,
		DestType:      packet.DestSingle,
		PacketType:    packet.TypeData,
		DestHash:      dest.Hash(),
		Data:          []byte("prove me"),
	}
	done := make(chan struct{})
	_, err := ta.SendWithReceipt(p, id.SigPub, 0, func(rtt time.Duration) {
		if rtt <= 0 {
			t.Errorf("non-positive rtt %v", rtt)
		}
		close(done)
	}, func() {
		t.Error("receipt timed out")
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("proof never concluded the receipt")
	}
}

func TestReceiptTimesOutOnTick(t *testing.T) {
	ta, _, _, _ := testPair(t)
	dest, id := ownedDestination(t)

	p := &packet.Packet{
		HeaderType:    packet.Header1,
		TransportType: packet.TransportBroadcast,
		DestType:      packet.DestSingle,
		PacketType:    packet.TypeData,
		DestHash:      dest.Hash(),
		Data:          []byte("void"),
	}
	timedOut := make(chan struct{})
	_, err := ta.SendWithReceipt(p, id.SigPub, time.Second, nil, func() { close(timedOut) })
	if err != nil {
		t.Fatal(err)
	}
	ta.Tick(time.Now().Add(2 * time.Second))
	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}
}

func TestPathRequestTriggersReannounce(t *testing.T) {
	ta, tb, _, _ := testPair(t)
	dest, _ := ownedDestination(t)
	tb.RegisterDestination(dest, func(*packet.Packet, Interface) {})
	if err := tb.Announce(dest, []byte{}); err != nil {
		t.Fatal(err)
	}
	hash := dest.Hash()
	waitFor(t, func() bool { return ta.HasPath(hash) }, "initial announce")

	ta.ExpirePath(hash)
	if ta.HasPath(hash) {
		t.Fatal("path survived expiry")
	}
	if err := ta.RequestPath(hash); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return ta.HasPath(hash) }, "re-announce after path request")
}

func TestSendOverflowSurfaced(t *testing.T) {
	ta, _, _, _ := testPair(t)
	dest, _ := ownedDestination(t)
	p := &packet.Packet{
		HeaderType: packet.Header1,
		DestType:   packet.DestSingle,
		PacketType: packet.TypeData,
		DestHash:   dest.Hash(),
		Data:       make([]byte, DefaultMTU+1),
	}
	err := ta.Send(p)
	if !errors.Is(err, rnserr.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestThrottleMultiplierClamped(t *testing.T) {
	ta := New(Config{ThrottleMultiplier: 0.1}, nil)
	if got := ta.Config().ThrottleMultiplier; got != 1.0 {
		t.Fatalf("construction multiplier = %v, want clamp to 1.0", got)
	}
	ta.SetThrottleMultiplier(0.5)
	ta.SetThrottleMultiplier(3.0)
}

func TestUnparseableInboundCountsDrop(t *testing.T) {
	ta, _, pa, _ := testPair(t)
	before := ta.Dropped()
	ta.Inbound([]byte{0x01, 0x02}, pa)
	if ta.Dropped() != before+1 {
		t.Fatalf("dropped = %d, want %d", ta.Dropped(), before+1)
	}
}
