// Package link implements the encrypted session between two
// identities (spec §4.4): the LINKREQUEST/PROOF handshake, keep-alive
// probing, RTT estimation, ratcheted rekeying and teardown. A link
// carries everything above it — raw packets, channel envelopes and
// resource transfers — inside Token-encrypted DATA packets addressed
// to the link id.
package link

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/reticulum-go/channel"
	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/packet"
	"github.com/cvsouth/reticulum-go/resource"
	"github.com/cvsouth/reticulum-go/rnscrypto"
	"github.com/cvsouth/reticulum-go/rnserr"
	"github.com/cvsouth/reticulum-go/transport"
)

// Status is a link's state-machine position. Transitions are
// monotonic except Stale → Active on a successful keep-alive.
type Status uint8

const (
	Pending Status = iota
	Handshake
	Active
	Stale
	Closed
)

// Timing constants (spec §4.4).
const (
	// KeepaliveInterval is the quiet period before a keep-alive
	// challenge is sent on an active link.
	KeepaliveInterval = 360 * time.Second
	// StaleTime bounds the wait for a keep-alive response; a first
	// miss marks the link stale, a second closes it.
	StaleTime = 720 * time.Second
	// EstablishTimeout bounds the handshake wait in Establish.
	EstablishTimeout = 15 * time.Second
	// RatchetWindow keeps the previous ratchet key accepted after a
	// rotation, avoiding races with in-flight packets.
	RatchetWindow = 60 * time.Second
	// rttAlpha is the EWMA weight for new RTT samples.
	rttAlpha = 0.25

	minTimeout = 5 * time.Second

	ratchetIDLen = 8

	keepaliveChallenge = 0xFF
	keepaliveResponse  = 0xFE
)

// Handshake wire sizes: the request carries the initiator's public
// identity so the responder can verify its signature; the proof
// carries the responder's ephemeral material signed by the
// destination identity.
const (
	requestLen = identity.PublicLen + 32 + 32 + 64
	proofLen   = 32 + 32 + 64
)

type tokenState struct {
	token     *rnscrypto.Token
	expiresAt time.Time // zero for the current token
}

type receipt struct {
	deadline  time.Time
	sentAt    time.Time
	delivered func()
	timedOut  func()
}

// Link is an established (or establishing) session. All state is
// guarded by one mutex; inbound dispatch for a link is serialized by
// the transport, sends may come from any worker.
type Link struct {
	mu     sync.Mutex
	id     [packet.DestHashLen]byte
	t      *transport.Transport
	logger *slog.Logger

	status    Status
	initiator bool
	destHash  [packet.DestHashLen]byte
	peer      *identity.Identity // remote identity (verified during handshake)

	ephPriv        [32]byte
	ephPub         [32]byte
	ratchetPriv    [32]byte
	ratchetPub     [32]byte
	peerRatchetPub [32]byte

	tokens       map[[ratchetIDLen]byte]*tokenState
	curRatchetID [ratchetIDLen]byte

	rtt          time.Duration
	requestSent  time.Time
	lastInbound  time.Time
	probeSent    time.Time
	awaitingPong bool

	mdu      int
	receipts map[[32]byte]*receipt

	establishCh chan error

	ch        *channel.Channel
	senders   []*resource.Sender
	receivers []*resource.Receiver

	packetCB         func(data []byte, p *packet.Packet)
	closedCB         func(l *Link)
	rxStrategy       resource.Strategy
	rxGate           func(adv *resource.Advertisement) bool
	resourceAdvCB    func(adv *resource.Advertisement)
	rxConcludedCB    func(r *resource.Receiver)
	compressor       rnscrypto.Compressor
}

func newLink(t *transport.Transport, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	mtu := t.Config().MTU
	return &Link{
		t:           t,
		logger:      logger,
		status:      Pending,
		tokens:      make(map[[ratchetIDLen]byte]*tokenState),
		receipts:    make(map[[32]byte]*receipt),
		mdu:         mtu - packet.HeaderMinSize - ratchetIDLen - rnscrypto.Overhead - 16,
		establishCh: make(chan error, 1),
		compressor:  rnscrypto.DefaultCompressor(),
		rxStrategy:  resource.AcceptNone,
	}
}

// ID returns the link id: the truncated hash of the LINKREQUEST
// packet.
func (l *Link) ID() [packet.DestHashLen]byte { return l.id }

// Status returns the current state-machine position.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// MDU is the largest payload one link packet can carry after
// encryption overhead.
func (l *Link) MDU() int { return l.mdu }

// RTT returns the smoothed round-trip estimate.
func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtt
}

// PeerIdentity returns the remote identity verified during the
// handshake.
func (l *Link) PeerIdentity() *identity.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

// Timeout is the proof-wait deadline for packets on this link:
// max(3×RTT, 5 s) (spec §4.4).
func (l *Link) Timeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timeoutLocked()
}

func (l *Link) timeoutLocked() time.Duration {
	t := 3 * l.rtt
	if t < minTimeout {
		t = minTimeout
	}
	return t
}

// OnClosed registers the teardown observer; it fires once, on Closed.
func (l *Link) OnClosed(fn func(*Link)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closedCB = fn
}

// OnPacket registers the handler for plain link payloads.
func (l *Link) OnPacket(fn func(data []byte, p *packet.Packet)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.packetCB = fn
}

// SetResourceStrategy configures inbound transfer gating; gate is
// consulted only for AcceptApp.
func (l *Link) SetResourceStrategy(s resource.Strategy, gate func(*resource.Advertisement) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rxStrategy = s
	l.rxGate = gate
}

// OnResourceAdvertised observes accepted inbound advertisements.
func (l *Link) OnResourceAdvertised(fn func(*resource.Advertisement)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resourceAdvCB = fn
}

// OnResourceConcluded observes finished inbound transfers.
func (l *Link) OnResourceConcluded(fn func(*resource.Receiver)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rxConcludedCB = fn
}

// Establish opens a link from own to the destination dest (an OUT
// SINGLE destination whose identity is known, e.g. from an announce).
// It blocks until the link is Active or the handshake times out
// (spec §5: link.establish suspends).
func Establish(t *transport.Transport, dest *destination.Destination, own *identity.Identity, logger *slog.Logger) (*Link, error) {
	if dest.Type != destination.Single || dest.Identity == nil {
		return nil, fmt.Errorf("link: establish requires a SINGLE destination with a known identity")
	}
	if own == nil || own.SigPriv == nil {
		return nil, fmt.Errorf("link: establish requires an owned identity")
	}

	l := newLink(t, logger)
	l.initiator = true
	l.destHash = dest.Hash()
	l.peer = dest.Identity

	provider := rnscrypto.Default()
	var err error
	if l.ephPriv, l.ephPub, err = provider.GenerateX25519(); err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}
	if l.ratchetPriv, l.ratchetPub, err = provider.GenerateX25519(); err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}

	ownPub := own.Public()
	signed := make([]byte, 0, packet.DestHashLen+64)
	signed = append(signed, l.destHash[:]...)
	signed = append(signed, l.ephPub[:]...)
	signed = append(signed, l.ratchetPub[:]...)
	sig, err := own.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("link: sign request: %w", err)
	}

	data := make([]byte, 0, requestLen)
	data = append(data, ownPub[:]...)
	data = append(data, l.ephPub[:]...)
	data = append(data, l.ratchetPub[:]...)
	data = append(data, sig...)

	p := &packet.Packet{
		HeaderType:    packet.Header1,
		TransportType: packet.TransportBroadcast,
		DestType:      packet.DestSingle,
		PacketType:    packet.TypeLinkRequest,
		DestHash:      l.destHash,
		Data:          data,
	}
	if l.id, err = packet.TruncatedHash(p); err != nil {
		return nil, fmt.Errorf("link: request hash: %w", err)
	}

	t.RegisterLinkHandler(l.id, l.handleInbound)
	t.OnTick(l.Tick)
	l.status = Handshake
	l.requestSent = time.Now()
	l.logger.Debug("link request sent", "linkID", fmt.Sprintf("%x", l.id), "destHash", fmt.Sprintf("%x", l.destHash))
	if err := t.Send(p); err != nil {
		t.DeregisterLinkHandler(l.id)
		return nil, fmt.Errorf("link: send request: %w", err)
	}

	select {
	case err := <-l.establishCh:
		if err != nil {
			t.DeregisterLinkHandler(l.id)
			return nil, err
		}
		return l, nil
	case <-time.After(EstablishTimeout):
		t.DeregisterLinkHandler(l.id)
		l.mu.Lock()
		l.status = Closed
		l.mu.Unlock()
		return nil, fmt.Errorf("link: handshake to %x: %w", l.destHash, rnserr.ErrTimeout)
	}
}

// AttachListener arms dest to accept inbound link requests on t. Each
// established link is handed to onEstablished.
func AttachListener(t *transport.Transport, dest *destination.Destination, onEstablished func(*Link), logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	t.RegisterDestination(dest, func(p *packet.Packet, iface transport.Interface) {
		if p.PacketType != packet.TypeLinkRequest {
			return
		}
		l, err := Accept(t, dest, p, logger)
		if err != nil {
			// Handshake parse/crypto failures never surface (spec §4.4).
			logger.Debug("link request dropped", "error", err)
			return
		}
		if onEstablished != nil {
			onEstablished(l)
		}
	})
}

// Accept builds the responder half of a link from an inbound
// LINKREQUEST. Callers that multiplex a destination between link
// requests and other packet kinds dispatch here themselves; plain
// listeners use AttachListener.
func Accept(t *transport.Transport, dest *destination.Destination, p *packet.Packet, logger *slog.Logger) (*Link, error) {
	if len(p.Data) != requestLen {
		return nil, fmt.Errorf("%w: link request is %d bytes", rnserr.ErrWireFormat, len(p.Data))
	}
	var initPub [identity.PublicLen]byte
	copy(initPub[:], p.Data[:identity.PublicLen])
	peer, err := identity.FromPublic(initPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rnserr.ErrWireFormat, err)
	}

	ephOff := identity.PublicLen
	var peerEph, peerRatchet [32]byte
	copy(peerEph[:], p.Data[ephOff:ephOff+32])
	copy(peerRatchet[:], p.Data[ephOff+32:ephOff+64])
	sig := p.Data[ephOff+64:]

	signed := make([]byte, 0, packet.DestHashLen+64)
	signed = append(signed, p.DestHash[:]...)
	signed = append(signed, peerEph[:]...)
	signed = append(signed, peerRatchet[:]...)
	if !peer.Verify(signed, sig) {
		return nil, fmt.Errorf("%w: link request signature", rnserr.ErrCrypto)
	}

	l := newLink(t, logger)
	l.destHash = p.DestHash
	l.peer = peer
	l.peerRatchetPub = peerRatchet
	if l.id, err = packet.TruncatedHash(p); err != nil {
		return nil, fmt.Errorf("link: request hash: %w", err)
	}

	provider := rnscrypto.Default()
	if l.ephPriv, l.ephPub, err = provider.GenerateX25519(); err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}
	if l.ratchetPriv, l.ratchetPub, err = provider.GenerateX25519(); err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}

	shared, err := provider.X25519(l.ephPriv, peerEph)
	if err != nil {
		return nil, fmt.Errorf("link: ECDH: %w", err)
	}
	if err := l.installToken(shared[:], "link", time.Time{}); err != nil {
		return nil, err
	}

	proofSigned := make([]byte, 0, packet.DestHashLen+96)
	proofSigned = append(proofSigned, l.id[:]...)
	proofSigned = append(proofSigned, l.ephPub[:]...)
	proofSigned = append(proofSigned, l.ratchetPub[:]...)
	proofSigned = append(proofSigned, peerEph[:]...)
	proofSig, err := dest.Identity.Sign(proofSigned)
	if err != nil {
		return nil, fmt.Errorf("link: sign proof: %w", err)
	}

	data := make([]byte, 0, proofLen)
	data = append(data, l.ephPub[:]...)
	data = append(data, l.ratchetPub[:]...)
	data = append(data, proofSig...)

	reply := &packet.Packet{
		HeaderType:    packet.Header1,
		TransportType: packet.TransportBroadcast,
		DestType:      packet.DestLink,
		PacketType:    packet.TypeProof,
		DestHash:      l.id,
		Data:          data,
	}

	t.RegisterLinkHandler(l.id, l.handleInbound)
	t.OnTick(l.Tick)
	l.status = Active
	l.lastInbound = time.Now()
	if err := t.Send(reply); err != nil {
		t.DeregisterLinkHandler(l.id)
		return nil, fmt.Errorf("link: send proof: %w", err)
	}
	l.logger.Debug("link accepted", "linkID", fmt.Sprintf("%x", l.id))
	return l, nil
}

// installToken derives a Token and ratchet id from a shared secret and
// makes it current, demoting the previous token into the acceptance
// window.
func (l *Link) installToken(shared []byte, label string, now time.Time) error {
	material, err := rnscrypto.Default().HKDFSHA256(shared, l.id[:], []byte(label), rnscrypto.KeyLen+ratchetIDLen)
	if err != nil {
		return fmt.Errorf("link: derive keys: %w", err)
	}
	var key [rnscrypto.KeyLen]byte
	copy(key[:], material[:rnscrypto.KeyLen])
	var rid [ratchetIDLen]byte
	copy(rid[:], material[rnscrypto.KeyLen:])

	if cur, ok := l.tokens[l.curRatchetID]; ok && !now.IsZero() {
		cur.expiresAt = now.Add(RatchetWindow)
	}
	l.tokens[rid] = &tokenState{token: rnscrypto.NewToken(key)}
	l.curRatchetID = rid
	return nil
}

// handshakeProof finishes the initiator side when the responder's
// PROOF arrives.
func (l *Link) handshakeProof(p *packet.Packet) {
	l.mu.Lock()
	if !l.initiator || l.status != Handshake || len(p.Data) != proofLen {
		l.mu.Unlock()
		return
	}
	var peerEph, peerRatchet [32]byte
	copy(peerEph[:], p.Data[0:32])
	copy(peerRatchet[:], p.Data[32:64])
	sig := p.Data[64:]

	signed := make([]byte, 0, packet.DestHashLen+96)
	signed = append(signed, l.id[:]...)
	signed = append(signed, peerEph[:]...)
	signed = append(signed, peerRatchet[:]...)
	signed = append(signed, l.ephPub[:]...)
	if !l.peer.Verify(signed, sig) {
		l.mu.Unlock()
		l.logger.Debug("link proof signature rejected", "linkID", fmt.Sprintf("%x", l.id))
		return
	}

	shared, err := rnscrypto.Default().X25519(l.ephPriv, peerEph)
	if err != nil {
		l.mu.Unlock()
		return
	}
	if err := l.installToken(shared[:], "link", time.Time{}); err != nil {
		l.mu.Unlock()
		return
	}
	l.peerRatchetPub = peerRatchet
	l.status = Active
	l.rtt = time.Since(l.requestSent)
	l.lastInbound = time.Now()
	rtt := l.rtt
	l.mu.Unlock()

	l.logger.Info("link established", "linkID", fmt.Sprintf("%x", l.id), "rtt", rtt)
	l.establishCh <- nil
}
