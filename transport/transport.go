// Package transport owns the interface registry, inbound packet
// dispatch, the path table, announces and the periodic tick loop
// (spec §4.3). It is the seam between the link-layer abstraction and
// everything above it: packets come in as already-deframed octet
// buffers and leave as octet buffers handed to an Interface.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/packet"
	"github.com/cvsouth/reticulum-go/rnserr"
)

// Interface is the link-layer abstraction the core consumes (spec §6):
// it frames and delivers octet buffers, nothing else. Inbound buffers
// are surfaced by the host calling Transport.Inbound.
type Interface interface {
	ProcessOutgoing(data []byte) error
	Bitrate() int
	HWMTU() int
	CanSend() bool
	CanReceive() bool
	Online() bool
	Name() string
}

// Config carries the host-recognized options from spec §6.
type Config struct {
	EnableTransport    bool
	MTU                int
	JobIntervalMS      int
	ThrottleMultiplier float64
	StampCostDefault   int
	LXMFStoragePath    string
}

// Defaults for unset Config fields.
const (
	DefaultMTU         = 500
	DefaultJobInterval = 250
	DefaultStampCost   = 8
)

// PathExpiry is how long a learned path stays valid without a
// refreshing announce.
const PathExpiry = time.Hour

// ReceiptTimeout is the default wait for a proof before a packet
// receipt concludes as timed out.
const ReceiptTimeout = 15 * time.Second

type pathEntry struct {
	nextHop   [packet.DestHashLen]byte
	iface     Interface
	hops      uint8
	expiresAt time.Time
}

// Receipt tracks a sent packet until its proof arrives or the wait
// expires (spec glossary: packet receipt).
type Receipt struct {
	PacketHash [32]byte
	signerPub  []byte // Ed25519 public key expected to sign the proof
	deadline   time.Time
	delivered  func(rtt time.Duration)
	timedOut   func()
	sentAt     time.Time
}

// DestHandler receives packets addressed to a locally registered
// destination.
type DestHandler func(p *packet.Packet, iface Interface)

// AnnounceHandler observes verified inbound announces.
type AnnounceHandler func(destHash [packet.DestHashLen]byte, id *identity.Identity, appData []byte)

// Transport is the inbound dispatcher and path/identity bookkeeper.
// One per process in the reference; here an explicit object so tests
// can run several side by side.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	interfaces []Interface
	paths      map[[packet.DestHashLen]byte]pathEntry
	dests      map[[packet.DestHashLen]byte]registeredDest
	links      map[[packet.DestHashLen]byte]DestHandler
	receipts   map[[packet.DestHashLen]byte]*Receipt
	announceCB []AnnounceHandler
	tickHooks  []func(now time.Time)

	identities *identity.Cache
	throttle   atomic.Uint64 // float64 bits; multiplier applied to the tick interval
	dropped    atomic.Uint64 // parse/crypto drops (spec §7: counter, never surfaced)
}

type registeredDest struct {
	dest    *destination.Destination
	handler DestHandler
	appData []byte // announced alongside the destination; nil disables path-request replies
}

// New creates a Transport with the given configuration. A nil logger
// falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.JobIntervalMS == 0 {
		cfg.JobIntervalMS = DefaultJobInterval
	}
	if cfg.ThrottleMultiplier < 1.0 {
		cfg.ThrottleMultiplier = 1.0
	}
	if cfg.StampCostDefault == 0 {
		cfg.StampCostDefault = DefaultStampCost
	}
	t := &Transport{
		cfg:        cfg,
		logger:     logger,
		paths:      make(map[[packet.DestHashLen]byte]pathEntry),
		dests:      make(map[[packet.DestHashLen]byte]registeredDest),
		links:      make(map[[packet.DestHashLen]byte]DestHandler),
		receipts:   make(map[[packet.DestHashLen]byte]*Receipt),
		identities: identity.NewCache(),
	}
	t.throttle.Store(math.Float64bits(cfg.ThrottleMultiplier))
	return t
}

// Config returns the transport's effective configuration.
func (t *Transport) Config() Config { return t.cfg }

// Identities returns the process-wide identity recall cache.
func (t *Transport) Identities() *identity.Cache { return t.identities }

// SetThrottleMultiplier updates the host-supplied tick multiplier.
// Values below 1.0 are clamped to 1.0; the running loop picks the new
// value up on its next interval (spec §4.3).
func (t *Transport) SetThrottleMultiplier(m float64) {
	if m < 1.0 {
		m = 1.0
	}
	t.throttle.Store(math.Float64bits(m))
}

// Dropped returns the count of silently dropped inbound packets.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

// AttachInterface registers a link-layer interface.
func (t *Transport) AttachInterface(iface Interface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interfaces = append(t.interfaces, iface)
	t.logger.Info("interface attached", "iface", iface.Name(), "mtu", iface.HWMTU())
}

// RegisterDestination registers an IN destination and its packet
// handler. Registration is idempotent by hash.
func (t *Transport) RegisterDestination(d *destination.Destination, handler DestHandler) [packet.DestHashLen]byte {
	h := d.Hash()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dests[h] = registeredDest{dest: d, handler: handler}
	return h
}

// RegisterLinkHandler routes inbound LINK-type packets for linkID to
// handler. Used by the link package; removed on teardown.
func (t *Transport) RegisterLinkHandler(linkID [packet.DestHashLen]byte, handler DestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[linkID] = handler
}

// DeregisterLinkHandler removes a link's inbound route.
func (t *Transport) DeregisterLinkHandler(linkID [packet.DestHashLen]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, linkID)
}

// OnAnnounce registers an observer for verified inbound announces.
func (t *Transport) OnAnnounce(fn AnnounceHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.announceCB = append(t.announceCB, fn)
}

// OnTick registers a hook invoked once per transport tick. Hooks own
// their internal cadence (keepalives, router processing).
func (t *Transport) OnTick(fn func(now time.Time)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tickHooks = append(t.tickHooks, fn)
}

// HasPath reports whether a usable path to destHash is known.
func (t *Transport) HasPath(destHash [packet.DestHashLen]byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.paths[destHash]
	return ok && time.Now().Before(e.expiresAt)
}

// HopsTo returns the remembered hop count to destHash, or 0 with ok
// false when no path is known.
func (t *Transport) HopsTo(destHash [packet.DestHashLen]byte) (uint8, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.paths[destHash]
	if !ok || time.Now().After(e.expiresAt) {
		return 0, false
	}
	return e.hops, true
}

// ExpirePath drops the learned path to destHash, forcing rediscovery.
func (t *Transport) ExpirePath(destHash [packet.DestHashLen]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, destHash)
}

// mtuFor bounds outbound frames by both the configured MTU and the
// interface hardware MTU.
func (t *Transport) mtuFor(iface Interface) int {
	mtu := t.cfg.MTU
	if hw := iface.HWMTU(); hw > 0 && hw < mtu {
		mtu = hw
	}
	return mtu
}

// Send packs p and transmits it: on the known-path interface when one
// exists for the destination, otherwise broadcast on every sendable
// interface. Oversized frames surface rnserr.ErrOverflow (spec §7).
func (t *Transport) Send(p *packet.Packet) error {
	raw, err := packet.Pack(p)
	if err != nil {
		return fmt.Errorf("transport: pack: %w", err)
	}

	t.mu.RLock()
	entry, havePath := t.paths[p.DestHash]
	ifaces := append([]Interface(nil), t.interfaces...)
	t.mu.RUnlock()

	if havePath && time.Now().Before(entry.expiresAt) && entry.iface.Online() && entry.iface.CanSend() {
		if len(raw) > t.mtuFor(entry.iface) {
			return fmt.Errorf("transport: %d byte frame on %s: %w", len(raw), entry.iface.Name(), rnserr.ErrOverflow)
		}
		return entry.iface.ProcessOutgoing(raw)
	}

	sent := false
	for _, iface := range ifaces {
		if !iface.Online() || !iface.CanSend() {
			continue
		}
		if len(raw) > t.mtuFor(iface) {
			return fmt.Errorf("transport: %d byte frame on %s: %w", len(raw), iface.Name(), rnserr.ErrOverflow)
		}
		if err := iface.ProcessOutgoing(raw); err != nil {
			t.logger.Warn("interface send failed", "iface", iface.Name(), "error", err)
			continue
		}
		sent = true
	}
	if !sent {
		return fmt.Errorf("transport: no sendable interface")
	}
	return nil
}

// SendWithReceipt sends p and registers a receipt that concludes when
// a PROOF signed by signerPub arrives for the packet, or when the
// timeout elapses. A zero timeout uses ReceiptTimeout.
func (t *Transport) SendWithReceipt(p *packet.Packet, signerPub []byte, timeout time.Duration, delivered func(rtt time.Duration), timedOut func()) (*Receipt, error) {
	if timeout <= 0 {
		timeout = ReceiptTimeout
	}
	hash, err := packet.Hash(p)
	if err != nil {
		return nil, fmt.Errorf("transport: receipt hash: %w", err)
	}
	var trunc [packet.DestHashLen]byte
	copy(trunc[:], hash[:packet.DestHashLen])

	r := &Receipt{
		PacketHash: hash,
		signerPub:  signerPub,
		deadline:   time.Now().Add(timeout),
		delivered:  delivered,
		timedOut:   timedOut,
		sentAt:     time.Now(),
	}
	t.mu.Lock()
	t.receipts[trunc] = r
	t.mu.Unlock()

	if err := t.Send(p); err != nil {
		t.mu.Lock()
		delete(t.receipts, trunc)
		t.mu.Unlock()
		return nil, err
	}
	return r, nil
}

// Inbound is the single entry point for deframed octet buffers from
// any interface (spec §6). Parse and crypto failures are silent drops
// with a counter, never errors (spec §7).
func (t *Transport) Inbound(data []byte, from Interface) {
	p, err := packet.Unpack(data)
	if err != nil {
		t.dropped.Add(1)
		t.logger.Debug("inbound drop", "iface", from.Name(), "error", err)
		return
	}

	switch p.PacketType {
	case packet.TypeAnnounce:
		t.handleAnnounce(p, from)
	case packet.TypeProof:
		t.handleProof(p)
	case packet.TypeData, packet.TypeLinkRequest:
		t.handleData(p, from)
	}
}

func (t *Transport) handleData(p *packet.Packet, from Interface) {
	if p.PacketType == packet.TypeData && p.Context == packet.CtxPathRequest {
		t.handlePathRequest(p)
		return
	}

	t.mu.RLock()
	var handler DestHandler
	if p.DestType == packet.DestLink {
		handler = t.links[p.DestHash]
	} else if rd, ok := t.dests[p.DestHash]; ok {
		handler = rd.handler
	}
	t.mu.RUnlock()

	if handler != nil {
		handler(p, from)
		return
	}
	t.forward(p, from)
}

// forward relays a packet toward its destination when acting as a
// transport node; endpoints drop unaddressed traffic.
func (t *Transport) forward(p *packet.Packet, from Interface) {
	if !t.cfg.EnableTransport {
		return
	}
	t.mu.RLock()
	entry, ok := t.paths[p.DestHash]
	t.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) || entry.iface == from {
		return
	}
	if p.Hops >= packet.MaxHops {
		t.dropped.Add(1)
		return
	}

	fwd := *p
	fwd.Hops++
	fwd.HeaderType = packet.Header2
	fwd.TransportID = entry.nextHop
	raw, err := packet.Pack(&fwd)
	if err != nil || len(raw) > t.mtuFor(entry.iface) {
		return
	}
	if err := entry.iface.ProcessOutgoing(raw); err != nil {
		t.logger.Warn("forward failed", "iface", entry.iface.Name(), "error", err)
	}
}

func (t *Transport) handleProof(p *packet.Packet) {
	// Link-addressed proofs (handshake replies) carry their own wire
	// form; hand them to the link before trying the explicit form.
	t.mu.RLock()
	linkHandler := t.links[p.DestHash]
	t.mu.RUnlock()
	if linkHandler != nil {
		linkHandler(p, nil)
		return
	}

	pr, err := packet.UnpackProof(p.Data)
	if err != nil {
		t.dropped.Add(1)
		return
	}

	t.mu.Lock()
	r, ok := t.receipts[p.DestHash]
	if ok {
		delete(t.receipts, p.DestHash)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if pr.PacketHash != r.PacketHash || !packet.VerifyProof(pr, r.signerPub) {
		t.dropped.Add(1)
		t.logger.Debug("proof rejected", "packetHash", fmt.Sprintf("%x", p.DestHash))
		return
	}
	if r.delivered != nil {
		r.delivered(time.Since(r.sentAt))
	}
}

// Tick advances time-based transport state: path expiry, receipt
// timeouts and registered hooks. Invoked by Run or directly by tests.
func (t *Transport) Tick(now time.Time) {
	t.mu.Lock()
	for h, e := range t.paths {
		if now.After(e.expiresAt) {
			delete(t.paths, h)
		}
	}
	var expired []*Receipt
	for h, r := range t.receipts {
		if now.After(r.deadline) {
			delete(t.receipts, h)
			expired = append(expired, r)
		}
	}
	hooks := append([]func(time.Time){}, t.tickHooks...)
	t.mu.Unlock()

	for _, r := range expired {
		if r.timedOut != nil {
			r.timedOut()
		}
	}
	for _, fn := range hooks {
		fn(now)
	}
}

// Run drives the tick loop until ctx is cancelled. The interval is
// job_interval_ms scaled by the throttle multiplier, re-read every
// iteration so runtime changes take effect within one tick.
func (t *Transport) Run(ctx context.Context) {
	for {
		mult := math.Float64frombits(t.throttle.Load())
		interval := time.Duration(float64(t.cfg.JobIntervalMS)*mult) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case now := <-time.After(interval):
			t.Tick(now)
		}
	}
}
