// Package lxmrouter implements the LXMF delivery engine (spec §4.8):
// outbound queueing, direct / opportunistic / propagated dispatch,
// announce-driven retriggering, retry bookkeeping and inbound
// verification with duplicate suppression.
package lxmrouter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/link"
	"github.com/cvsouth/reticulum-go/lxmf"
	"github.com/cvsouth/reticulum-go/packet"
	"github.com/cvsouth/reticulum-go/resource"
	"github.com/cvsouth/reticulum-go/transport"
)

// Retry policy constants, matching reference peers (spec §4.8.4).
const (
	MaxDeliveryAttempts    = 5
	MaxPathlessTries       = 1
	DeliveryRetryWait      = 10 * time.Second
	PathRequestWait        = 7 * time.Second
	StampCostTargetDefault = 8

	// ProcessInterval is the outbound queue scan cadence.
	ProcessInterval = 4 * time.Second
	// DedupTTL bounds the recent-message cache (spec §7: TTL ≥ 5 min).
	DedupTTL = 5 * time.Minute

	stalePathWait = 500 * time.Millisecond
)

// Delivery destination naming.
const (
	AppName           = "lxmf"
	DeliveryAspect    = "delivery"
	PropagationAspect = "propagation"
)

type queued struct {
	msg      *lxmf.Message
	packed   []byte
	inFlight bool
}

// Router owns a delivery identity and moves LXMF messages for it.
// Typically one per process (spec §3); an explicit object so tests can
// run several.
type Router struct {
	mu     sync.Mutex
	t      *transport.Transport
	logger *slog.Logger

	identity     *identity.Identity
	deliveryDest *destination.Destination
	destHash     [packet.DestHashLen]byte

	pending         []*queued
	links           map[[packet.DestHashLen]byte]*link.Link
	establishing    map[[packet.DestHashLen]byte]bool
	knownIdentities map[[identity.HashLen]byte]*identity.Identity
	recent          map[[32]byte]time.Time
	propagationNode *[packet.DestHashLen]byte

	deliveryCB func(*lxmf.Message)
	failedCB   func(*lxmf.Message)
	inboundCB  func(*lxmf.Message)

	stampCost   int
	storagePath string
	lastProcess time.Time
	callbackQ   chan func()
	done        chan struct{}
}

// New creates a router for the given delivery identity, registers its
// delivery destination on t and hooks the transport tick and announce
// streams. Inbound callbacks are dispatched on a dedicated worker so
// they never block the processing loop (spec §4.8.5).
func New(t *transport.Transport, id *identity.Identity, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dest, err := destination.New(destination.In, destination.Single, id, AppName, DeliveryAspect)
	if err != nil {
		return nil, fmt.Errorf("lxmrouter: delivery destination: %w", err)
	}

	r := &Router{
		t:               t,
		logger:          logger,
		identity:        id,
		deliveryDest:    dest,
		destHash:        dest.Hash(),
		links:           make(map[[packet.DestHashLen]byte]*link.Link),
		establishing:    make(map[[packet.DestHashLen]byte]bool),
		knownIdentities: make(map[[identity.HashLen]byte]*identity.Identity),
		recent:          make(map[[32]byte]time.Time),
		stampCost:       t.Config().StampCostDefault,
		storagePath:     t.Config().LXMFStoragePath,
		callbackQ:       make(chan func(), 64),
		done:            make(chan struct{}),
	}
	if r.stampCost == 0 {
		r.stampCost = StampCostTargetDefault
	}

	// The delivery destination multiplexes inbound link requests
	// (DIRECT) and encrypted single packets (OPPORTUNISTIC).
	t.RegisterDestination(dest, func(p *packet.Packet, iface transport.Interface) {
		if p.PacketType == packet.TypeLinkRequest {
			l, err := link.Accept(t, dest, p, logger)
			if err != nil {
				logger.Debug("link request dropped", "error", err)
				return
			}
			r.adoptInboundLink(l)
			return
		}
		r.handleInboundPacket(p, iface)
	})
	t.OnAnnounce(r.handleAnnounce)
	t.OnTick(r.Tick)

	go r.callbackWorker()
	r.loadQueue()
	return r, nil
}

// Close stops the callback worker. Pending queue state stays on disk.
func (r *Router) Close() {
	close(r.done)
}

// DeliveryHash returns the router's delivery destination hash.
func (r *Router) DeliveryHash() [packet.DestHashLen]byte { return r.destHash }

// OnDelivery registers the DIRECT delivered callback (spec §4.8.5).
func (r *Router) OnDelivery(fn func(*lxmf.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveryCB = fn
}

// OnFailed registers the delivery-failed callback.
func (r *Router) OnFailed(fn func(*lxmf.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedCB = fn
}

// OnInbound registers the receiving-side message callback.
func (r *Router) OnInbound(fn func(*lxmf.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inboundCB = fn
}

// SetPropagationNode selects the propagation node destination used by
// PROPAGATED messages.
func (r *Router) SetPropagationNode(destHash [packet.DestHashLen]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := destHash
	r.propagationNode = &h
}

// AnnounceDelivery publishes the delivery destination.
func (r *Router) AnnounceDelivery(appData []byte) error {
	return r.t.Announce(r.deliveryDest, appData)
}

func (r *Router) callbackWorker() {
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.callbackQ:
			fn()
		}
	}
}

func (r *Router) dispatch(fn func()) {
	if fn == nil {
		return
	}
	select {
	case r.callbackQ <- fn:
	case <-r.done:
	}
}

// handleAnnounce refreshes the identity map and retriggers pending
// messages for the announced destination (spec §4.8.3).
func (r *Router) handleAnnounce(destHash [packet.DestHashLen]byte, id *identity.Identity, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knownIdentities[id.Hash()] = id
	for _, q := range r.pending {
		if q.msg.DestinationHash == destHash && q.msg.State == lxmf.Outbound {
			q.msg.NextDeliveryAttempt = time.Now()
			r.logger.Debug("announce retriggered delivery", "destHash", fmt.Sprintf("%x", destHash))
		}
	}
}

// adoptInboundLink accepts a peer's link to the delivery destination
// and wires its payload and resource streams into message ingestion.
func (r *Router) adoptInboundLink(l *link.Link) {
	l.OnPacket(func(data []byte, _ *packet.Packet) {
		r.ingest(data)
	})
	l.SetResourceStrategy(resource.AcceptAll, nil)
	l.OnResourceConcluded(func(rx *resource.Receiver) {
		if rx.State() == resource.Complete {
			r.ingest(rx.Data())
		}
	})
}

// handleInboundPacket decrypts an opportunistic single-packet message
// and proves it back to the sender.
func (r *Router) handleInboundPacket(p *packet.Packet, _ transport.Interface) {
	if p.PacketType != packet.TypeData {
		return
	}
	plaintext, err := r.identity.Decrypt(r.destHash, p.Data)
	if err != nil {
		r.logger.Debug("inbound packet rejected", "error", err)
		return
	}

	if hash, err := packet.Hash(p); err == nil {
		var proofDest [packet.DestHashLen]byte
		copy(proofDest[:], hash[:packet.DestHashLen])
		pr := packet.SignProof(hash, r.identity.SigPriv)
		reply := &packet.Packet{
			HeaderType:    packet.Header1,
			TransportType: packet.TransportBroadcast,
			DestType:      packet.DestSingle,
			PacketType:    packet.TypeProof,
			DestHash:      proofDest,
			Data:          packet.PackProof(pr),
		}
		if err := r.t.Send(reply); err != nil {
			r.logger.Debug("delivery proof send failed", "error", err)
		}
	}

	r.ingest(plaintext)
}

// ingest verifies and delivers one packed message, suppressing
// duplicates within the dedup window (spec §7: exactly-once per
// message hash).
func (r *Router) ingest(packed []byte) {
	if len(packed) < lxmf.HashLen*2 {
		return
	}
	var sourceHash [identity.HashLen]byte
	copy(sourceHash[:], packed[lxmf.HashLen:2*lxmf.HashLen])

	r.mu.Lock()
	source, known := r.knownIdentities[sourceHash]
	r.mu.Unlock()
	if !known {
		r.logger.Debug("inbound message from unknown identity", "sourceHash", fmt.Sprintf("%x", sourceHash))
		return
	}

	msg, err := lxmf.Unpack(packed, source)
	if err != nil {
		r.logger.Debug("inbound message rejected", "error", err)
		return
	}
	if msg.DestinationHash != r.destHash {
		return
	}

	r.mu.Lock()
	if seen, ok := r.recent[msg.Hash]; ok && time.Since(seen) < DedupTTL {
		r.mu.Unlock()
		return
	}
	r.recent[msg.Hash] = time.Now()
	cb := r.inboundCB
	r.mu.Unlock()

	msg.State = lxmf.Delivered
	r.logger.Info("message received", "messageHash", fmt.Sprintf("%x", msg.Hash[:8]), "sourceHash", fmt.Sprintf("%x", sourceHash))
	if cb != nil {
		r.dispatch(func() { cb(msg) })
	}
}

// Tick drives queue processing every ProcessInterval and prunes the
// dedup cache. Registered on the transport tick loop.
func (r *Router) Tick(now time.Time) {
	r.mu.Lock()
	if now.Sub(r.lastProcess) < ProcessInterval {
		r.mu.Unlock()
		return
	}
	r.lastProcess = now
	for h, seen := range r.recent {
		if now.Sub(seen) > DedupTTL {
			delete(r.recent, h)
		}
	}
	r.mu.Unlock()
	r.processOutbound(now)
}
