package lxmrouter

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/link"
	"github.com/cvsouth/reticulum-go/lxmf"
	"github.com/cvsouth/reticulum-go/packet"
	"github.com/cvsouth/reticulum-go/resource"
	"github.com/cvsouth/reticulum-go/rnserr"
)

// HandleOutbound signs, packs and queues a message for delivery
// (spec §4.8.1). PROPAGATED messages get a stamp at the router's cost
// target before queueing.
func (r *Router) HandleOutbound(msg *lxmf.Message, source *identity.Identity) error {
	packed, err := msg.Pack(source)
	if err != nil {
		return fmt.Errorf("lxmrouter: pack: %w", err)
	}
	if msg.Method == lxmf.Propagated {
		stamp, ok := lxmf.GenerateStamp(msg.Hash, r.stampCost, 0)
		if !ok {
			return fmt.Errorf("lxmrouter: stamp generation failed")
		}
		msg.Stamp = stamp
	}
	msg.State = lxmf.Outbound

	r.mu.Lock()
	r.pending = append(r.pending, &queued{msg: msg, packed: packed})
	r.saveQueueLocked()
	r.mu.Unlock()
	r.logger.Debug("message queued", "messageHash", fmt.Sprintf("%x", msg.Hash[:8]), "method", msg.Method)
	return nil
}

// processOutbound scans the queue and attempts every message whose
// next delivery time has arrived (spec §4.8.2).
func (r *Router) processOutbound(now time.Time) {
	r.mu.Lock()
	due := make([]*queued, 0, len(r.pending))
	for _, q := range r.pending {
		if q.inFlight || q.msg.State != lxmf.Outbound || now.Before(q.msg.NextDeliveryAttempt) {
			continue
		}
		due = append(due, q)
	}
	r.mu.Unlock()

	for _, q := range due {
		if q.msg.DeliveryAttempts >= MaxDeliveryAttempts {
			r.fail(q, fmt.Errorf("lxmrouter: %d attempts: %w", q.msg.DeliveryAttempts, rnserr.ErrExhausted))
			continue
		}
		switch q.msg.Method {
		case lxmf.Direct:
			r.attemptDirect(q, now)
		case lxmf.Opportunistic:
			r.attemptOpportunistic(q, now)
		case lxmf.Propagated:
			r.attemptPropagated(q, now)
		}
	}
}

func (r *Router) conclude(q *queued, state lxmf.State) {
	r.mu.Lock()
	q.msg.State = state
	for i, cur := range r.pending {
		if cur == q {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.saveQueueLocked()
	deliveryCB := r.deliveryCB
	r.mu.Unlock()

	if state == lxmf.Delivered && q.msg.Method == lxmf.Direct && deliveryCB != nil {
		r.dispatch(func() { deliveryCB(q.msg) })
	}
}

func (r *Router) fail(q *queued, cause error) {
	r.mu.Lock()
	q.msg.State = lxmf.Failed
	for i, cur := range r.pending {
		if cur == q {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.saveQueueLocked()
	failedCB := r.failedCB
	r.mu.Unlock()

	r.logger.Warn("message failed", "messageHash", fmt.Sprintf("%x", q.msg.Hash[:8]), "error", cause)
	if failedCB != nil {
		r.dispatch(func() { failedCB(q.msg) })
	}
}

func (r *Router) retryLater(q *queued, wait time.Duration) {
	r.mu.Lock()
	q.inFlight = false
	q.msg.NextDeliveryAttempt = time.Now().Add(wait)
	r.mu.Unlock()
}

// recallDestination rebuilds the peer's delivery destination from the
// identity cache; the destination hash binds the name and the
// identity public key, so a cached identity is enough.
func (r *Router) recallDestination(destHash [packet.DestHashLen]byte, aspect string) (*destination.Destination, bool) {
	id, ok := r.t.Identities().Recall(destHash)
	if !ok {
		return nil, false
	}
	dest, err := destination.New(destination.Out, destination.Single, id, AppName, aspect)
	if err != nil || dest.Hash() != destHash {
		return nil, false
	}
	return dest, true
}

// attemptDirect delivers over an active link, establishing one first
// when needed (spec §4.8.2, DIRECT).
func (r *Router) attemptDirect(q *queued, now time.Time) {
	destHash := q.msg.DestinationHash
	r.mu.Lock()
	l, haveLink := r.links[destHash]
	r.mu.Unlock()

	if haveLink && l.Status() == link.Active {
		r.mu.Lock()
		q.inFlight = true
		q.msg.DeliveryAttempts++
		r.mu.Unlock()
		r.sendOnLink(q, l)
		return
	}

	dest, known := r.recallDestination(destHash, DeliveryAspect)
	if !known {
		r.requestPath(q, now)
		return
	}

	r.mu.Lock()
	if r.establishing[destHash] {
		r.mu.Unlock()
		return
	}
	r.establishing[destHash] = true
	q.inFlight = true
	r.mu.Unlock()

	go func() {
		l, err := link.Establish(r.t, dest, r.identity, r.logger)
		r.mu.Lock()
		delete(r.establishing, destHash)
		r.mu.Unlock()
		if err != nil {
			r.mu.Lock()
			q.msg.DeliveryAttempts++
			r.mu.Unlock()
			r.retryLater(q, DeliveryRetryWait)
			return
		}
		l.OnClosed(func(_ *link.Link) {
			r.mu.Lock()
			delete(r.links, destHash)
			r.mu.Unlock()
		})
		r.mu.Lock()
		r.links[destHash] = l
		q.msg.DeliveryAttempts++
		r.mu.Unlock()
		r.sendOnLink(q, l)
	}()
}

// sendOnLink transfers the packed blob as a link packet when it fits
// or as a resource otherwise.
func (r *Router) sendOnLink(q *queued, l *link.Link) {
	if len(q.packed) <= l.MDU() {
		err := l.Send(q.packed,
			func() { r.conclude(q, lxmf.Delivered) },
			func() { r.retryLater(q, DeliveryRetryWait) },
		)
		if err != nil {
			r.retryLater(q, DeliveryRetryWait)
		}
		return
	}

	_, err := l.SendResource(q.packed, func(s *resource.Sender) {
		if s.State() == resource.Complete {
			r.conclude(q, lxmf.Delivered)
			return
		}
		r.retryLater(q, DeliveryRetryWait)
	}, nil)
	if err != nil {
		r.retryLater(q, DeliveryRetryWait)
	}
}

// attemptOpportunistic sends a single encrypted packet without a link
// (spec §4.8.2, OPPORTUNISTIC).
func (r *Router) attemptOpportunistic(q *queued, now time.Time) {
	destHash := q.msg.DestinationHash
	id, known := r.t.Identities().Recall(destHash)
	if !known {
		r.requestPath(q, now)
		return
	}

	blob, err := identity.EncryptFor(id, destHash, q.packed)
	if err != nil {
		r.fail(q, fmt.Errorf("lxmrouter: encrypt: %w", err))
		return
	}

	p := &packet.Packet{
		HeaderType:    packet.Header1,
		TransportType: packet.TransportBroadcast,
		DestType:      packet.DestSingle,
		PacketType:    packet.TypeData,
		DestHash:      destHash,
		Data:          blob,
	}

	r.mu.Lock()
	q.inFlight = true
	q.msg.DeliveryAttempts++
	r.mu.Unlock()

	_, err = r.t.SendWithReceipt(p, id.SigPub, 0,
		func(_ time.Duration) { r.conclude(q, lxmf.Delivered) },
		func() { r.retryLater(q, DeliveryRetryWait) },
	)
	if err != nil {
		r.retryLater(q, DeliveryRetryWait)
	}
}

// requestPath applies the pathless retry policy (spec §4.8.4): after
// MAX_PATHLESS_TRIES the router asks the transport for a path; on the
// attempt after that a stale path is expired first and a fresh one
// requested.
func (r *Router) requestPath(q *queued, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q.msg.DeliveryAttempts++
	switch {
	case q.msg.DeliveryAttempts <= MaxPathlessTries:
		q.msg.NextDeliveryAttempt = now.Add(DeliveryRetryWait)
	case q.msg.DeliveryAttempts == MaxPathlessTries+1 && r.t.HasPath(q.msg.DestinationHash):
		r.t.ExpirePath(q.msg.DestinationHash)
		q.msg.NextDeliveryAttempt = now.Add(stalePathWait)
	default:
		if err := r.t.RequestPath(q.msg.DestinationHash); err != nil {
			r.logger.Debug("path request failed", "error", err)
		}
		q.msg.PathRequested = now
		q.msg.NextDeliveryAttempt = now.Add(PathRequestWait)
	}
}

// attemptPropagated transfers custody to the configured propagation
// node (spec §4.8.2, PROPAGATED). The node's accept proof marks the
// message Sent, never Delivered.
func (r *Router) attemptPropagated(q *queued, now time.Time) {
	r.mu.Lock()
	node := r.propagationNode
	r.mu.Unlock()
	if node == nil {
		r.fail(q, fmt.Errorf("lxmrouter: no propagation node configured"))
		return
	}
	nodeHash := *node

	r.mu.Lock()
	l, haveLink := r.links[nodeHash]
	r.mu.Unlock()
	if haveLink && l.Status() == link.Active {
		r.mu.Lock()
		q.inFlight = true
		q.msg.DeliveryAttempts++
		r.mu.Unlock()
		r.transferToNode(q, l)
		return
	}

	dest, known := r.recallDestination(nodeHash, PropagationAspect)
	if !known {
		r.mu.Lock()
		q.msg.DeliveryAttempts++
		q.msg.NextDeliveryAttempt = now.Add(PathRequestWait)
		r.mu.Unlock()
		if err := r.t.RequestPath(nodeHash); err != nil {
			r.logger.Debug("path request failed", "error", err)
		}
		return
	}

	r.mu.Lock()
	if r.establishing[nodeHash] {
		r.mu.Unlock()
		return
	}
	r.establishing[nodeHash] = true
	q.inFlight = true
	r.mu.Unlock()

	go func() {
		l, err := link.Establish(r.t, dest, r.identity, r.logger)
		r.mu.Lock()
		delete(r.establishing, nodeHash)
		r.mu.Unlock()
		if err != nil {
			r.mu.Lock()
			q.msg.DeliveryAttempts++
			r.mu.Unlock()
			r.retryLater(q, DeliveryRetryWait)
			return
		}
		r.mu.Lock()
		r.links[nodeHash] = l
		q.msg.DeliveryAttempts++
		r.mu.Unlock()
		r.transferToNode(q, l)
	}()
}

// transferToNode ships [timebase, [[packed, stamp]]] as a resource.
func (r *Router) transferToNode(q *queued, l *link.Link) {
	var payload []byte
	enc := codec.NewEncoderBytes(&payload, msgpackHandle)
	entry := []interface{}{q.packed, q.msg.Stamp}
	if err := enc.Encode([]interface{}{q.msg.Timestamp, []interface{}{entry}}); err != nil {
		r.fail(q, fmt.Errorf("lxmrouter: encode propagation transfer: %w", err))
		return
	}

	_, err := l.SendResource(payload, func(s *resource.Sender) {
		if s.State() == resource.Complete {
			r.conclude(q, lxmf.Sent)
			return
		}
		r.retryLater(q, DeliveryRetryWait)
	}, nil)
	if err != nil {
		r.retryLater(q, DeliveryRetryWait)
	}
}
