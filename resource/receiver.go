package resource

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/reticulum-go/rnscrypto"
	"github.com/cvsouth/reticulum-go/rnserr"
)

// Strategy gates inbound transfers (spec §4.5). The default rejects
// everything.
type Strategy uint8

const (
	AcceptNone Strategy = iota
	AcceptAll
	AcceptApp // callback-gated
)

type rxSegment struct {
	adv      *Advertisement
	byMap    map[[MapHashLen]byte]int
	parts    [][]byte // by index; nil while missing
	received int
}

// Receiver drives the inbound half of a transfer. One Receiver covers
// every segment sharing an original hash; segments arrive in order.
type Receiver struct {
	mu     sync.Mutex
	m      Medium
	comp   rnscrypto.Compressor
	logger *slog.Logger

	originalHash  [HashLen]byte
	totalSegments uint8
	segmentsDone  int
	assembled     []byte
	cur           *rxSegment
	state         State

	window      int
	windowMax   int
	runLength   int
	retries     int
	outstanding map[[MapHashLen]byte]struct{}
	deadline    time.Time

	concluded func(*Receiver)
	progress  func(received, total int)
	err       error
}

// Accept starts receiving the transfer offered by adv. The concluded
// callback fires once, on Complete or Failed; bytes reach Data in
// original order regardless of part arrival order (spec §5).
func Accept(m Medium, adv *Advertisement, comp rnscrypto.Compressor, concluded func(*Receiver), progress func(received, total int), logger *slog.Logger) (*Receiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if comp == nil {
		comp = rnscrypto.DefaultCompressor()
	}
	if adv.SegmentIndex != 1 {
		return nil, fmt.Errorf("resource: transfer must open with segment 1, got %d", adv.SegmentIndex)
	}
	r := &Receiver{
		m:             m,
		comp:          comp,
		logger:        logger,
		originalHash:  adv.OriginalHash,
		totalSegments: adv.TotalSegments,
		state:         Transferring,
		window:        WindowInitial,
		windowMax:     WindowMaxSlow,
		outstanding:   make(map[[MapHashLen]byte]struct{}),
		concluded:     concluded,
		progress:      progress,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startSegmentLocked(adv)
	r.requestMoreLocked()
	return r, nil
}

// OriginalHash identifies the transfer across its segments.
func (r *Receiver) OriginalHash() [HashLen]byte { return r.originalHash }

// State returns the transfer's current lifecycle state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the failure cause after a Failed conclusion.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Data returns the reassembled bytes after a Complete conclusion.
func (r *Receiver) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assembled
}

func (r *Receiver) startSegmentLocked(adv *Advertisement) {
	seg := &rxSegment{
		adv:   adv,
		byMap: make(map[[MapHashLen]byte]int, adv.NumParts),
		parts: make([][]byte, adv.NumParts),
	}
	for i := 0; i < int(adv.NumParts); i++ {
		var mh [MapHashLen]byte
		copy(mh[:], adv.Hashmap[i*MapHashLen:(i+1)*MapHashLen])
		seg.byMap[mh] = i
	}
	r.cur = seg
	r.retries = 0
	r.outstanding = make(map[[MapHashLen]byte]struct{})
}

// HandleAdvertisement ingests a follow-up segment advertisement. Out
// of order or stale segments are ignored; a repeat of the current one
// just refreshes the deadline.
func (r *Receiver) HandleAdvertisement(adv *Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Transferring || adv.OriginalHash != r.originalHash {
		return
	}
	switch {
	case r.cur != nil && adv.SegmentIndex == r.cur.adv.SegmentIndex:
		r.deadline = time.Now().Add(transferTimeout(r.m))
	case r.cur == nil && int(adv.SegmentIndex) == r.segmentsDone+1:
		r.startSegmentLocked(adv)
		r.requestMoreLocked()
	}
}

func (r *Receiver) requestMoreLocked() {
	seg := r.cur
	if seg == nil {
		return
	}
	batchMax := (r.m.MDU() - HashLen) / MapHashLen
	want := make([]byte, 0, HashLen+r.window*MapHashLen)
	want = append(want, seg.adv.ResourceHash[:]...)
	n := 0
	for i, part := range seg.parts {
		if part != nil {
			continue
		}
		var mh [MapHashLen]byte
		copy(mh[:], seg.adv.Hashmap[i*MapHashLen:(i+1)*MapHashLen])
		if _, asked := r.outstanding[mh]; asked {
			continue
		}
		if len(r.outstanding)+n >= r.window || n >= batchMax {
			break
		}
		want = append(want, mh[:]...)
		n++
	}
	if n == 0 {
		return
	}
	if err := r.m.Send(MsgRequest, want); err != nil {
		r.logger.Debug("part request failed", "error", err)
		return
	}
	for off := HashLen; off < len(want); off += MapHashLen {
		r.outstanding[[MapHashLen]byte(want[off:off+MapHashLen])] = struct{}{}
	}
	r.deadline = time.Now().Add(transferTimeout(r.m))
}

// HandlePart ingests one part message: resourceHash(16) || mapHash(4)
// || data. Unknown or duplicate parts are ignored.
func (r *Receiver) HandlePart(payload []byte) {
	if len(payload) <= HashLen+MapHashLen {
		return
	}
	r.mu.Lock()
	seg := r.cur
	if r.state != Transferring || seg == nil ||
		[HashLen]byte(payload[:HashLen]) != seg.adv.ResourceHash {
		r.mu.Unlock()
		return
	}
	var mh [MapHashLen]byte
	copy(mh[:], payload[HashLen:HashLen+MapHashLen])
	idx, ok := seg.byMap[mh]
	if !ok || seg.parts[idx] != nil {
		r.mu.Unlock()
		return
	}
	part := append([]byte(nil), payload[HashLen+MapHashLen:]...)
	if MapHash(part, seg.adv.RandomHash) != mh {
		r.mu.Unlock()
		return
	}

	seg.parts[idx] = part
	seg.received++
	delete(r.outstanding, mh)
	if r.progress != nil {
		r.progress(seg.received, int(seg.adv.NumParts))
	}

	if r.window < r.windowMax {
		r.window++
	}
	if len(r.outstanding) == 0 {
		r.runLength++
		switch {
		case r.runLength >= fastRateRounds:
			r.windowMax = WindowMaxFast
		case r.runLength >= mediumRateRounds:
			r.windowMax = WindowMaxMedium
		}
	}

	if seg.received == int(seg.adv.NumParts) {
		r.finishSegmentLocked(seg)
		return
	}
	r.requestMoreLocked()
	r.mu.Unlock()
}

// finishSegmentLocked verifies and folds a completed segment into the
// assembly. Releases r.mu.
func (r *Receiver) finishSegmentLocked(seg *rxSegment) {
	data := make([]byte, 0, seg.adv.TransferSize)
	for _, part := range seg.parts {
		data = append(data, part...)
	}
	if ResourceHash(seg.adv.RandomHash, data) != seg.adv.ResourceHash {
		r.failLocked(fmt.Errorf("resource: segment %d hash mismatch: %w", seg.adv.SegmentIndex, rnserr.ErrCrypto))
		return
	}

	proof := ExpectedProof(data, seg.adv.ResourceHash)
	msg := make([]byte, 0, HashLen+HashLen)
	msg = append(msg, seg.adv.ResourceHash[:]...)
	msg = append(msg, proof[:]...)
	if err := r.m.Send(MsgProof, msg); err != nil {
		r.logger.Debug("proof send failed", "error", err)
	}

	if seg.adv.Flags&FlagCompressed != 0 {
		raw, err := r.comp.Decompress(data)
		if err != nil {
			r.failLocked(fmt.Errorf("resource: segment %d decompress: %w", seg.adv.SegmentIndex, err))
			return
		}
		data = raw
	}
	r.assembled = append(r.assembled, data...)
	r.segmentsDone++
	r.cur = nil
	r.outstanding = make(map[[MapHashLen]byte]struct{})

	if r.segmentsDone < int(r.totalSegments) {
		// Await the next segment's advertisement.
		r.deadline = time.Now().Add(transferTimeout(r.m))
		r.mu.Unlock()
		return
	}

	r.state = Complete
	r.logger.Debug("resource received", "originalHash", fmt.Sprintf("%x", r.originalHash), "size", len(r.assembled))
	cb := r.concluded
	r.mu.Unlock()
	if cb != nil {
		cb(r)
	}
}

// Tick re-requests outstanding parts after a silent interval, halving
// the window, and fails the transfer after MaxRetries rounds.
func (r *Receiver) Tick(now time.Time) {
	r.mu.Lock()
	if r.state != Transferring || now.Before(r.deadline) {
		r.mu.Unlock()
		return
	}
	if r.retries >= MaxRetries {
		r.failLocked(fmt.Errorf("resource: transfer stalled after %d retries: %w", r.retries, rnserr.ErrTimeout))
		return
	}
	r.retries++
	r.runLength = 0
	r.windowMax = WindowMaxSlow
	r.window /= 2
	if r.window < WindowInitial {
		r.window = WindowInitial
	}
	r.outstanding = make(map[[MapHashLen]byte]struct{})
	r.requestMoreLocked()
	r.deadline = now.Add(transferTimeout(r.m))
	r.mu.Unlock()
}

// Cancel aborts the transfer locally, with a best-effort notice to
// the peer.
func (r *Receiver) Cancel(cause error) {
	r.mu.Lock()
	if r.state == Complete || r.state == Failed {
		r.mu.Unlock()
		return
	}
	if r.cur != nil {
		_ = r.m.Send(MsgCancel, r.cur.adv.ResourceHash[:])
	}
	if cause == nil {
		cause = rnserr.ErrCancelled
	}
	r.failLocked(cause)
}

// HandleCancel aborts the transfer at the sender's request.
func (r *Receiver) HandleCancel(payload []byte) {
	if len(payload) != HashLen {
		return
	}
	r.mu.Lock()
	if r.state == Complete || r.state == Failed ||
		r.cur == nil || [HashLen]byte(payload) != r.cur.adv.ResourceHash {
		r.mu.Unlock()
		return
	}
	r.failLocked(fmt.Errorf("resource: cancelled by peer: %w", rnserr.ErrCancelled))
}

// failLocked concludes the transfer as Failed. Releases r.mu.
func (r *Receiver) failLocked(cause error) {
	r.state = Failed
	r.err = cause
	cb := r.concluded
	r.mu.Unlock()
	r.logger.Debug("resource receive failed", "error", cause)
	if cb != nil {
		cb(r)
	}
}
