// Package resource implements reliable transfers of arbitrarily sized
// data over a link (spec §4.5): per-segment advertisements, a 4-byte
// map-hash per part for out-of-order reception, receiver-driven
// selective retransmission, and a final reassembly proof.
package resource

import (
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/reticulum-go/rnscrypto"
	"github.com/cvsouth/reticulum-go/rnserr"
)

// Sizing and retry constants (spec §4.5).
const (
	// SDU is the per-part payload size.
	SDU = 325
	// HashLen is the truncated resource / proof hash length.
	HashLen = 16
	// RandomHashLen is the per-resource salt length.
	RandomHashLen = 4
	// MapHashLen is the per-part identifier length.
	MapHashLen = 4
	// HashmapMaxLen caps hashmap entries per advertisement; larger
	// transfers ship one advertisement per 56-part segment.
	HashmapMaxLen = 56
	// MaxEfficientSize is the largest single-segment payload: one full
	// hashmap's worth of parts.
	MaxEfficientSize = HashmapMaxLen * SDU
	// MaxRetries bounds advertisement resends and per-round part
	// re-requests.
	MaxRetries = 5

	WindowInitial   = 4
	WindowMaxSlow   = 5
	WindowMaxMedium = 16
	WindowMaxFast   = 48
	// Consecutive fully-satisfied request rounds before the window cap
	// steps up a tier.
	mediumRateRounds = 5
	fastRateRounds   = 10

	minTimeout = 5 * time.Second
)

// State is a transfer's lifecycle position.
type State uint8

const (
	Created State = iota
	Advertised
	Transferring
	Complete
	Failed
)

// Wire sub-contexts a Medium must route back to HandleRequest /
// HandlePart / HandleProof / HandleCancel on the far side. They map
// onto the link packet context byte.
const (
	MsgAdvertisement uint8 = iota
	MsgRequest
	MsgPart
	MsgProof
	MsgCancel
)

// Medium is the encrypted packet substrate a transfer runs on; a link
// implements it.
type Medium interface {
	MDU() int
	RTT() time.Duration
	Send(msg uint8, data []byte) error
}

func transferTimeout(m Medium) time.Duration {
	t := 3 * m.RTT()
	if t < minTimeout {
		t = minTimeout
	}
	return t
}

// ResourceHash computes the truncated segment hash over the
// transferred bytes: SHA256(salt || data)[0..16].
func ResourceHash(randomHash [RandomHashLen]byte, data []byte) [HashLen]byte {
	h := sha256.New()
	h.Write(randomHash[:])
	h.Write(data)
	var out [HashLen]byte
	copy(out[:], h.Sum(nil)[:HashLen])
	return out
}

// ExpectedProof computes the reassembly proof:
// SHA256(data || resourceHash)[0..16].
func ExpectedProof(data []byte, resourceHash [HashLen]byte) [HashLen]byte {
	h := sha256.New()
	h.Write(data)
	h.Write(resourceHash[:])
	var out [HashLen]byte
	copy(out[:], h.Sum(nil)[:HashLen])
	return out
}

// MapHash computes a part's 4-byte identifier:
// SHA256(part || salt)[0..4].
func MapHash(part []byte, randomHash [RandomHashLen]byte) [MapHashLen]byte {
	h := sha256.New()
	h.Write(part)
	h.Write(randomHash[:])
	var out [MapHashLen]byte
	copy(out[:], h.Sum(nil)[:MapHashLen])
	return out
}

type txSegment struct {
	adv      *Advertisement
	data     []byte   // transferred form (possibly compressed)
	parts    [][]byte // SDU-sized slices of data
	byMap    map[[MapHashLen]byte]int
	expected [HashLen]byte // proof the receiver must return
}

// Sender drives the outbound half of a transfer. One Sender covers
// all segments of the original data, advertised in order.
type Sender struct {
	mu        sync.Mutex
	m         Medium
	comp      rnscrypto.Compressor
	logger    *slog.Logger
	segments  []*txSegment
	segIdx    int
	state     State
	retries   int
	deadline  time.Time
	concluded func(*Sender)
	progress  func(sent, total int)
	sentParts int
	total     int
	err       error
}

// Send prepares data for transfer on m and advertises the first
// segment. The concluded callback fires once, on Complete or Failed.
func Send(m Medium, data []byte, comp rnscrypto.Compressor, concluded func(*Sender), progress func(sent, total int), logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if comp == nil {
		comp = rnscrypto.DefaultCompressor()
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("resource: empty data")
	}

	originalHash := sha256.Sum256(data)
	var origTrunc [HashLen]byte
	copy(origTrunc[:], originalHash[:HashLen])

	numSegments := (len(data) + MaxEfficientSize - 1) / MaxEfficientSize
	if numSegments > 255 {
		return nil, fmt.Errorf("resource: %d bytes exceeds the maximum transfer size", len(data))
	}

	s := &Sender{
		m:         m,
		comp:      comp,
		logger:    logger,
		state:     Created,
		concluded: concluded,
		progress:  progress,
	}

	for i := 0; i < numSegments; i++ {
		lo := i * MaxEfficientSize
		hi := lo + MaxEfficientSize
		if hi > len(data) {
			hi = len(data)
		}
		seg, err := s.prepareSegment(data[lo:hi], origTrunc, uint8(i+1), uint8(numSegments))
		if err != nil {
			return nil, err
		}
		s.segments = append(s.segments, seg)
		s.total += len(seg.parts)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.advertiseLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sender) prepareSegment(raw []byte, origHash [HashLen]byte, index, total uint8) (*txSegment, error) {
	var randomHash [RandomHashLen]byte
	if _, err := io.ReadFull(crand.Reader, randomHash[:]); err != nil {
		return nil, fmt.Errorf("resource: segment salt: %w", err)
	}

	data := raw
	var flags uint8
	if compressed, err := s.comp.Compress(raw); err == nil && len(compressed) < len(raw) && len(compressed) <= MaxEfficientSize {
		data = compressed
		flags |= FlagCompressed
	}
	if total > 1 {
		flags |= FlagSplit
	}

	parts := make([][]byte, 0, (len(data)+SDU-1)/SDU)
	byMap := make(map[[MapHashLen]byte]int)
	hashmap := make([]byte, 0, MapHashLen*cap(parts))
	for off := 0; off < len(data); off += SDU {
		end := off + SDU
		if end > len(data) {
			end = len(data)
		}
		part := data[off:end]
		mh := MapHash(part, randomHash)
		byMap[mh] = len(parts)
		parts = append(parts, part)
		hashmap = append(hashmap, mh[:]...)
	}

	resHash := ResourceHash(randomHash, data)
	adv := &Advertisement{
		TransferSize:  uint32(len(data)),
		DataSize:      uint32(len(raw)),
		NumParts:      uint16(len(parts)),
		ResourceHash:  resHash,
		RandomHash:    randomHash,
		OriginalHash:  origHash,
		SegmentIndex:  index,
		TotalSegments: total,
		Flags:         flags,
		Hashmap:       hashmap,
	}
	return &txSegment{
		adv:      adv,
		data:     data,
		parts:    parts,
		byMap:    byMap,
		expected: ExpectedProof(data, resHash),
	}, nil
}

func (s *Sender) advertiseLocked() error {
	seg := s.segments[s.segIdx]
	if err := s.m.Send(MsgAdvertisement, seg.adv.Pack()); err != nil {
		return fmt.Errorf("resource: advertise segment %d: %w", seg.adv.SegmentIndex, err)
	}
	s.state = Advertised
	s.deadline = time.Now().Add(transferTimeout(s.m))
	s.logger.Debug("resource advertised",
		"resourceHash", fmt.Sprintf("%x", seg.adv.ResourceHash),
		"segment", seg.adv.SegmentIndex, "parts", len(seg.parts))
	return nil
}

// State returns the transfer's current lifecycle state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause after a Failed conclusion.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// HandleRequest serves a peer part request: resourceHash(16) followed
// by the wanted map hashes.
func (s *Sender) HandleRequest(payload []byte) {
	if len(payload) < HashLen || (len(payload)-HashLen)%MapHashLen != 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Advertised && s.state != Transferring {
		return
	}
	seg := s.segments[s.segIdx]
	if [HashLen]byte(payload[:HashLen]) != seg.adv.ResourceHash {
		return
	}
	s.state = Transferring
	s.deadline = time.Now().Add(transferTimeout(s.m))

	for off := HashLen; off < len(payload); off += MapHashLen {
		var mh [MapHashLen]byte
		copy(mh[:], payload[off:off+MapHashLen])
		idx, ok := seg.byMap[mh]
		if !ok {
			continue
		}
		msg := make([]byte, 0, HashLen+MapHashLen+len(seg.parts[idx]))
		msg = append(msg, seg.adv.ResourceHash[:]...)
		msg = append(msg, mh[:]...)
		msg = append(msg, seg.parts[idx]...)
		if err := s.m.Send(MsgPart, msg); err != nil {
			s.logger.Debug("part send failed", "error", err)
			return
		}
		s.sentParts++
		if s.progress != nil {
			s.progress(s.sentParts, s.total)
		}
	}
}

// HandleProof accepts the receiver's reassembly proof for the current
// segment and advances to the next one, or concludes the transfer.
func (s *Sender) HandleProof(payload []byte) {
	if len(payload) != HashLen+HashLen {
		return
	}
	s.mu.Lock()
	seg := s.segments[s.segIdx]
	if [HashLen]byte(payload[:HashLen]) != seg.adv.ResourceHash ||
		[HashLen]byte(payload[HashLen:]) != seg.expected {
		s.mu.Unlock()
		return
	}

	s.retries = 0
	if s.segIdx+1 < len(s.segments) {
		s.segIdx++
		if err := s.advertiseLocked(); err != nil {
			s.failLocked(err)
			return
		}
		s.mu.Unlock()
		return
	}

	s.state = Complete
	s.logger.Debug("resource complete", "originalHash", fmt.Sprintf("%x", seg.adv.OriginalHash))
	cb := s.concluded
	s.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// HandleCancel aborts the transfer at the peer's request.
func (s *Sender) HandleCancel(payload []byte) {
	if len(payload) != HashLen {
		return
	}
	s.mu.Lock()
	if s.state == Complete || s.state == Failed ||
		[HashLen]byte(payload) != s.segments[s.segIdx].adv.ResourceHash {
		s.mu.Unlock()
		return
	}
	s.failLocked(fmt.Errorf("resource: cancelled by peer: %w", rnserr.ErrCancelled))
}

// Cancel aborts the transfer locally, with a best-effort notice to
// the peer.
func (s *Sender) Cancel(cause error) {
	s.mu.Lock()
	if s.state == Complete || s.state == Failed {
		s.mu.Unlock()
		return
	}
	seg := s.segments[s.segIdx]
	_ = s.m.Send(MsgCancel, seg.adv.ResourceHash[:])
	if cause == nil {
		cause = rnserr.ErrCancelled
	}
	s.failLocked(cause)
}

// Tick retries the pending advertisement when the peer stays silent,
// failing the transfer after MaxRetries.
func (s *Sender) Tick(now time.Time) {
	s.mu.Lock()
	if s.state != Advertised && s.state != Transferring {
		s.mu.Unlock()
		return
	}
	if now.Before(s.deadline) {
		s.mu.Unlock()
		return
	}
	if s.retries >= MaxRetries {
		s.failLocked(fmt.Errorf("resource: no proof after %d retries: %w", s.retries, rnserr.ErrTimeout))
		return
	}
	s.retries++
	if err := s.advertiseLocked(); err != nil {
		s.failLocked(err)
		return
	}
	s.mu.Unlock()
}

// failLocked concludes the transfer as Failed. Releases s.mu.
func (s *Sender) failLocked(cause error) {
	s.state = Failed
	s.err = cause
	cb := s.concluded
	s.mu.Unlock()
	s.logger.Debug("resource failed", "error", cause)
	if cb != nil {
		cb(s)
	}
}
