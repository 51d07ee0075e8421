// Package channel delivers typed messages reliably and in order over
// a link (spec §4.6). Envelopes carry a 16-bit type, a 16-bit
// sequence and a length-prefixed payload; a sliding window with
// adaptive growth governs how many envelopes may be in flight.
package channel

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cvsouth/reticulum-go/rnserr"
)

// MessageBase is a typed Channel message. Implementations pack to and
// from their wire payload; MsgType identifies the registered factory
// on the receiving side.
type MessageBase interface {
	MsgType() uint16
	Pack() ([]byte, error)
	Unpack(data []byte) error
}

// Medium is the reliable-packet substrate a Channel runs on. A link
// implements it: Send transmits one envelope and reports its proof or
// timeout through the callbacks.
type Medium interface {
	MDU() int
	RTT() time.Duration
	Send(data []byte, delivered func(), timedOut func()) error
}

// Window sizing (spec §4.6).
const (
	WindowMin         = 2
	WindowInitial     = 2
	WindowMaxSlow     = 5
	WindowMaxMedium   = 16
	WindowMaxFast     = 48
	MediumRateRounds  = 5
	FastRateRounds    = 10
	MaxTries          = 5
	envelopeOverhead  = 6
	reservedTypeFloor = 0xF000
)

// StreamDataType is the reserved message type carried by the buffer
// package; it is the only registrable id at or above the reserved
// floor.
const StreamDataType uint16 = 0xFF00

type envelope struct {
	msgType uint16
	seq     uint16
	payload []byte
	tries   int
}

func (e *envelope) pack() []byte {
	out := make([]byte, envelopeOverhead+len(e.payload))
	binary.BigEndian.PutUint16(out[0:2], e.msgType)
	binary.BigEndian.PutUint16(out[2:4], e.seq)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(e.payload)))
	copy(out[envelopeOverhead:], e.payload)
	return out
}

func unpackEnvelope(data []byte) (*envelope, error) {
	if len(data) < envelopeOverhead {
		return nil, fmt.Errorf("%w: envelope is %d bytes", rnserr.ErrWireFormat, len(data))
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if len(data)-envelopeOverhead < length {
		return nil, fmt.Errorf("%w: envelope payload truncated", rnserr.ErrWireFormat)
	}
	return &envelope{
		msgType: binary.BigEndian.Uint16(data[0:2]),
		seq:     binary.BigEndian.Uint16(data[2:4]),
		payload: append([]byte(nil), data[envelopeOverhead:envelopeOverhead+length]...),
	}, nil
}

// seqLess compares sequence numbers by signed circular distance
// (half-space rule, spec §4.6).
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// Handler consumes an inbound message; returning true stops further
// handlers from seeing it.
type Handler func(msg MessageBase) bool

// Channel is one side of a paired reliable message stream.
type Channel struct {
	mu        sync.Mutex
	deliverMu sync.Mutex // serializes Receive: sequence advance plus handler runs
	medium    Medium
	logger    *slog.Logger
	factories map[uint16]func() MessageBase
	handlers  []Handler

	nextSeq   uint16
	window    int
	windowMax int
	runLength int // consecutive successful round-trips
	pending   map[uint16]*envelope

	nextRxSeq uint16
	rxRing    []*envelope
}

// New creates a Channel over medium. A nil logger falls back to
// slog.Default().
func New(medium Medium, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		medium:    medium,
		logger:    logger,
		factories: make(map[uint16]func() MessageBase),
		pending:   make(map[uint16]*envelope),
		window:    WindowInitial,
		windowMax: WindowMaxSlow,
	}
}

// RegisterMessageType registers a factory for msgType. Ids at or
// above 0xF000 are reserved (only the stream-data type is allowed);
// duplicate registration is rejected (spec §9).
func (c *Channel) RegisterMessageType(msgType uint16, factory func() MessageBase) error {
	if msgType >= reservedTypeFloor && msgType != StreamDataType {
		return fmt.Errorf("%w: type 0x%04X is reserved", rnserr.ErrUnregistered, msgType)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[msgType]; ok {
		return fmt.Errorf("%w: type 0x%04X already registered", rnserr.ErrUnregistered, msgType)
	}
	c.factories[msgType] = factory
	return nil
}

// AddHandler appends a message handler; handlers run in registration
// order until one returns true.
func (c *Channel) AddHandler(fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// MDU returns the largest payload a single message may carry.
func (c *Channel) MDU() int {
	return c.medium.MDU() - envelopeOverhead
}

// Send packs msg into the next envelope and transmits it. When the
// window is full the caller observes rnserr.ErrWindowFull and retries
// later; Send never blocks (spec §5).
func (c *Channel) Send(msg MessageBase) error {
	payload, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("channel: pack message: %w", err)
	}
	if len(payload) > c.MDU() {
		return fmt.Errorf("channel: %d byte payload: %w", len(payload), rnserr.ErrOverflow)
	}

	c.mu.Lock()
	if len(c.pending) >= c.window {
		c.mu.Unlock()
		return rnserr.ErrWindowFull
	}
	env := &envelope{msgType: msg.MsgType(), seq: c.nextSeq, payload: payload, tries: 1}
	c.nextSeq++
	c.pending[env.seq] = env
	c.mu.Unlock()

	return c.transmit(env)
}

func (c *Channel) transmit(env *envelope) error {
	seq := env.seq
	err := c.medium.Send(env.pack(),
		func() { c.onDelivered(seq) },
		func() { c.onTimeout(seq) },
	)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return fmt.Errorf("channel: send envelope %d: %w", seq, err)
	}
	return nil
}

func (c *Channel) onDelivered(seq uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[seq]; !ok {
		return
	}
	delete(c.pending, seq)

	c.runLength++
	switch {
	case c.runLength >= FastRateRounds:
		c.windowMax = WindowMaxFast
	case c.runLength >= MediumRateRounds:
		c.windowMax = WindowMaxMedium
	}
	if c.window < c.windowMax {
		c.window++
	}
}

func (c *Channel) onTimeout(seq uint16) {
	c.mu.Lock()
	env, ok := c.pending[seq]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.runLength = 0
	c.window /= 2
	if c.window < WindowMin {
		c.window = WindowMin
	}
	c.windowMax = WindowMaxSlow

	if env.tries >= MaxTries {
		delete(c.pending, seq)
		c.mu.Unlock()
		c.logger.Warn("envelope dropped after retries", "seq", seq, "tries", env.tries)
		return
	}
	env.tries++
	c.mu.Unlock()

	if err := c.transmit(env); err != nil {
		c.logger.Warn("envelope retry failed", "seq", seq, "error", err)
	}
}

// Receive ingests one raw envelope from the medium. In-order messages
// run the handlers immediately; out-of-order ones wait in the rx ring
// until the gap fills. Duplicates are discarded.
func (c *Channel) Receive(data []byte) {
	env, err := unpackEnvelope(data)
	if err != nil {
		c.logger.Debug("envelope drop", "error", err)
		return
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	if seqLess(env.seq, c.nextRxSeq) {
		c.mu.Unlock()
		return
	}
	if env.seq != c.nextRxSeq {
		for _, held := range c.rxRing {
			if held.seq == env.seq {
				c.mu.Unlock()
				return
			}
		}
		c.rxRing = append(c.rxRing, env)
		sort.Slice(c.rxRing, func(i, j int) bool { return seqLess(c.rxRing[i].seq, c.rxRing[j].seq) })
		c.mu.Unlock()
		return
	}

	// Sequence advance and handler invocation both happen under
	// deliverMu, so no other Receive can deliver in between and delivery
	// order follows the sequence (spec §5). c.mu is released before the
	// handlers run so they may call Send.
	ready := []*envelope{env}
	c.nextRxSeq++
	for len(c.rxRing) > 0 && c.rxRing[0].seq == c.nextRxSeq {
		ready = append(ready, c.rxRing[0])
		c.rxRing = c.rxRing[1:]
		c.nextRxSeq++
	}
	factories := make(map[uint16]func() MessageBase, len(ready))
	for _, e := range ready {
		if f, ok := c.factories[e.msgType]; ok {
			factories[e.msgType] = f
		}
	}
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()

	for _, e := range ready {
		factory, ok := factories[e.msgType]
		if !ok {
			c.logger.Debug("message type unregistered", "msgType", fmt.Sprintf("0x%04X", e.msgType))
			continue
		}
		msg := factory()
		if err := msg.Unpack(e.payload); err != nil {
			c.logger.Debug("message unpack failed", "msgType", fmt.Sprintf("0x%04X", e.msgType), "error", err)
			continue
		}
		for _, h := range handlers {
			if h(msg) {
				break
			}
		}
	}
}

// Shutdown discards all pending and held envelopes. The owning link
// calls this on teardown (spec §5, cancellation). No per-envelope
// failure or cause is reported to senders; only a debug log line notes
// how many envelopes were in flight.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	n := len(c.pending)
	c.pending = make(map[uint16]*envelope)
	c.rxRing = nil
	c.mu.Unlock()
	if n > 0 {
		c.logger.Debug("channel shut down with envelopes in flight", "count", n)
	}
}

// Window returns the current send window size, for tests and
// diagnostics.
func (c *Channel) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}
