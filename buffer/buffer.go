// Package buffer layers byte-stream semantics over a channel
// (spec §4.6): StreamDataMessage frames carry a 14-bit stream id with
// EOF and compressed flags, and Reader/Writer expose buffered
// io.Reader/io.Writer views of a stream.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cvsouth/reticulum-go/channel"
	"github.com/cvsouth/reticulum-go/rnscrypto"
	"github.com/cvsouth/reticulum-go/rnserr"
)

const (
	flagEOF        = 0x8000
	flagCompressed = 0x4000
	// StreamIDMax is the largest addressable stream id (14 bits).
	StreamIDMax = 0x3FFF

	headerLen = 2
)

// StreamDataMessage is the reserved channel message (type 0xFF00)
// carrying one chunk of a byte stream.
type StreamDataMessage struct {
	StreamID   uint16
	EOF        bool
	Compressed bool
	Data       []byte
}

// MsgType returns the reserved stream-data type id.
func (m *StreamDataMessage) MsgType() uint16 { return channel.StreamDataType }

// Pack serializes the message: a 2-byte header (EOF bit 15,
// compressed bit 14, stream id in the low 14 bits) followed by the
// raw or compressed payload.
func (m *StreamDataMessage) Pack() ([]byte, error) {
	if m.StreamID > StreamIDMax {
		return nil, fmt.Errorf("buffer: stream id 0x%04X out of range", m.StreamID)
	}
	header := m.StreamID
	if m.EOF {
		header |= flagEOF
	}
	if m.Compressed {
		header |= flagCompressed
	}
	out := make([]byte, headerLen+len(m.Data))
	binary.BigEndian.PutUint16(out[0:headerLen], header)
	copy(out[headerLen:], m.Data)
	return out, nil
}

// Unpack parses a serialized stream-data message.
func (m *StreamDataMessage) Unpack(data []byte) error {
	if len(data) < headerLen {
		return fmt.Errorf("%w: stream message is %d bytes", rnserr.ErrWireFormat, len(data))
	}
	header := binary.BigEndian.Uint16(data[0:headerLen])
	m.StreamID = header & StreamIDMax
	m.EOF = header&flagEOF != 0
	m.Compressed = header&flagCompressed != 0
	m.Data = append([]byte(nil), data[headerLen:]...)
	return nil
}

// registerStreamType arms ch for stream messages, tolerating a prior
// registration by another reader or writer on the same channel.
func registerStreamType(ch *channel.Channel) error {
	err := ch.RegisterMessageType(channel.StreamDataType, func() channel.MessageBase {
		return &StreamDataMessage{}
	})
	if err != nil && !errors.Is(err, rnserr.ErrUnregistered) {
		return err
	}
	return nil
}

// Writer is the sending half of a stream.
type Writer struct {
	mu       sync.Mutex
	ch       *channel.Channel
	streamID uint16
	comp     rnscrypto.Compressor
	closed   bool
}

// CreateWriter opens the sending half of streamID over ch.
func CreateWriter(ch *channel.Channel, streamID uint16) (*Writer, error) {
	if streamID > StreamIDMax {
		return nil, fmt.Errorf("buffer: stream id 0x%04X out of range", streamID)
	}
	if err := registerStreamType(ch); err != nil {
		return nil, err
	}
	return &Writer{ch: ch, streamID: streamID, comp: rnscrypto.DefaultCompressor()}, nil
}

var _ io.WriteCloser = (*Writer)(nil)

// Write chunks p to the channel MDU, compressing each chunk when that
// yields a net reduction (spec §9, large-message compression). It
// waits out full send windows, so callers see io.Writer blocking
// semantics over the non-blocking channel send.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("buffer: write on closed stream %d", w.streamID)
	}

	chunkSize := w.ch.MDU() - headerLen
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > chunkSize {
			chunk = p[:chunkSize]
		}
		msg := &StreamDataMessage{StreamID: w.streamID, Data: chunk}
		if compressed, err := w.comp.Compress(chunk); err == nil && len(compressed) < len(chunk) {
			msg.Data = compressed
			msg.Compressed = true
		}
		if err := w.sendBlocking(msg); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (w *Writer) sendBlocking(msg *StreamDataMessage) error {
	for {
		err := w.ch.Send(msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, rnserr.ErrWindowFull) {
			return fmt.Errorf("buffer: stream %d send: %w", w.streamID, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close sends the EOF frame and rejects further writes.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.sendBlocking(&StreamDataMessage{StreamID: w.streamID, EOF: true})
}

// Reader is the receiving half of a stream.
type Reader struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	eof    bool
	closed bool
	comp   rnscrypto.Compressor
}

// CreateReader opens the receiving half of streamID over ch. Frames
// for other stream ids pass through to later handlers.
func CreateReader(ch *channel.Channel, streamID uint16) (*Reader, error) {
	if streamID > StreamIDMax {
		return nil, fmt.Errorf("buffer: stream id 0x%04X out of range", streamID)
	}
	if err := registerStreamType(ch); err != nil {
		return nil, err
	}
	r := &Reader{comp: rnscrypto.DefaultCompressor()}
	r.cond = sync.NewCond(&r.mu)
	ch.AddHandler(func(msg channel.MessageBase) bool {
		sdm, ok := msg.(*StreamDataMessage)
		if !ok || sdm.StreamID != streamID {
			return false
		}
		r.ingest(sdm)
		return true
	})
	return r, nil
}

var _ io.ReadCloser = (*Reader)(nil)

func (r *Reader) ingest(msg *StreamDataMessage) {
	data := msg.Data
	if msg.Compressed && len(data) > 0 {
		raw, err := r.comp.Decompress(data)
		if err != nil {
			// A corrupt chunk would desynchronize the stream; treat
			// it as end of input.
			r.mu.Lock()
			r.eof = true
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}
		data = raw
	}
	r.mu.Lock()
	r.buf = append(r.buf, data...)
	if msg.EOF {
		r.eof = true
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Read returns buffered stream bytes, blocking until data arrives,
// the stream ends (io.EOF) or the reader is closed.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if r.closed {
			return 0, fmt.Errorf("buffer: reader closed")
		}
		r.cond.Wait()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Close releases blocked readers; buffered data is discarded.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.buf = nil
	r.cond.Broadcast()
	return nil
}

// CreateBidirectional opens both halves of streamID over ch.
func CreateBidirectional(ch *channel.Channel, streamID uint16) (*Reader, *Writer, error) {
	r, err := CreateReader(ch, streamID)
	if err != nil {
		return nil, nil, err
	}
	w, err := CreateWriter(ch, streamID)
	if err != nil {
		return nil, nil, err
	}
	return r, w, nil
}
