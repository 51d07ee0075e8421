// Package lxmf implements the LXMF message layer (spec §4.7): the
// packed wire form, Ed25519 signatures, MessagePack-encoded payloads,
// typed fields and proof-of-work stamps.
package lxmf

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/rnserr"
)

// Recognized field keys (spec §4.7). Keys at or above FieldCustom are
// user-defined.
const (
	FieldFileAttachments int64 = 0x05
	FieldImage           int64 = 0x06
	FieldAudio           int64 = 0x07
	FieldThread          int64 = 0x08
	FieldRenderer        int64 = 0x0F
	FieldCustom          int64 = 0xF0
)

// Renderer values for FieldRenderer.
const (
	RendererPlain    int64 = 0
	RendererMicron   int64 = 1
	RendererMarkdown int64 = 2
	RendererBBCode   int64 = 3
)

// State is a message's delivery lifecycle position.
type State uint8

const (
	Generating State = iota
	Outbound
	Sent
	Delivered
	Failed
	Rejected
)

// Method selects how the router moves a message (spec §4.8).
type Method uint8

const (
	Direct Method = iota
	Opportunistic
	Propagated
)

const (
	// HashLen is the source/destination hash length.
	HashLen = 16
	// SigLen is the Ed25519 signature length.
	SigLen = 64
	// MaxSize bounds the packed form.
	MaxSize = 1 << 20

	headerLen = HashLen + HashLen + SigLen
	// StampLen is the length of a proof-of-work stamp.
	StampLen = 32
)

// msgpackHandle encodes strings as binary, matching reference peers
// (spec §4.7: "strings are encoded as binary, not text").
var msgpackHandle = &codec.MsgpackHandle{WriteExt: true}

// Message is an LXMF message in unpacked form.
type Message struct {
	DestinationHash [HashLen]byte
	SourceHash      [HashLen]byte
	Timestamp       float64 // seconds since the Unix epoch
	Title           []byte
	Content         []byte
	Fields          map[int64]interface{}
	Signature       [SigLen]byte
	Hash            [32]byte // of the signed blob
	Stamp           []byte   // optional; set for propagation
	State           State
	Method          Method

	// Delivery bookkeeping, owned by the router.
	DeliveryAttempts    int
	NextDeliveryAttempt time.Time
	PathRequested       time.Time
}

// New builds an unsigned message from source to the destination hash.
// The source hash is the truncation of the source identity hash
// (spec §4.7).
func New(destHash [HashLen]byte, source *identity.Identity, title, content []byte, fields map[int64]interface{}, method Method) *Message {
	return &Message{
		DestinationHash: destHash,
		SourceHash:      source.Hash(),
		Timestamp:       float64(time.Now().UnixNano()) / float64(time.Second),
		Title:           title,
		Content:         content,
		Fields:          fields,
		State:           Generating,
		Method:          method,
	}
}

// payload encodes the MessagePack list [timestamp, title, content,
// fields].
func (m *Message) payload() ([]byte, error) {
	title := m.Title
	if title == nil {
		title = []byte{}
	}
	content := m.Content
	if content == nil {
		content = []byte{}
	}
	fields := m.Fields
	if fields == nil {
		fields = map[int64]interface{}{}
	}
	var out []byte
	enc := codec.NewEncoderBytes(&out, msgpackHandle)
	if err := enc.Encode([]interface{}{m.Timestamp, title, content, fields}); err != nil {
		return nil, fmt.Errorf("lxmf: encode payload: %w", err)
	}
	return out, nil
}

func signedBlob(destHash, sourceHash [HashLen]byte, payload []byte) []byte {
	blob := make([]byte, 0, 2*HashLen+len(payload))
	blob = append(blob, destHash[:]...)
	blob = append(blob, sourceHash[:]...)
	blob = append(blob, payload...)
	return blob
}

// Pack signs the message with the source identity and returns the
// packed wire form: destination hash || source hash || signature ||
// payload. The message hash is set as a side effect.
func (m *Message) Pack(source *identity.Identity) ([]byte, error) {
	if source.Hash() != m.SourceHash {
		return nil, fmt.Errorf("lxmf: source identity does not match source hash")
	}
	payload, err := m.payload()
	if err != nil {
		return nil, err
	}

	blob := signedBlob(m.DestinationHash, m.SourceHash, payload)
	sig, err := source.Sign(blob)
	if err != nil {
		return nil, fmt.Errorf("lxmf: sign: %w", err)
	}
	copy(m.Signature[:], sig)
	m.Hash = sha256.Sum256(blob)

	packed := make([]byte, 0, headerLen+len(payload))
	packed = append(packed, m.DestinationHash[:]...)
	packed = append(packed, m.SourceHash[:]...)
	packed = append(packed, m.Signature[:]...)
	packed = append(packed, payload...)
	if len(packed) > MaxSize {
		return nil, fmt.Errorf("lxmf: packed form is %d bytes, limit %d: %w", len(packed), MaxSize, rnserr.ErrOverflow)
	}
	return packed, nil
}

// Unpack parses a packed message and verifies its signature against
// the claimed source identity. A source hash that does not match the
// identity, or a bad signature, rejects the message (spec §4.7).
func Unpack(packed []byte, source *identity.Identity) (*Message, error) {
	if len(packed) < headerLen {
		return nil, fmt.Errorf("%w: packed message is %d bytes", rnserr.ErrWireFormat, len(packed))
	}
	if len(packed) > MaxSize {
		return nil, fmt.Errorf("%w: packed message is %d bytes, limit %d", rnserr.ErrWireFormat, len(packed), MaxSize)
	}

	m := &Message{State: Rejected}
	copy(m.DestinationHash[:], packed[0:HashLen])
	copy(m.SourceHash[:], packed[HashLen:2*HashLen])
	copy(m.Signature[:], packed[2*HashLen:headerLen])
	payload := packed[headerLen:]

	if source.Hash() != m.SourceHash {
		return nil, fmt.Errorf("%w: source hash does not match identity", rnserr.ErrCrypto)
	}
	blob := signedBlob(m.DestinationHash, m.SourceHash, payload)
	if !source.Verify(blob, m.Signature[:]) {
		return nil, fmt.Errorf("%w: message signature", rnserr.ErrCrypto)
	}
	m.Hash = sha256.Sum256(blob)

	var raw []interface{}
	dec := codec.NewDecoderBytes(payload, msgpackHandle)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", rnserr.ErrWireFormat, err)
	}
	if len(raw) != 4 {
		return nil, fmt.Errorf("%w: payload list has %d elements", rnserr.ErrWireFormat, len(raw))
	}

	ts, ok := asFloat(raw[0])
	if !ok {
		return nil, fmt.Errorf("%w: payload timestamp", rnserr.ErrWireFormat)
	}
	m.Timestamp = ts
	if m.Title, ok = asBytes(raw[1]); !ok {
		return nil, fmt.Errorf("%w: payload title", rnserr.ErrWireFormat)
	}
	if m.Content, ok = asBytes(raw[2]); !ok {
		return nil, fmt.Errorf("%w: payload content", rnserr.ErrWireFormat)
	}
	if m.Fields, ok = asFields(raw[3]); !ok {
		return nil, fmt.Errorf("%w: payload fields", rnserr.ErrWireFormat)
	}
	m.State = Generating
	return m, nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asBytes(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	case nil:
		return []byte{}, true
	}
	return nil, false
}

func asFields(v interface{}) (map[int64]interface{}, bool) {
	if v == nil {
		return map[int64]interface{}{}, true
	}
	raw, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil, false
	}
	fields := make(map[int64]interface{}, len(raw))
	for k, val := range raw {
		switch key := k.(type) {
		case int64:
			fields[key] = val
		case uint64:
			fields[int64(key)] = val
		default:
			return nil, false
		}
	}
	return fields, true
}
