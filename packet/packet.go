// Package packet implements the Reticulum packet wire format: flags
// layout, pack/unpack, hashing and explicit proofs (spec §4.2).
package packet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/cvsouth/reticulum-go/rnserr"
)

// Header type.
const (
	Header1 uint8 = 0b00
	Header2 uint8 = 0b01
)

// Transport type.
const (
	TransportBroadcast uint8 = 0b00
	TransportTransport uint8 = 0b01
	TransportTunnel    uint8 = 0b10
	TransportGateway   uint8 = 0b11
)

// Destination type.
const (
	DestSingle uint8 = 0b00
	DestGroup  uint8 = 0b01
	DestPlain  uint8 = 0b10
	DestLink   uint8 = 0b11
)

// Packet type. The wire flags byte carries only the P bit (DATA vs
// non-DATA); among non-DATA packets, ANNOUNCE/LINKREQUEST/PROOF are
// further discriminated by the top two bits of the one-byte Context
// field, per spec §4.2 ("packet type is further discriminated by
// context byte"). The low 6 bits of Context remain free for the
// packet kind's own use (e.g. a resource sub-context on DATA packets).
const (
	TypeData        uint8 = 0
	TypeAnnounce    uint8 = 1
	TypeLinkRequest uint8 = 2
	TypeProof       uint8 = 3
)

// Context sub-values (low 6 bits of the wire Context byte). DATA
// packets use these to route payloads to the right consumer on a link;
// the zero value means an application payload with no special handling.
const (
	CtxNone        uint8 = 0x00
	CtxKeepalive   uint8 = 0x01
	CtxLinkClose   uint8 = 0x02
	CtxLinkProof   uint8 = 0x03
	CtxRatchet     uint8 = 0x04
	CtxChannel     uint8 = 0x05
	CtxResourceAdv uint8 = 0x06
	CtxResourceReq uint8 = 0x07
	CtxResourcePrt uint8 = 0x08
	CtxResourcePrf uint8 = 0x09
	CtxResourceCnl uint8 = 0x0A
	CtxPathRequest uint8 = 0x0B
)

const (
	contextKindShift = 6
	contextKindMask  = 0b11 << contextKindShift
	contextSubMask   = ^uint8(contextKindMask)
)

const (
	// HeaderMinSize is the smallest legal packed-packet length (HEADER_1, no transport id).
	HeaderMinSize = 19
	// HeaderMinSize2 is the smallest legal packed-packet length for HEADER_2 (transport id present).
	HeaderMinSize2 = 35
	// MaxHops is the maximum hop count before a packet is dropped.
	MaxHops = 128
	// DestHashLen is the length in bytes of a destination hash.
	DestHashLen = 16
	// TransportIDLen is the length in bytes of a transport id.
	TransportIDLen = 16
	// ProofLen is the length of an explicit PROOF: packet hash (32) + Ed25519 signature (64).
	ProofLen = 32 + 64
)

// Packet is a parsed Reticulum packet.
type Packet struct {
	HeaderType    uint8
	ContextFlag   bool
	TransportType uint8
	DestType      uint8
	PacketType    uint8
	Hops          uint8
	TransportID   [TransportIDLen]byte // only valid when HeaderType == Header2
	DestHash      [DestHashLen]byte
	Context       uint8
	Data          []byte
}

func flagsByte(p *Packet) byte {
	var f byte
	f |= (p.HeaderType & 0b11) << 6
	if p.ContextFlag {
		f |= 1 << 5
	}
	f |= (p.TransportType & 0b11) << 3
	f |= (p.DestType & 0b11) << 1
	if p.PacketType != TypeData {
		f |= 0b1
	}
	return f
}

// encodeContext folds the packet kind (for non-DATA packets) into the
// top two bits of the wire Context byte, preserving the caller's
// sub-context in the low six bits.
func encodeContext(p *Packet) uint8 {
	if p.PacketType == TypeData {
		return p.Context
	}
	kind := p.PacketType - 1 // ANNOUNCE=0, LINKREQUEST=1, PROOF=2 in 2 bits
	return (kind << contextKindShift) | (p.Context & contextSubMask)
}

// decodeContext recovers packet kind and sub-context from the wire
// Context byte, given the P bit already read from the flags byte.
func decodeContext(pBit bool, wire uint8) (kind uint8, sub uint8) {
	if !pBit {
		return TypeData, wire
	}
	k := (wire & contextKindMask) >> contextKindShift
	if k > 2 {
		k = 2 // PROOF; top bit combinations fold to the highest defined kind
	}
	return k + 1, wire & contextSubMask
}

// Pack serializes a Packet into its wire form.
func Pack(p *Packet) ([]byte, error) {
	if p.HeaderType != Header1 && p.HeaderType != Header2 {
		return nil, fmt.Errorf("packet: invalid header type %d", p.HeaderType)
	}
	overhead := 1 + 1 + DestHashLen + 1
	if p.HeaderType == Header2 {
		overhead += TransportIDLen
	}
	out := make([]byte, overhead+len(p.Data))

	off := 0
	out[off] = flagsByte(p)
	off++
	out[off] = p.Hops
	off++
	if p.HeaderType == Header2 {
		copy(out[off:off+TransportIDLen], p.TransportID[:])
		off += TransportIDLen
	}
	copy(out[off:off+DestHashLen], p.DestHash[:])
	off += DestHashLen
	out[off] = encodeContext(p)
	off++
	copy(out[off:], p.Data)

	return out, nil
}

// Unpack parses a wire-format packet. Unknown flag combinations and
// undersized buffers are returned as rnserr.ErrWireFormat — callers
// must treat this as a silent drop, never surface it further (spec §7).
func Unpack(buf []byte) (*Packet, error) {
	if len(buf) < HeaderMinSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", rnserr.ErrWireFormat, len(buf), HeaderMinSize)
	}

	flags := buf[0]
	headerType := (flags >> 6) & 0b11
	if headerType != Header1 && headerType != Header2 {
		return nil, fmt.Errorf("%w: reserved header type %d", rnserr.ErrWireFormat, headerType)
	}

	minLen := HeaderMinSize
	if headerType == Header2 {
		minLen = HeaderMinSize2
	}
	if len(buf) < minLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d for header type %d", rnserr.ErrWireFormat, len(buf), minLen, headerType)
	}

	p := &Packet{
		HeaderType:    headerType,
		ContextFlag:   (flags>>5)&0b1 == 1,
		TransportType: (flags >> 3) & 0b11,
		DestType:      (flags >> 1) & 0b11,
		Hops:          buf[1],
	}
	pBit := flags&0b1 == 1

	if p.Hops > MaxHops {
		return nil, fmt.Errorf("%w: hops %d exceeds maximum %d", rnserr.ErrWireFormat, p.Hops, MaxHops)
	}

	off := 2
	if headerType == Header2 {
		copy(p.TransportID[:], buf[off:off+TransportIDLen])
		off += TransportIDLen
	}
	copy(p.DestHash[:], buf[off:off+DestHashLen])
	off += DestHashLen
	p.PacketType, p.Context = decodeContext(pBit, buf[off])
	off++
	p.Data = append([]byte(nil), buf[off:]...)

	return p, nil
}

// Hash returns SHA-256 of the packet's hashable part: the packed bytes
// with hops zeroed and the transport id excluded (spec §4.2).
func Hash(p *Packet) ([32]byte, error) {
	// Hashing always zeroes hops and excludes the transport id, so hash as HEADER_1 regardless.
	hashable := &Packet{
		HeaderType:    Header1,
		ContextFlag:   p.ContextFlag,
		TransportType: p.TransportType,
		DestType:      p.DestType,
		PacketType:    p.PacketType,
		Hops:          0,
		DestHash:      p.DestHash,
		Context:       p.Context,
		Data:          p.Data,
	}
	buf, err := Pack(hashable)
	if err != nil {
		return [32]byte{}, fmt.Errorf("packet hash: %w", err)
	}
	return sha256.Sum256(buf), nil
}

// TruncatedHash returns the first 16 bytes of Hash(p).
func TruncatedHash(p *Packet) ([DestHashLen]byte, error) {
	h, err := Hash(p)
	if err != nil {
		return [DestHashLen]byte{}, err
	}
	var t [DestHashLen]byte
	copy(t[:], h[:DestHashLen])
	return t, nil
}

// Proof is the explicit 96-byte proof form: packet hash (32) || Ed25519 signature (64).
type Proof struct {
	PacketHash [32]byte
	Signature  [64]byte
}

// PackProof serializes a Proof to its 96-byte wire form.
func PackProof(pr *Proof) []byte {
	buf := make([]byte, ProofLen)
	copy(buf[0:32], pr.PacketHash[:])
	copy(buf[32:96], pr.Signature[:])
	return buf
}

// UnpackProof parses a 96-byte explicit proof.
func UnpackProof(buf []byte) (*Proof, error) {
	if len(buf) != ProofLen {
		return nil, fmt.Errorf("%w: proof is %d bytes, expected %d", rnserr.ErrWireFormat, len(buf), ProofLen)
	}
	pr := &Proof{}
	copy(pr.PacketHash[:], buf[0:32])
	copy(pr.Signature[:], buf[32:96])
	return pr, nil
}

// VerifyProof verifies an explicit proof against the signer's Ed25519 public key.
func VerifyProof(pr *Proof, signerPub ed25519.PublicKey) bool {
	return ed25519.Verify(signerPub, pr.PacketHash[:], pr.Signature[:])
}

// SignProof builds a signed Proof over a packet hash using the given Ed25519 private key.
func SignProof(packetHash [32]byte, priv ed25519.PrivateKey) *Proof {
	sig := ed25519.Sign(priv, packetHash[:])
	pr := &Proof{PacketHash: packetHash}
	copy(pr.Signature[:], sig)
	return pr
}
