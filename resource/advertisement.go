package resource

import (
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/reticulum-go/rnserr"
)

// Advertisement flag bits.
const (
	FlagEncrypted  = 0x01
	FlagCompressed = 0x02
	FlagSplit      = 0x04
	FlagRequest    = 0x08
	FlagResponse   = 0x10
	FlagMetadata   = 0x20
)

const (
	advFixedLen   = 4 + 4 + 2 + HashLen + RandomHashLen + HashLen + 1 + 1 + 1
	advRequestLen = 16
)

// Advertisement is the fixed-header transfer offer sent before a
// resource's parts (spec §4.5, §6). SegmentIndex counts from 1 up to
// TotalSegments.
type Advertisement struct {
	TransferSize  uint32 // bytes on the wire (post-compression)
	DataSize      uint32 // original bytes (pre-compression)
	NumParts      uint16
	ResourceHash  [HashLen]byte
	RandomHash    [RandomHashLen]byte
	OriginalHash  [HashLen]byte
	SegmentIndex  uint8
	TotalSegments uint8
	Flags         uint8
	RequestID     [advRequestLen]byte // present on the wire only for request/response resources
	Hashmap       []byte              // 4 bytes per part, at most HashmapMaxLen entries
}

// Pack serializes the advertisement: fixed header, optional request
// id, then the hashmap slice.
func (a *Advertisement) Pack() []byte {
	out := make([]byte, advFixedLen, advFixedLen+advRequestLen+len(a.Hashmap))
	binary.BigEndian.PutUint32(out[0:4], a.TransferSize)
	binary.BigEndian.PutUint32(out[4:8], a.DataSize)
	binary.BigEndian.PutUint16(out[8:10], a.NumParts)
	copy(out[10:26], a.ResourceHash[:])
	copy(out[26:30], a.RandomHash[:])
	copy(out[30:46], a.OriginalHash[:])
	out[46] = a.SegmentIndex
	out[47] = a.TotalSegments
	out[48] = a.Flags
	if a.Flags&(FlagRequest|FlagResponse) != 0 {
		out = append(out, a.RequestID[:]...)
	}
	return append(out, a.Hashmap...)
}

// UnpackAdvertisement parses a packed advertisement.
func UnpackAdvertisement(buf []byte) (*Advertisement, error) {
	if len(buf) < advFixedLen {
		return nil, fmt.Errorf("%w: advertisement is %d bytes, need %d", rnserr.ErrWireFormat, len(buf), advFixedLen)
	}
	a := &Advertisement{
		TransferSize:  binary.BigEndian.Uint32(buf[0:4]),
		DataSize:      binary.BigEndian.Uint32(buf[4:8]),
		NumParts:      binary.BigEndian.Uint16(buf[8:10]),
		SegmentIndex:  buf[46],
		TotalSegments: buf[47],
		Flags:         buf[48],
	}
	copy(a.ResourceHash[:], buf[10:26])
	copy(a.RandomHash[:], buf[26:30])
	copy(a.OriginalHash[:], buf[30:46])

	rest := buf[advFixedLen:]
	if a.Flags&(FlagRequest|FlagResponse) != 0 {
		if len(rest) < advRequestLen {
			return nil, fmt.Errorf("%w: advertisement missing request id", rnserr.ErrWireFormat)
		}
		copy(a.RequestID[:], rest[:advRequestLen])
		rest = rest[advRequestLen:]
	}

	if len(rest)%MapHashLen != 0 {
		return nil, fmt.Errorf("%w: hashmap length %d not a multiple of %d", rnserr.ErrWireFormat, len(rest), MapHashLen)
	}
	if len(rest)/MapHashLen > HashmapMaxLen {
		return nil, fmt.Errorf("%w: hashmap carries %d entries, max %d", rnserr.ErrWireFormat, len(rest)/MapHashLen, HashmapMaxLen)
	}
	if len(rest)/MapHashLen != int(a.NumParts) {
		return nil, fmt.Errorf("%w: hashmap entries %d != part count %d", rnserr.ErrWireFormat, len(rest)/MapHashLen, a.NumParts)
	}
	a.Hashmap = append([]byte(nil), rest...)
	return a, nil
}
