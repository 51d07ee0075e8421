// Package frame implements the two byte-stuffing deframers RNS
// transports rely on: HDLC and KISS (spec §4.1). Both accept chunks of
// arbitrary size and invoke a callback once per completed frame;
// partial frames are dropped silently when the next flag byte arrives,
// matching the teacher's tolerant, never-panic framing style
// (cell.Reader skips unexpected input rather than erroring out).
package frame

const (
	hdlcFlag     = 0x7E
	hdlcEsc      = 0x7D
	hdlcEscMask  = 0x20
)

// EscapeHDLC returns payload with FLAG and ESC bytes escaped per HDLC byte-stuffing.
func EscapeHDLC(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	for _, b := range payload {
		switch b {
		case hdlcFlag:
			out = append(out, hdlcEsc, hdlcFlag^hdlcEscMask)
		case hdlcEsc:
			out = append(out, hdlcEsc, hdlcEsc^hdlcEscMask)
		default:
			out = append(out, b)
		}
	}
	return out
}

// FrameHDLC wraps payload in FLAG delimiters with byte-stuffed contents.
func FrameHDLC(payload []byte) []byte {
	escaped := EscapeHDLC(payload)
	out := make([]byte, 0, len(escaped)+2)
	out = append(out, hdlcFlag)
	out = append(out, escaped...)
	out = append(out, hdlcFlag)
	return out
}

// HDLCDeframer incrementally decodes a stream of HDLC frames.
type HDLCDeframer struct {
	buf      []byte
	inFrame  bool
	escaping bool
}

// NewHDLCDeframer creates an empty deframer.
func NewHDLCDeframer() *HDLCDeframer {
	return &HDLCDeframer{}
}

// Feed consumes chunk and invokes onFrame once per completed frame that
// is at least minLen bytes (the caller's packet header minimum — short
// frames are discarded per spec §4.1).
func (d *HDLCDeframer) Feed(chunk []byte, minLen int, onFrame func([]byte)) {
	for _, b := range chunk {
		switch {
		case b == hdlcFlag:
			if d.inFrame && len(d.buf) >= minLen {
				onFrame(append([]byte(nil), d.buf...))
			}
			d.buf = d.buf[:0]
			d.inFrame = true
			d.escaping = false
		case !d.inFrame:
			// Not between flags; ignore stray bytes.
			continue
		case b == hdlcEsc:
			d.escaping = true
		case d.escaping:
			d.buf = append(d.buf, b^hdlcEscMask)
			d.escaping = false
		default:
			d.buf = append(d.buf, b)
		}
	}
}
