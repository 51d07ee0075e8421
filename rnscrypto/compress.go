package rnscrypto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compressor is the compression capability Resources and stream
// messages consume. The reference stack uses BZ2; the capability is
// external per spec §1, so any codec both peers agree on conforms.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type flateCompressor struct{}

// DefaultCompressor returns the DEFLATE-backed Compressor adapter.
func DefaultCompressor() Compressor { return flateCompressor{} }

func (flateCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: flate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("rnscrypto: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("rnscrypto: compress close: %w", err)
	}
	return buf.Bytes(), nil
}

func (flateCompressor) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = r.Close() }()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: decompress: %w", err)
	}
	return out, nil
}
