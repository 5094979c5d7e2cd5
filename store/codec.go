package store

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Codec optionally compresses inline row values before they hit a table
// backend. Blob spillover has its own compressor (zstd); the codec covers
// the many small rows where frame overhead matters more than ratio.
type Codec interface {
	// Name tags encoded values so decode can reject mismatched codecs.
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// NopCodec stores values as-is.
type NopCodec struct{}

func (NopCodec) Name() string                      { return "nop" }
func (NopCodec) Encode(src []byte) ([]byte, error) { return src, nil }
func (NopCodec) Decode(src []byte) ([]byte, error) { return src, nil }

// LZ4Codec stores values as lz4 frames.
type LZ4Codec struct{}

func (LZ4Codec) Name() string { return "lz4" }

func (LZ4Codec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (LZ4Codec) Decode(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decode: %w", err)
	}
	return out, nil
}
