// Package compression implements the snapshot engine's optional compressed
// wire format: the JSON formatter's output can be wrapped in a Compressor so
// a `dsnap -f json+zstd`-style consumer receives a compressed stream instead
// of raw JSON. Adapted from the log pipeline's HTTP compression middleware,
// trimmed to the two codecs the snapshot engine actually chooses between.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compressor compresses a complete buffer in one call. The snapshot engine
// uses this for whole-chunk compression of batched formatter output, not
// streaming compression of individual writes.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Name() string
}

// ByName returns the compressor registered under name ("gzip" or "zstd").
func ByName(name string) (Compressor, error) {
	switch name {
	case "gzip":
		return &GzipCompressor{}, nil
	case "zstd":
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", name)
	}
}

// GzipCompressor compresses with compress/gzip.
type GzipCompressor struct{}

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *GzipCompressor) Name() string { return "gzip" }

// ZstdCompressor compresses with klauspost/compress/zstd at the default
// speed level, favoring throughput over ratio since the event loop calls it
// synchronously.
type ZstdCompressor struct {
	encoder *zstd.Encoder
}

func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &ZstdCompressor{encoder: enc}, nil
}

func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *ZstdCompressor) Name() string { return "zstd" }
