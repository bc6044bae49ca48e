package dataset

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const CompressionGzip = "gzip"

// ArtifactContentType is the content type stored with compressed artifacts.
const ArtifactContentType = "application/gzip"

type CompressionStats struct {
	Type            string `json:"type"`
	OriginalBytes   int64  `json:"originalBytes"`
	CompressedBytes int64  `json:"compressedBytes"`
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Compress writes examples to w as gzip-compressed JSONL, one object per
// line. The gzip header carries no name or timestamp, so the same examples
// always produce the same bytes.
func Compress(w io.Writer, examples []Example) (*CompressionStats, error) {
	compressed := &countingWriter{w: w}
	zw, err := gzip.NewWriterLevel(compressed, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}

	original := &countingWriter{w: zw}
	enc := json.NewEncoder(original)
	enc.SetEscapeHTML(false)

	var shape Shape
	for i, ex := range examples {
		if i == 0 {
			shape = ex.Shape()
		} else if ex.Shape() != shape {
			return nil, fmt.Errorf("example %d: shape %s differs from dataset shape %s", i, ex.Shape(), shape)
		}
		if err := enc.Encode(ex.record()); err != nil {
			return nil, fmt.Errorf("encode example %d: %w", i, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush gzip stream: %w", err)
	}

	return &CompressionStats{
		Type:            CompressionGzip,
		OriginalBytes:   original.n,
		CompressedBytes: compressed.n,
	}, nil
}
