package dispatch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/nerrad567/devicecloud/internal/push/frame"
)

// DefaultMaxDocumentSize bounds an inflated document.
const DefaultMaxDocumentSize = 64 << 20 // 64 MiB

// Decompress inflates a PublishMessage document.
//
// Parameters:
//   - data: The document as received
//   - c: The compression declared in the frame
//   - limit: Maximum inflated size; non-positive selects DefaultMaxDocumentSize
func Decompress(data []byte, c frame.Compression, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxDocumentSize
	}

	var (
		r   io.ReadCloser
		err error
	)
	switch c {
	case frame.CompressionNone:
		return data, nil
	case frame.CompressionZlib:
		r, err = zlib.NewReader(bytes.NewReader(data))
	case frame.CompressionGzip:
		r, err = gzip.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: unknown compression %s", ErrDecompress, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompress, c, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompress, c, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrDecompress, limit)
	}
	return out, nil
}

// Compress is the inverse of Decompress.
func Compress(data []byte, c frame.Compression) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch c {
	case frame.CompressionNone:
		return data, nil
	case frame.CompressionZlib:
		w = zlib.NewWriter(&buf)
	case frame.CompressionGzip:
		w = gzip.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("%w: unknown compression %s", ErrDecompress, c)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompress, c, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompress, c, err)
	}
	return buf.Bytes(), nil
}
