package assembly

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/danmuck/panostream/internal/protocol"
)

// Inflate decompresses a gzip body that must expand to exactly size bytes.
func Inflate(compressed []byte, size int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrDecompress, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrDecompress, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: want %d bytes, inflated %d", protocol.ErrDecompress, size, len(out))
	}
	return out, nil
}

// Deflate gzip-compresses body with the fastest level, matching the engine
// clients.
func Deflate(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
