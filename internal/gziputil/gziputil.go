// Package gziputil compresses nonce data blobs at rest.
package gziputil

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// MaxDecompressedSize bounds what Decompress will inflate.
const MaxDecompressedSize = 16 * 1024 * 1024 // 16 MB

// ErrTooLarge is returned when a blob inflates past MaxDecompressedSize.
var ErrTooLarge = errors.New("decompressed data exceeds maximum size of 16MB")

var (
	writerPool = sync.Pool{New: func() any { return gzip.NewWriter(nil) }}
	bufPool    = sync.Pool{New: func() any { return new(bytes.Buffer) }}
)

// Compress gzip-compresses data using pooled writers and buffers.
func Compress(data []byte) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	gw := writerPool.Get().(*gzip.Writer)
	gw.Reset(buf)
	defer func() {
		gw.Reset(nil)
		writerPool.Put(gw)
		bufPool.Put(buf)
	}()

	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Decompress inflates gzip data, refusing anything larger than MaxDecompressedSize.
func Decompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	if _, err := io.Copy(buf, io.LimitReader(gr, MaxDecompressedSize+1)); err != nil {
		return nil, err
	}
	if buf.Len() > MaxDecompressedSize {
		return nil, ErrTooLarge
	}
	return bytes.Clone(buf.Bytes()), nil
}

// MaybeDecompress inflates data if it carries the gzip magic bytes, otherwise returns it as-is.
func MaybeDecompress(data []byte) ([]byte, error) {
	if IsGzipped(data) {
		return Decompress(data)
	}
	return data, nil
}

// IsGzipped reports whether data starts with the gzip magic bytes.
func IsGzipped(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
