// Package archive builds and unpacks backup artifacts: a compressed tar
// stream rooted at the backup id, its SHA-256 checksum, and the
// incremental file manifest.
package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names a stream compression algorithm
type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// ParseCodec accepts a configured codec name, defaulting to gzip
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case "", CodecGzip:
		return CodecGzip, nil
	case CodecZstd:
		return CodecZstd, nil
	case CodecLZ4:
		return CodecLZ4, nil
	default:
		return "", fmt.Errorf("unsupported compression codec: %s", name)
	}
}

// Extension is the file suffix for artifacts using c
func (c Codec) Extension() string {
	switch c {
	case CodecZstd:
		return ".tar.zst"
	case CodecLZ4:
		return ".tar.lz4"
	default:
		return ".tar.gz"
	}
}

// compressWriter wraps w with the codec's encoder
func compressWriter(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecGzip, "":
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case CodecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return enc, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression codec: %s", c)
	}
}

// DetectCodec identifies a codec from the leading bytes of a stream
func DetectCodec(head []byte) (Codec, bool) {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return CodecGzip, true
	case bytes.HasPrefix(head, zstdMagic):
		return CodecZstd, true
	case bytes.HasPrefix(head, lz4Magic):
		return CodecLZ4, true
	}
	return "", false
}

// decompressReader sniffs the magic bytes of r and returns a matching decoder
func decompressReader(r io.Reader) (io.ReadCloser, Codec, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && len(head) < 2 {
		return nil, "", fmt.Errorf("artifact too short to identify compression: %w", err)
	}

	codec, ok := DetectCodec(head)
	if !ok {
		return nil, "", fmt.Errorf("unrecognized artifact compression (magic %x)", head)
	}

	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return dec.IOReadCloser(), codec, nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(br)), codec, nil
	default:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, codec, nil
	}
}
