package tarsplit

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Compression identifies the codec applied to an output archive. The
// same codec is always used for input decompression and output
// compression — the system has no recompression policy.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionGzip
)

// zstdLevel is the fixed quality the output-file factory configures its
// zstd compressor with (roughly zstd level 3); gzip output always uses
// gzip.BestSpeed, set directly in newEncoder.
const zstdLevel = zstd.SpeedDefault

// String implements fmt.Stringer for log messages and error context.
func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	case CompressionNone:
		return "none"
	default:
		return fmt.Sprintf("Compression(%d)", int(c))
	}
}

// ParseCompression maps a config string to a Compression value.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "zstd":
		return CompressionZstd, nil
	case "gzip":
		return CompressionGzip, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, errors.Errorf("unknown compression %q, must be one of zstd, gzip, none", s)
	}
}

// newEncoder wraps w with a write-sink that compresses with the fixed
// quality the output-file factory always uses, or returns an identity
// closer when compression is disabled. Closing the returned
// WriteCloser finishes the stream (zstd/gzip footer) but never closes
// w itself — the output-file factory owns w's lifetime.
func newEncoder(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel))
		if err != nil {
			return nil, errors.Wrap(err, "open zstd encoder")
		}
		return enc, nil
	case CompressionGzip:
		gw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip encoder")
		}
		return gw, nil
	case CompressionNone:
		return identityWriteCloser{w}, nil
	default:
		return nil, errors.Errorf("unsupported compression %s", c)
	}
}

// newDecoder wraps r with the matching decompressor for c. The zstd
// decoder must be explicitly released (Close, which here never
// returns an error) to free its worker goroutines.
func newDecoder(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "open zstd decoder")
		}
		return zstdReadCloser{dec}, nil
	case CompressionGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip decoder")
		}
		return gr, nil
	case CompressionNone:
		return io.NopCloser(r), nil
	default:
		return nil, errors.Errorf("unsupported compression %s", c)
	}
}

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	gzipMagic = []byte{0x1F, 0x8B}
)

// detectCompression peeks at r's leading bytes to identify the codec
// an output archive was written with, without consuming them. The
// on-disk layout does not record the codec per archive, so the
// unpacker recovers it from the stream's magic bytes.
func detectCompression(r *bufio.Reader) (Compression, error) {
	head, err := r.Peek(4)
	if err != nil && err != io.EOF {
		return 0, errors.Wrap(err, "peek archive header")
	}
	switch {
	case len(head) >= 4 && bytes.Equal(head[:4], zstdMagic):
		return CompressionZstd, nil
	case len(head) >= 2 && bytes.Equal(head[:2], gzipMagic):
		return CompressionGzip, nil
	default:
		return CompressionNone, nil
	}
}

// identityWriteCloser forwards writes and treats Close as a no-op,
// used when output compression is disabled so the sink chain in
// outputfile.go always has the same shape regardless of codec choice.
type identityWriteCloser struct {
	io.Writer
}

func (identityWriteCloser) Close() error { return nil }

// zstdReadCloser adapts *zstd.Decoder's Close (no error return) to
// io.ReadCloser.
type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
