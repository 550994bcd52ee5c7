package tarsplit

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// outputArchiveName returns "<prefix>.NNN" with NNN zero-padded to at
// least 3 digits.
func outputArchiveName(prefix string, ordinal uint32) string {
	return fmt.Sprintf("%s.%03d", prefix, ordinal)
}

// outputFile is one numbered output archive. It layers, from the raw
// file outward: raw file -> compressed-hash sink -> compressor ->
// uncompressed-hash sink -> tar writer. Closing it must flush through
// every layer in that order so the compressor emits its footer before
// the compressed-hash sink finalizes.
type outputFile struct {
	name string

	raw        *os.File
	compHash   *hashingSink
	compressor io.WriteCloser
	uncompHash *hashingSink
	tw         *tar.Writer
}

// createOutputFile opens "<prefix>.NNN" for write and builds the full
// sink chain around it.
func createOutputFile(prefix string, ordinal uint32, compression Compression, log *logrus.Logger) (*outputFile, error) {
	name := outputArchiveName(prefix, ordinal)

	raw, err := os.Create(name)
	if err != nil {
		return nil, errors.Wrapf(err, "create output archive %s", name)
	}

	compHash := newHashingSink(raw, compressedSidecarName(name), log)

	comp, err := newEncoder(compHash, compression)
	if err != nil {
		_ = compHash.Close()
		return nil, errors.Wrapf(err, "open %s compressor for %s", compression, name)
	}

	uncompHash := newHashingSink(comp, uncompressedSidecarName(name), log)

	tw := tar.NewWriter(uncompHash)

	return &outputFile{
		name:       name,
		raw:        raw,
		compHash:   compHash,
		compressor: comp,
		uncompHash: uncompHash,
		tw:         tw,
	}, nil
}

// Close tears the chain down top-down: tar writer first (flushes its
// footer into the uncompressed-hash sink), then the uncompressed-hash
// sink, whose Close finalizes the uncompressed digest and in turn
// closes the compressor (emitting its footer into the compressed-hash
// sink), then the compressed-hash sink (finalizes the compressed
// digest, forwarding into the raw file). The compressor is closed once,
// by uncompHash.Close — closing it again here would double-close the
// underlying zstd/gzip encoder.
func (o *outputFile) Close() error {
	var firstErr error
	record := func(step string, err error) {
		if err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close %s (%s)", o.name, step)
		}
	}

	record("tar writer", o.tw.Close())
	record("uncompressed digest", o.uncompHash.Close())
	record("compressed digest", o.compHash.Close())

	return firstErr
}
