package tarsplit

import (
	"archive/tar"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MaxSplitSize is the largest split size the format can express:
// SplitMetadata.start_offset and chunk_size are u32 fields, so no
// chunk or offset may exceed this.
const MaxSplitSize = math.MaxUint32

// PackConfig configures a single pack run.
type PackConfig struct {
	Compression Compression
	Prefix      string
	SplitSize   uint64
	// TarSourceFrom, when set, enables "re-tar from staging dir":
	// regular-file sizes are taken from the on-disk file under this
	// directory when it differs from the declared tar size.
	TarSourceFrom string
	// Hash is accepted for CLI-surface compatibility with the original
	// prototype's --hash flag. The per-archive SHA-256 sidecars are
	// written unconditionally; this flag has no further effect.
	Hash bool
}

// Validate rejects configurations the format cannot express.
func (c PackConfig) Validate() error {
	if c.Prefix == "" {
		return errors.New("split-to prefix must not be empty")
	}
	if c.SplitSize == 0 {
		return errors.New("split size must be greater than zero")
	}
	if c.SplitSize > MaxSplitSize {
		return errors.Errorf("split size %d exceeds the maximum a u32 chunk offset can express (%d)", c.SplitSize, MaxSplitSize)
	}
	return nil
}

// writerState is the chunking/splitting state machine described by the
// component design: it consumes tar entries from the input stream,
// decides when to roll to a new output archive, discovers true entry
// sizes, splits oversized regular files, and enforces hard-link
// integrity within each output archive.
type writerState struct {
	cfg PackConfig
	log *logrus.Logger

	current        *outputFile
	bytesInCurrent uint64
	pathsInCurrent map[string]struct{}
	completedCount uint32
}

// newWriterState constructs a fresh state machine; no output file is
// opened until the first entry arrives.
func newWriterState(cfg PackConfig, log *logrus.Logger) *writerState {
	return &writerState{
		cfg:            cfg,
		log:            log,
		pathsInCurrent: make(map[string]struct{}),
	}
}

// Pack drains every entry from tr through the state machine, then
// finalizes the last open output archive.
func Pack(tr *tar.Reader, cfg PackConfig, log *logrus.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ws := newWriterState(cfg, log)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read input tar stream")
		}
		if err := ws.processEntry(hdr, tr); err != nil {
			return err
		}
	}
	return ws.finalize()
}

// processEntry implements the per-entry transition: size discovery,
// rollover check, lazy archive creation, hard-link validation, and
// emission (whole or chunked).
func (ws *writerState) processEntry(hdr *tar.Header, body io.Reader) error {
	size := ws.discoverSize(hdr)

	if ws.current != nil && ws.bytesInCurrent >= ws.cfg.SplitSize && size > 0 {
		if err := ws.rollover(); err != nil {
			return err
		}
	}
	if err := ws.ensureCurrent(); err != nil {
		return err
	}

	if hdr.Typeflag == tar.TypeLink {
		if _, ok := ws.pathsInCurrent[hdr.Linkname]; !ok {
			return errors.Errorf(
				"hard link %q targets %q, which is not yet present in output archive %s; this would break the pairing guarantee on extraction",
				hdr.Name, hdr.Linkname, ws.current.name,
			)
		}
	}
	ws.pathsInCurrent[hdr.Name] = struct{}{}

	if hdr.Typeflag == tar.TypeReg && size > ws.cfg.SplitSize {
		return ws.emitChunked(hdr, body, hdr.Name, size)
	}
	return ws.emitWhole(hdr, body, size)
}

// discoverSize resolves an entry's true byte count per the spec's size
// discovery rule: start from the header size, prefer a PAX extension
// whose key ends in "size" (tar encodes sparse files with a fake
// regular-file header plus such a record), then prefer the size of the
// matching file under TarSourceFrom when configured and it differs.
//
// hdr.PAXRecords is a Go map, so its iteration order is not stable
// across runs; the keys are sorted first, and when more than one key
// ends in "size" the first one in sorted order whose value parses as a
// number wins, which keeps the choice deterministic.
func (ws *writerState) discoverSize(hdr *tar.Header) uint64 {
	size := uint64(hdr.Size)
	if size < 0 {
		size = 0
	}

	keys := make([]string, 0, len(hdr.PAXRecords))
	for key := range hdr.PAXRecords {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !strings.HasSuffix(key, "size") {
			continue
		}
		parsed, err := strconv.ParseUint(hdr.PAXRecords[key], 10, 64)
		if err != nil {
			continue
		}
		if ws.log != nil {
			ws.log.WithFields(logrus.Fields{"path": hdr.Name, "pax_key": key, "pax_size": parsed}).
				Info("using PAX size for sparse/oversized entry")
		}
		size = parsed
		break
	}

	if ws.cfg.TarSourceFrom != "" && hdr.Typeflag == tar.TypeReg {
		onDisk := filepath.Join(ws.cfg.TarSourceFrom, hdr.Name)
		if fi, err := os.Stat(onDisk); err == nil && uint64(fi.Size()) != size {
			if ws.log != nil {
				ws.log.WithFields(logrus.Fields{"path": hdr.Name, "header_size": size, "on_disk_size": fi.Size()}).
					Info("overriding size from staging directory")
			}
			size = uint64(fi.Size())
		}
	}

	return size
}

// rollover finalizes the current output archive (flushing the
// compressor and finalizing both digests) and resets the state so the
// next entry lazily opens a fresh one.
func (ws *writerState) rollover() error {
	if ws.current == nil {
		return nil
	}
	if ws.log != nil {
		ws.log.WithField("archive", ws.current.name).Info("rolling over to next output archive")
	}
	if err := ws.current.Close(); err != nil {
		return err
	}
	ws.current = nil
	ws.bytesInCurrent = 0
	ws.pathsInCurrent = make(map[string]struct{})
	ws.completedCount++
	return nil
}

// ensureCurrent lazily opens the next output archive if none is open.
func (ws *writerState) ensureCurrent() error {
	if ws.current != nil {
		return nil
	}
	of, err := createOutputFile(ws.cfg.Prefix, ws.completedCount, ws.cfg.Compression, ws.log)
	if err != nil {
		return err
	}
	if ws.log != nil {
		ws.log.WithField("archive", of.name).Info("opened output archive")
	}
	ws.current = of
	return nil
}

// emitWhole appends a single tar entry carrying hdr's body unmodified.
func (ws *writerState) emitWhole(hdr *tar.Header, body io.Reader, size uint64) error {
	out := *hdr
	out.Size = int64(size)

	if err := ws.current.tw.WriteHeader(&out); err != nil {
		return errors.Wrapf(err, "write header for %s into %s", hdr.Name, ws.current.name)
	}
	if size > 0 {
		n, err := io.CopyN(ws.current.tw, body, int64(size))
		if err != nil {
			return errors.Wrapf(err, "copy body for %s into %s", hdr.Name, ws.current.name)
		}
		if uint64(n) != size {
			return errors.Errorf("short read for %s: wanted %d bytes, got %d", hdr.Name, size, n)
		}
	}
	ws.bytesInCurrent += size
	return nil
}

// emitChunked splits a regular file whose discovered size exceeds the
// split size across one or more output archives, each chunk preceded
// by a synthetic SplitMetadata entry. See the component design for the
// exact tiling and rollover rules; the chunk==0 special case below
// handles segment 0 landing on an already-exactly-full archive, where
// there is nothing left to "fill first" and the loop should roll over
// immediately rather than emit a zero-byte chunk.
func (ws *writerState) emitChunked(hdr *tar.Header, body io.Reader, path string, size uint64) error {
	var (
		remaining = size
		offset    uint64
		segment   int
	)

	for remaining > 0 {
		chunk := min64(remaining, ws.cfg.SplitSize)
		if segment == 0 {
			if fill := ws.cfg.SplitSize - ws.bytesInCurrent; fill < chunk {
				chunk = fill
			}
		}

		if ws.bytesInCurrent >= ws.cfg.SplitSize || chunk == 0 {
			if err := ws.rollover(); err != nil {
				return err
			}
			if err := ws.ensureCurrent(); err != nil {
				return err
			}
			chunk = min64(remaining, ws.cfg.SplitSize)
		} else if err := ws.ensureCurrent(); err != nil {
			return err
		}

		if offset > MaxSplitSize || chunk > MaxSplitSize {
			return errors.Errorf("chunk arithmetic overflow splitting %q at offset %d: split size exceeds the u32 metadata fields", path, offset)
		}

		meta := SplitMetadata{
			Path:        path,
			StartOffset: uint32(offset),
			ChunkSize:   uint32(chunk),
			TotalSize:   size,
		}
		if err := ws.emitMetadataEntry(hdr, meta, segment); err != nil {
			return err
		}
		if err := ws.emitDataChunk(hdr, path, chunk, body); err != nil {
			return err
		}

		ws.pathsInCurrent[path] = struct{}{}
		ws.bytesInCurrent += chunk
		offset += chunk
		remaining -= chunk
		segment++

		if ws.log != nil {
			ws.log.WithFields(logrus.Fields{
				"path": path, "segment": segment - 1, "chunk_size": chunk, "archive": ws.current.name,
			}).Info("emitted chunk")
		}
	}
	return nil
}

// emitMetadataEntry writes the synthetic GNU-format metadata entry for
// one chunk.
func (ws *writerState) emitMetadataEntry(hdr *tar.Header, meta SplitMetadata, segment int) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrapf(err, "marshal split metadata for %s segment %d", meta.Path, segment)
	}

	mh := &tar.Header{
		Name:     metadataEntryName(meta.Path, segment),
		Typeflag: tar.TypeReg,
		Format:   tar.FormatGNU,
		Mode:     0o644,
		Size:     int64(len(payload)),
		ModTime:  hdr.ModTime,
	}
	if err := ws.current.tw.WriteHeader(mh); err != nil {
		return errors.Wrapf(err, "write metadata header for %s segment %d", meta.Path, segment)
	}
	if _, err := ws.current.tw.Write(payload); err != nil {
		return errors.Wrapf(err, "write metadata body for %s segment %d", meta.Path, segment)
	}
	return nil
}

// emitDataChunk writes one chunk's GNU-format regular-file entry,
// copying exactly chunkSize bytes from body.
func (ws *writerState) emitDataChunk(hdr *tar.Header, path string, chunkSize uint64, body io.Reader) error {
	dh := &tar.Header{
		Name:     path,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatGNU,
		Mode:     hdr.Mode,
		Uid:      hdr.Uid,
		Gid:      hdr.Gid,
		Size:     int64(chunkSize),
		ModTime:  hdr.ModTime,
	}
	if err := ws.current.tw.WriteHeader(dh); err != nil {
		return errors.Wrapf(err, "write chunk header for %s", path)
	}
	n, err := io.CopyN(ws.current.tw, body, int64(chunkSize))
	if err != nil {
		return errors.Wrapf(err, "copy chunk body for %s", path)
	}
	if uint64(n) != chunkSize {
		return errors.Errorf("chunk size mismatch for %s: wanted %d bytes, copied %d", path, chunkSize, n)
	}
	return nil
}

// finalize closes the last open output archive, if any, once the
// input stream is exhausted.
func (ws *writerState) finalize() error {
	if ws.current == nil {
		return nil
	}
	if ws.log != nil {
		ws.log.WithField("archive", ws.current.name).Info("finalizing last output archive")
	}
	return ws.current.Close()
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
