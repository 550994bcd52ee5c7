// Package tarsplit implements the split-writer and parallel unpacker: a
// streaming tar archive is read once and re-emitted as a numbered
// sequence of archives that stay close to a target size, with files
// larger than that target sliced across successive archives and
// reconstructed on the read side by seeking to recorded offsets.
package tarsplit

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"strings"
)

// metadataInfix and metadataExt name the synthetic tar entries a
// chunked file is split into. A chunk is always preceded, in the same
// output archive, by a metadata entry carrying a SplitMetadata record
// for it.
const (
	metadataInfix = ".split-metadata."
	metadataExt   = ".json"
)

// NewSHA256 constructs the incremental hash used for both the
// compressed and uncompressed digest sidecars.
func NewSHA256() hash.Hash {
	return sha256.New()
}

// SplitMetadata is the reconstruction plan for one chunk of a file that
// was too large to fit whole in a single output archive. It is
// serialized as JSON and stored as a synthetic tar entry immediately
// preceding the chunk's data entry.
type SplitMetadata struct {
	Path        string `json:"path"`
	StartOffset uint32 `json:"start_offset"`
	ChunkSize   uint32 `json:"chunk_size"`
	TotalSize   uint64 `json:"total_size"`
}

// metadataEntryName returns the synthetic tar entry name for segment
// idx of path, e.g. "a/big.bin.split-metadata.2.json".
func metadataEntryName(path string, segment int) string {
	return fmt.Sprintf("%s%s%d%s", path, metadataInfix, segment, metadataExt)
}

// isMetadataEntryName reports whether name looks like a split-metadata
// synthetic entry, mirroring the detection rule the unpacker uses: any
// path containing the metadata infix.
func isMetadataEntryName(name string) bool {
	return strings.Contains(name, metadataInfix)
}

// compressedSidecarName and uncompressedSidecarName name the digest
// sidecar files that sit next to an output archive.
func compressedSidecarName(archiveName string) string {
	return archiveName + ".compressed.sha256"
}

func uncompressedSidecarName(archiveName string) string {
	return archiveName + ".uncompressed.sha256"
}
