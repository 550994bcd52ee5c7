//go:build !linux

package tarsplit

import "os"

// preallocateFile reserves size bytes for f by truncating it to
// length. Non-Linux filesystems in this pack's target deployments
// (darwin, BSD, Windows) lack a portable fallocate-with-zero-range
// equivalent, so extending via truncate is the cross-platform
// pre-allocation primitive: it creates a sparse region of logical
// zeros without writing actual bytes, matching the glossary's
// definition of pre-allocate.
func preallocateFile(f *os.File, size int64) error {
	if size == 0 {
		return nil
	}
	return f.Truncate(size)
}
