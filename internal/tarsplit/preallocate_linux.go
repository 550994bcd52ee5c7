//go:build linux

package tarsplit

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocateFile reserves size bytes of logically-zero space for f
// using fallocate's zero-range mode, falling back to a plain truncate
// when the filesystem doesn't support it (e.g. tmpfs, some network
// filesystems).
func preallocateFile(f *os.File, size int64) error {
	if size == 0 {
		return nil
	}
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_ZERO_RANGE, 0, size)
	if err == nil {
		return nil
	}
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return f.Truncate(size)
	}
	return err
}
