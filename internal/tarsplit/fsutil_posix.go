//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package tarsplit

import (
	"archive/tar"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// chownBestEffort restores ownership; errors are ignored by callers
// when the process lacks permission (e.g. unprivileged extraction).
func chownBestEffort(p string, uid, gid int) error {
	return os.Lchown(p, uid, gid)
}

// mkfifo creates a named pipe using mknod on Unix.
func mkfifo(path string, mode uint32) error {
	return syscall.Mkfifo(path, mode)
}

// writeOther materializes tar entry types that are neither directory,
// symlink, hardlink, nor regular file — in practice FIFOs and device
// nodes occasionally present in container/VM image tarballs.
func writeOther(outputRoot string, hdr *tar.Header) error {
	target := filepath.Join(outputRoot, hdr.Name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "create parent directory for %s", target)
	}

	switch hdr.Typeflag {
	case tar.TypeFifo:
		if err := mkfifo(target, uint32(hdr.Mode)); err != nil {
			return errors.Wrapf(err, "mkfifo %s", target)
		}
	case tar.TypeChar, tar.TypeBlock:
		mode := uint32(hdr.Mode)
		if hdr.Typeflag == tar.TypeChar {
			mode |= syscall.S_IFCHR
		} else {
			mode |= syscall.S_IFBLK
		}
		dev := int(mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor)))
		if err := syscall.Mknod(target, mode, dev); err != nil {
			return errors.Wrapf(err, "mknod %s", target)
		}
	default:
		return errors.Errorf("unsupported tar entry type %q for %s", string(hdr.Typeflag), hdr.Name)
	}
	_ = chownBestEffort(target, hdr.Uid, hdr.Gid)
	return nil
}

// mkdev composes a device number from major/minor the way glibc's
// makedev does, matching the encoding syscall.Mknod expects on Linux.
func mkdev(major, minor uint32) uint64 {
	return uint64(minor&0xff) | uint64(major&0xfff)<<8 |
		uint64(minor&0xffffff00)<<12 | uint64(major&0xfffff000)<<32
}
