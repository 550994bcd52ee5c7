package tarsplit

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// UnpackConfig configures a single unpack run.
type UnpackConfig struct {
	UnpackFrom string
	UnpackTo   string
}

// Unpack walks every numbered output archive under cfg.UnpackFrom in a
// worker pool and materializes the original tree under cfg.UnpackTo.
// Archive filenames sort lexicographically into their original write
// order, but workers process them in parallel; within a single archive
// entries are processed sequentially, and a process-wide mutex guards
// the "pre-allocate if not present" check-and-act for each chunked
// file's first materialization.
func Unpack(cfg UnpackConfig, log *logrus.Logger) error {
	archives, err := listArchives(cfg.UnpackFrom)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.UnpackTo, 0o755); err != nil {
		return errors.Wrapf(err, "create output root %s", cfg.UnpackTo)
	}

	var prealloc preallocator
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, archivePath := range archives {
		archivePath := archivePath
		g.Go(func() error {
			return extractArchive(archivePath, cfg.UnpackTo, &prealloc, log)
		})
	}
	return g.Wait()
}

// listArchives returns every file under dir except digest sidecars and
// subdirectories, sorted lexicographically (which is also numeric order
// for zero-padded ordinals). Names are not checked against the
// "<prefix>.NNN" pattern, so any other file is treated as an archive.
func listArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list archive directory %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if hasSidecarSuffix(n) {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

func hasSidecarSuffix(name string) bool {
	const (
		compSuffix   = ".compressed.sha256"
		uncompSuffix = ".uncompressed.sha256"
	)
	return len(name) >= len(compSuffix) && (name[len(name)-len(compSuffix):] == compSuffix) ||
		len(name) >= len(uncompSuffix) && (name[len(name)-len(uncompSuffix):] == uncompSuffix)
}

// preallocator guards the "does the reconstruction-site file exist yet"
// check-and-act across all workers. Pre-allocation happens at most once
// per file over the whole run, so the lock's hold time is bounded and
// contention is negligible.
type preallocator struct {
	mu sync.Mutex
}

// ensure creates path with length totalSize if it does not already
// exist. If it exists, another worker already won the race and this
// call is a no-op.
func (p *preallocator) ensure(path string, totalSize uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat reconstruction target %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create parent directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// The file appeared between the Stat above and this open,
			// created by something outside this lock; treat the same
			// as "already present".
			return nil
		}
		return errors.Wrapf(err, "create reconstruction target %s", path)
	}
	defer f.Close()

	if err := preallocateFile(f, int64(totalSize)); err != nil {
		return errors.Wrapf(err, "preallocate %s to %d bytes", path, totalSize)
	}
	return nil
}

// extractArchive decompresses and walks a single output archive,
// materializing directories, symlinks, hardlinks, and regular files
// (whole or chunked) under outputRoot.
func extractArchive(archivePath, outputRoot string, prealloc *preallocator, log *logrus.Logger) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, "open archive %s", archivePath)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	compression, err := detectCompression(br)
	if err != nil {
		return errors.Wrapf(err, "detect compression for %s", archivePath)
	}
	dec, err := newDecoder(br, compression)
	if err != nil {
		return errors.Wrapf(err, "open decoder for %s", archivePath)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)

	var pending *SplitMetadata
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read entries from %s", archivePath)
		}

		switch {
		case isMetadataEntryName(hdr.Name):
			var meta SplitMetadata
			if err := json.NewDecoder(tr).Decode(&meta); err != nil {
				return errors.Wrapf(err, "parse split metadata %s", hdr.Name)
			}
			target := filepath.Join(outputRoot, meta.Path)
			if err := prealloc.ensure(target, meta.TotalSize); err != nil {
				return err
			}
			m := meta
			pending = &m

		case hdr.Typeflag == tar.TypeReg && pending != nil && pending.Path == hdr.Name:
			if err := writeChunk(outputRoot, hdr, tr, pending); err != nil {
				return err
			}
			pending = nil

		case hdr.Typeflag == tar.TypeDir:
			dirPath := filepath.Join(outputRoot, hdr.Name)
			if err := os.MkdirAll(dirPath, os.FileMode(hdr.Mode)); err != nil {
				return errors.Wrapf(err, "mkdir %s", hdr.Name)
			}
			_ = chownBestEffort(dirPath, hdr.Uid, hdr.Gid)

		case hdr.Typeflag == tar.TypeSymlink:
			if err := writeSymlink(outputRoot, hdr); err != nil {
				return err
			}

		case hdr.Typeflag == tar.TypeLink:
			if err := writeHardlink(outputRoot, hdr); err != nil {
				return err
			}

		case hdr.Typeflag == tar.TypeReg:
			if err := writeWholeFile(outputRoot, hdr, tr); err != nil {
				return err
			}

		default:
			if err := writeOther(outputRoot, hdr); err != nil {
				return err
			}
		}
	}

	if pending != nil {
		return errors.Errorf("archive %s ended with an unmatched split-metadata record for %s", archivePath, pending.Path)
	}
	if log != nil {
		log.WithField("archive", archivePath).Info("extracted archive")
	}
	return nil
}

// writeChunk writes one chunk of a pre-allocated reconstruction-site
// file at its recorded offset.
func writeChunk(outputRoot string, hdr *tar.Header, body io.Reader, meta *SplitMetadata) error {
	if hdr.Size != int64(meta.ChunkSize) {
		return errors.Errorf("chunk %s declares size %d but metadata says %d", hdr.Name, hdr.Size, meta.ChunkSize)
	}
	target := filepath.Join(outputRoot, meta.Path)

	f, err := os.OpenFile(target, os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open reconstruction target %s", target)
	}
	defer f.Close()

	if _, err := f.Seek(int64(meta.StartOffset), io.SeekStart); err != nil {
		return errors.Wrapf(err, "seek %s to offset %d", target, meta.StartOffset)
	}
	n, err := io.CopyN(f, body, int64(meta.ChunkSize))
	if err != nil {
		return errors.Wrapf(err, "write chunk body for %s", target)
	}
	if uint64(n) != uint64(meta.ChunkSize) {
		return errors.Errorf("short chunk write for %s: wanted %d bytes, wrote %d", target, meta.ChunkSize, n)
	}
	if err := os.Chmod(target, os.FileMode(hdr.Mode)); err != nil {
		return errors.Wrapf(err, "chmod %s", target)
	}
	_ = chownBestEffort(target, hdr.Uid, hdr.Gid)
	return nil
}

// writeWholeFile creates (truncating) a non-chunked regular file and
// streams its body in.
func writeWholeFile(outputRoot string, hdr *tar.Header, body io.Reader) error {
	target := filepath.Join(outputRoot, hdr.Name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "create parent directory for %s", target)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
	if err != nil {
		return errors.Wrapf(err, "create %s", target)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return errors.Wrapf(err, "write body for %s", target)
	}
	_ = chownBestEffort(target, hdr.Uid, hdr.Gid)
	return nil
}

// writeSymlink creates a symlink whose link text is rewritten under
// outputRoot, preserving the pack-side convention that link targets
// are logical paths relative to the archive root.
func writeSymlink(outputRoot string, hdr *tar.Header) error {
	target := filepath.Join(outputRoot, hdr.Name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "create parent directory for %s", target)
	}
	linkText := filepath.Join(outputRoot, hdr.Linkname)
	if err := os.Symlink(linkText, target); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "symlink %s -> %s", target, linkText)
	}
	return nil
}

// writeHardlink asserts the target file already exists under
// outputRoot (guaranteed by pack-side hard-link locality, since the
// target is always written earlier in the same archive and entries
// within one archive are processed sequentially) and links to it.
func writeHardlink(outputRoot string, hdr *tar.Header) error {
	target := filepath.Join(outputRoot, hdr.Name)
	linkTo := filepath.Join(outputRoot, hdr.Linkname)
	if _, err := os.Stat(linkTo); err != nil {
		return errors.Wrapf(err, "hard link %s targets %s, which does not exist yet", target, linkTo)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "create parent directory for %s", target)
	}
	if err := os.Link(linkTo, target); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "hard link %s -> %s", target, linkTo)
	}
	return nil
}
