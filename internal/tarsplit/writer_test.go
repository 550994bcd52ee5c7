package tarsplit

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type tarEntry struct {
	header *tar.Header
	body   []byte
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		h := *e.header
		h.Size = int64(len(e.body))
		require.NoError(t, tw.WriteHeader(&h))
		if len(e.body) > 0 {
			_, err := tw.Write(e.body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// listOutputArchives returns the "<prefix>.NNN" archive files under dir,
// sorted in write order, excluding digest sidecars.
func listOutputArchives(t *testing.T, dir, prefix string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		n := e.Name()
		if len(n) > len(prefix) && n[:len(prefix)] == prefix && !hasSidecarSuffix(n) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// readArchiveEntries decompresses and reads every entry name + body from
// one output archive.
func readArchiveEntries(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	br := bufio.NewReader(f)
	comp, err := detectCompression(br)
	require.NoError(t, err)
	dec, err := newDecoder(br, comp)
	require.NoError(t, err)
	defer dec.Close()

	tr := tar.NewReader(dec)
	out := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = body
	}
	return out
}

func TestPackSmallTree(t *testing.T) {
	modTime := time.Unix(1700000000, 0)
	entries := []tarEntry{
		{header: &tar.Header{Name: "a/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: modTime}},
		{
			header: &tar.Header{Name: "a/x", Typeflag: tar.TypeReg, Mode: 0o644, ModTime: modTime},
			body:   []byte("0123456789"),
		},
		{header: &tar.Header{Name: "a/y", Typeflag: tar.TypeSymlink, Linkname: "a/x", Mode: 0o777, ModTime: modTime}},
	}
	input := buildTar(t, entries)

	dir := t.TempDir()
	prefix := filepath.Join(dir, "out")
	cfg := PackConfig{Compression: CompressionNone, Prefix: prefix, SplitSize: 1 << 20}

	err := Pack(tar.NewReader(bytes.NewReader(input)), cfg, testLogger())
	require.NoError(t, err)

	names := listOutputArchives(t, dir, "out")
	require.Len(t, names, 1)
	require.Equal(t, "out.000", names[0])

	got := readArchiveEntries(t, filepath.Join(dir, names[0]))
	require.Equal(t, []byte("0123456789"), got["a/x"])
}

func TestPackRollover(t *testing.T) {
	fileBody := bytes.Repeat([]byte{0xAB}, 700*1000)
	modTime := time.Unix(1700000000, 0)
	entries := []tarEntry{
		{header: &tar.Header{Name: "file1", Typeflag: tar.TypeReg, Mode: 0o644, ModTime: modTime}, body: fileBody},
		{header: &tar.Header{Name: "file2", Typeflag: tar.TypeReg, Mode: 0o644, ModTime: modTime}, body: fileBody},
		{header: &tar.Header{Name: "file3", Typeflag: tar.TypeReg, Mode: 0o644, ModTime: modTime}, body: fileBody},
	}
	input := buildTar(t, entries)

	dir := t.TempDir()
	prefix := filepath.Join(dir, "out")
	cfg := PackConfig{Compression: CompressionNone, Prefix: prefix, SplitSize: 1 << 20}

	err := Pack(tar.NewReader(bytes.NewReader(input)), cfg, testLogger())
	require.NoError(t, err)

	names := listOutputArchives(t, dir, "out")
	require.Equal(t, []string{"out.000", "out.001", "out.002"}, names)

	for i, want := range []string{"file1", "file2", "file3"} {
		got := readArchiveEntries(t, filepath.Join(dir, names[i]))
		require.Equal(t, fileBody, got[want])
	}
}

func TestPackChunkedGiant(t *testing.T) {
	const total = 2_500_000
	body := make([]byte, total)
	for i := range body {
		body[i] = byte(i % 256)
	}
	modTime := time.Unix(1700000000, 0)
	input := buildTar(t, []tarEntry{
		{header: &tar.Header{Name: "giant.bin", Typeflag: tar.TypeReg, Mode: 0o644, ModTime: modTime}, body: body},
	})

	dir := t.TempDir()
	prefix := filepath.Join(dir, "out")
	cfg := PackConfig{Compression: CompressionNone, Prefix: prefix, SplitSize: 1_000_000}

	err := Pack(tar.NewReader(bytes.NewReader(input)), cfg, testLogger())
	require.NoError(t, err)

	names := listOutputArchives(t, dir, "out")
	require.Len(t, names, 3)

	wantOffsets := []SplitMetadata{
		{Path: "giant.bin", StartOffset: 0, ChunkSize: 1_000_000, TotalSize: total},
		{Path: "giant.bin", StartOffset: 1_000_000, ChunkSize: 1_000_000, TotalSize: total},
		{Path: "giant.bin", StartOffset: 2_000_000, ChunkSize: 500_000, TotalSize: total},
	}

	var reconstructed []byte
	for i, name := range names {
		got := readArchiveEntries(t, filepath.Join(dir, name))

		var metaName, dataBody []byte
		for n, b := range got {
			if isMetadataEntryName(n) {
				metaName = b
			} else {
				dataBody = b
			}
		}
		require.NotNil(t, metaName, "archive %s missing metadata entry", name)

		var meta SplitMetadata
		require.NoError(t, json.Unmarshal(metaName, &meta))
		require.Equal(t, wantOffsets[i], meta)
		require.Len(t, dataBody, int(meta.ChunkSize))
		reconstructed = append(reconstructed, dataBody...)
	}

	wantSum := sha256.Sum256(body)
	gotSum := sha256.Sum256(reconstructed)
	require.Equal(t, wantSum, gotSum)
}

func TestPackHardlinkPair(t *testing.T) {
	modTime := time.Unix(1700000000, 0)
	body := bytes.Repeat([]byte{0x42}, 100)
	input := buildTar(t, []tarEntry{
		{header: &tar.Header{Name: "f", Typeflag: tar.TypeReg, Mode: 0o644, ModTime: modTime}, body: body},
		{header: &tar.Header{Name: "g", Typeflag: tar.TypeLink, Linkname: "f", ModTime: modTime}},
	})

	dir := t.TempDir()
	prefix := filepath.Join(dir, "out")
	cfg := PackConfig{Compression: CompressionNone, Prefix: prefix, SplitSize: 1 << 20}

	err := Pack(tar.NewReader(bytes.NewReader(input)), cfg, testLogger())
	require.NoError(t, err)

	names := listOutputArchives(t, dir, "out")
	require.Len(t, names, 1)

	got := readArchiveEntries(t, filepath.Join(dir, names[0]))
	require.Equal(t, body, got["f"])
	_, hasG := got["g"]
	require.True(t, hasG)
}

func TestPackRejectsHardlinkToMissingTarget(t *testing.T) {
	input := buildTar(t, []tarEntry{
		{header: &tar.Header{Name: "g", Typeflag: tar.TypeLink, Linkname: "f"}},
	})

	dir := t.TempDir()
	cfg := PackConfig{Compression: CompressionNone, Prefix: filepath.Join(dir, "out"), SplitSize: 1 << 20}

	err := Pack(tar.NewReader(bytes.NewReader(input)), cfg, testLogger())
	require.Error(t, err)
}

func TestDiscoverSizePAXOverride(t *testing.T) {
	ws := newWriterState(PackConfig{SplitSize: 1 << 20}, testLogger())
	hdr := &tar.Header{
		Name:       "sparse.bin",
		Typeflag:   tar.TypeReg,
		Size:       0,
		PAXRecords: map[string]string{"GNU.sparse.size": "1048576"},
	}
	require.Equal(t, uint64(1048576), ws.discoverSize(hdr))
}

func TestDiscoverSizeOnDiskOverride(t *testing.T) {
	dir := t.TempDir()
	stagingPath := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(stagingPath, bytes.Repeat([]byte{1}, 4096), 0o644))

	ws := newWriterState(PackConfig{SplitSize: 1 << 20, TarSourceFrom: dir}, testLogger())
	hdr := &tar.Header{Name: "file.bin", Typeflag: tar.TypeReg, Size: 10}
	require.Equal(t, uint64(4096), ws.discoverSize(hdr))
}

func TestPackRejectsOversizedSplitSize(t *testing.T) {
	cfg := PackConfig{Prefix: "out", SplitSize: MaxSplitSize + 1}
	require.Error(t, cfg.Validate())
}

func TestPackRejectsEmptyPrefix(t *testing.T) {
	cfg := PackConfig{SplitSize: 1024}
	require.Error(t, cfg.Validate())
}
