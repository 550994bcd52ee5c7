package tarsplit

import (
	"archive/tar"
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

// TestPackCommandDecompressesStdin exercises the primary CLI use case
// the "pack" command documents: stdin carries a tar stream compressed
// with the same codec named by --compression, and the command must
// decompress it before handing it to archive/tar, not feed compressed
// bytes straight to the tar reader.
func TestPackCommandDecompressesStdin(t *testing.T) {
	entries := []tarEntry{
		{
			header: &tar.Header{Name: "x", Typeflag: tar.TypeReg, Mode: 0o644, ModTime: time.Unix(1700000000, 0)},
			body:   []byte("hello from compressed stdin"),
		},
	}
	rawTar := buildTar(t, entries)

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = enc.Write(rawTar)
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	dir := t.TempDir()
	prefix := filepath.Join(dir, "out")

	root := NewRootCommand()
	root.SetIn(bytes.NewReader(compressed.Bytes()))
	root.SetArgs([]string{
		"pack",
		"--compression", "zstd",
		"--split-to", prefix,
		"--split-size", "1MB",
	})
	require.NoError(t, root.Execute())

	names := listOutputArchives(t, dir, "out")
	require.Len(t, names, 1)

	got := readArchiveEntries(t, filepath.Join(dir, names[0]))
	require.Equal(t, []byte("hello from compressed stdin"), got["x"])
}
