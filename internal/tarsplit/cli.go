package tarsplit

import (
	"archive/tar"
	"bufio"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// envSplitSize is a fallback for --split-size, mirroring the teacher
// CLI's convention of accepting a required value from the environment
// when the flag is omitted (there ARKIV_PASS, here TAR_SPLIT_SIZE).
const envSplitSize = "TAR_SPLIT_SIZE"

// NewRootCommand builds the "tarsplit" command tree: "pack" reads a
// tar stream from stdin and writes the numbered output archives;
// "unpack" reverses it with a parallel worker pool.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tarsplit",
		Short:         "Split a streaming tar archive into size-bounded, parallel-unpackable chunks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPackCommand(), newUnpackCommand())
	return root
}

func newPackCommand() *cobra.Command {
	var (
		compression   string
		splitTo       string
		splitSize     string
		tarSourceFrom string
		hashFlag      bool
	)

	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Read a tar stream from stdin and emit numbered split archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			comp, err := ParseCompression(compression)
			if err != nil {
				return err
			}

			if splitSize == "" {
				splitSize = os.Getenv(envSplitSize)
			}
			if splitSize == "" {
				return errors.New("--split-size is required (or set TAR_SPLIT_SIZE)")
			}
			size, err := humanize.ParseBytes(splitSize)
			if err != nil {
				return errors.Wrapf(err, "parse split size %q", splitSize)
			}

			cfg := PackConfig{
				Compression:   comp,
				Prefix:        splitTo,
				SplitSize:     size,
				TarSourceFrom: tarSourceFrom,
				Hash:          hashFlag,
			}

			log := NewLogger()
			dec, err := newDecoder(bufio.NewReader(cmd.InOrStdin()), comp)
			if err != nil {
				return errors.Wrap(err, "open stdin decoder")
			}
			defer dec.Close()

			tr := tar.NewReader(dec)
			return Pack(tr, cfg, log)
		},
	}

	cmd.Flags().StringVar(&compression, "compression", "zstd", "compression of the stdin tar stream and of the output archives: zstd, gzip, or none")
	cmd.Flags().StringVar(&splitTo, "split-to", "", "output archive path prefix (required)")
	cmd.Flags().StringVar(&splitSize, "split-size", "", "split size in bytes or human-readable form (e.g. 1GB)")
	cmd.Flags().StringVar(&tarSourceFrom, "tar-source-from", "", "staging directory whose on-disk file sizes override stale tar header sizes")
	cmd.Flags().BoolVar(&hashFlag, "hash", false, "reserved; per-archive SHA-256 sidecars are always written")
	_ = cmd.MarkFlagRequired("split-to")

	return cmd
}

func newUnpackCommand() *cobra.Command {
	var (
		unpackFrom string
		unpackTo   string
	)

	cmd := &cobra.Command{
		Use:   "unpack",
		Short: "Extract a directory of split archives in parallel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := UnpackConfig{UnpackFrom: unpackFrom, UnpackTo: unpackTo}
			log := NewLogger()
			return Unpack(cfg, log)
		},
	}

	cmd.Flags().StringVar(&unpackFrom, "unpack-from", "", "directory containing the numbered split archives (required)")
	cmd.Flags().StringVar(&unpackTo, "unpack-to", "", "output root to materialize the original tree under (required)")
	_ = cmd.MarkFlagRequired("unpack-from")
	_ = cmd.MarkFlagRequired("unpack-to")

	return cmd
}
