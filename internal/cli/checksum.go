package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/runsync/runsync/internal/checksum"
	"github.com/runsync/runsync/internal/constants"
	"github.com/runsync/runsync/internal/progress"
)

// maxParallelChecksums bounds the digests computed at once for several paths.
const maxParallelChecksums = 4

func newChecksumCmd() *cobra.Command {
	var algorithm string

	cmd := &cobra.Command{
		Use:   "checksum PATH...",
		Short: "Compute the digest of a file or a run directory",
		Long: `Compute the digest the agent records for a file or a directory tree.
Directories are digested over their files in sorted relative-path order, so the
result matches the checksum stored in the run database.

Progress is drawn on stderr; digests are printed on stdout.

Examples:
  runsync checksum /data/xenon1t/raw/170101_1200
  runsync checksum --algorithm adler32 run1 run2 run3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			algo, err := checksum.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			return checksumPaths(GetContext(), cmd.OutOrStdout(), nil, algo, args)
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", constants.DefaultChecksumAlgorithm, "Digest algorithm: adler32, sha256 or sha512")

	return cmd
}

// checksumPaths prints one "digest  path" line per path, in argument order.
// A single path gets a progress bar, several get one stacked bar each.
// progressOut nil draws on stderr.
func checksumPaths(ctx context.Context, out, progressOut io.Writer, algo checksum.Algorithm, paths []string) error {
	if len(paths) == 1 {
		engine := checksum.Engine{
			Algorithm: algo,
			Progress:  progress.Track(progress.NewCLIProgress(progressOut), filepath.Base(paths[0])),
		}
		digest, err := engine.Compute(ctx, paths[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %s\n", digest, paths[0])
		return nil
	}

	bars := progress.NewMulti(progressOut)
	digests := make([]string, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecksums)
	for i, path := range paths {
		bar := bars.Bar()
		g.Go(func() error {
			engine := checksum.Engine{
				Algorithm: algo,
				Progress:  progress.Track(bar, filepath.Base(path)),
			}
			digest, err := engine.Compute(gctx, path)
			if err != nil {
				bar.Error(err)
				return fmt.Errorf("%s: %w", path, err)
			}
			bar.Finish()
			digests[i] = digest
			return nil
		})
	}
	err := g.Wait()
	bars.Wait()
	if err != nil {
		return err
	}

	for i, path := range paths {
		fmt.Fprintf(out, "%s  %s\n", digests[i], path)
	}
	return nil
}
