package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/fsops"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
)

// withEnvironment loads the configuration, connects, and hands both to fn.
func withEnvironment(dryRun bool, fn func(ctx context.Context, env *environment) error) error {
	cfg, err := loadConfig(config.Overrides{DryRun: dryRun})
	if err != nil {
		return err
	}
	ctx := GetContext()
	env, err := connect(ctx, cfg, GetLogger())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func newRemoveCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "remove PATH",
		Short: "Delete a local copy and its location record",
		Long: `Delete a local copy of run data. The location record is removed from the run
database first, then the file or directory is deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(dryRun, func(ctx context.Context, env *environment) error {
				duty, err := fsops.NewRemove(env.cfg.Agent.Hostname, args[0])
				if err != nil {
					return err
				}
				if err := env.runOnce(ctx, rundb.Filter{}, duty); err != nil {
					return err
				}
				if duty.Removed == 0 {
					return fmt.Errorf("no location of %s is recorded at %s", env.cfg.Agent.Hostname, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only log what would be removed")
	return cmd
}

func newRenameCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "rename FROM TO",
		Short: "Move a local copy and update its location record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(dryRun, func(ctx context.Context, env *environment) error {
				duty, err := fsops.NewRename(env.cfg.Agent.Hostname, args[0], args[1])
				if err != nil {
					return err
				}
				if err := env.runOnce(ctx, rundb.Filter{}, duty); err != nil {
					return err
				}
				if duty.Renamed == 0 {
					return fmt.Errorf("no location of %s is recorded at %s", env.cfg.Agent.Hostname, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s\n", args[0], args[1])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only log the move")
	return cmd
}

func newStraysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strays",
		Short: "List data on disk that no location record refers to",
		Long: `Walk the raw and processed data directories of this host and print every
path that is not a recorded location of this host, nor a directory containing
one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(false, func(ctx context.Context, env *environment) error {
				local, err := env.cfg.Local()
				if err != nil {
					return err
				}
				duty := fsops.NewStrays(local.DirRaw, local.DirProcessed)
				if err := env.runOnce(ctx, rundb.Filter{}, duty); err != nil {
					return err
				}
				for _, p := range duty.Found {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			})
		},
	}
}

func newLocationsCmd() *cobra.Command {
	var (
		status string
		runArg string
	)

	cmd := &cobra.Command{
		Use:   "locations",
		Short: "List the locations recorded for this host",
		Long: `List the locations of this host, one per line:
number, run, status, dataset and path.

Examples:
  runsync locations --status error
  runsync locations --run 170101_1200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var want models.Status
			if status != "" {
				s, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				want = s
			}
			return withEnvironment(false, func(ctx context.Context, env *environment) error {
				duty := fsops.NewLocations(env.cfg.Agent.Hostname, want)
				if err := env.runOnce(ctx, rundb.ParseRunSelector(runArg), duty); err != nil {
					return err
				}
				printListings(cmd.OutOrStdout(), duty.Found)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list locations in this status")
	cmd.Flags().StringVar(&runArg, "run", "", "Only list this run (number or name)")
	return cmd
}

func printListings(out io.Writer, listings []fsops.Listing) {
	for _, l := range listings {
		fmt.Fprintln(out, l.String())
	}
}
