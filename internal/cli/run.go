package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/rundb"
	"github.com/runsync/runsync/internal/util/lists"
)

func newRunCmd() *cobra.Command {
	var (
		once       bool
		runArg     string
		tasks      []string
		dryRun     bool
		background bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent's duties against the run database",
		Long: `Run the agent in the foreground. Every poll interval the agent performs one
pass over its duties: push, pull, verify, process, stale, integrity and
clear-buffer. A first Ctrl+C finishes the current run and stops; a second one
exits immediately.

Examples:
  # Continuous polling
  runsync run

  # One pass over a single run, without touching the database
  runsync run --once --run 170101_1200 --dry-run

  # Only transfers
  runsync run --tasks push,pull,verify

  # Detach and keep running after logout
  runsync run --background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Overrides{Tasks: lists.Normalize(tasks), DryRun: dryRun})
			if err != nil {
				return err
			}

			if background && !daemon.IsDaemonChild() {
				return startBackground(cmd, cfg)
			}

			logger := agentLogger(cfg)
			defer logger.Close()

			duties, err := buildDuties(cfg, logger)
			if err != nil {
				return err
			}
			if err := checkTasks(cfg.Agent.Tasks, dutyNames(duties)); err != nil {
				return err
			}

			if !once {
				pid := daemon.PIDFile{Path: cfg.PIDPath()}
				if err := pid.Acquire(); err != nil {
					return err
				}
				defer pid.Release()
			}

			ctx := GetContext()
			env, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			state := daemon.NewState(cfg.StatePath())
			if err := state.Load(); err != nil {
				logger.Warn().Err(err).Msg("Failed to load state, starting a new ledger")
			}

			agent := env.agent(duties, state)
			agent.Selector = rundb.ParseRunSelector(runArg)
			return agent.Run(ctx, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one pass and exit (useful for cron jobs)")
	cmd.Flags().StringVar(&runArg, "run", "", "Only handle this run (number or name)")
	cmd.Flags().StringSliceVar(&tasks, "tasks", nil, "Only run these duties (comma separated)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log every database write and deletion instead of performing it")
	cmd.Flags().BoolVar(&background, "background", false, "Detach from the terminal and run in the background")

	return cmd
}

// agentLogger returns the logger of the poll loop. A background child has no
// console, so it always logs to a file.
func agentLogger(cfg *config.Config) *logging.Logger {
	if !daemon.IsDaemonChild() {
		if cfg.Agent.LogFile == "" || cfg.Agent.LogFile == logFile {
			return GetLogger()
		}
		return logging.NewLogger(logging.Options{LogFile: cfg.Agent.LogFile})
	}
	path := cfg.Agent.LogFile
	if path == "" {
		if err := config.EnsureLogDirectory(); err == nil {
			path = filepath.Join(config.LogDirectory(), "runsync.log")
		}
	}
	return logging.NewLogger(logging.Options{LogFile: path, NoConsole: true})
}

func startBackground(cmd *cobra.Command, cfg *config.Config) error {
	pid := daemon.PIDFile{Path: cfg.PIDPath()}
	if running := pid.RunningPID(); running != 0 {
		return fmt.Errorf("%w (pid %d)", daemon.ErrAlreadyRunning, running)
	}

	child, err := daemon.Daemonize(os.Args[1:])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Agent started in the background (pid %d)\n", child)
	fmt.Fprintf(cmd.OutOrStdout(), "Check it with: runsync status\n")
	return nil
}

// checkTasks rejects duty names no duty answers to.
func checkTasks(tasks, known []string) error {
	var unknown []string
	for _, t := range tasks {
		found := false
		for _, k := range known {
			if t == k {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown tasks %s (known: %s)", strings.Join(unknown, ", "), strings.Join(known, ", "))
	}
	return nil
}
