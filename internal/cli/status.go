package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/daemon"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the agent's last cycle and duty counters",
		Long: `Display the cycle ledger of this host:
- whether a background agent is running
- when the last pass ran and how many errors it had
- per duty: runs visited, runs failed and the last error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Overrides{})
			if err != nil {
				return err
			}

			state := daemon.NewState(cfg.StatePath())
			if err := state.Load(); err != nil {
				return fmt.Errorf("failed to load state: %w", err)
			}
			running := daemon.PIDFile{Path: cfg.PIDPath()}.RunningPID()
			printStatus(cmd.OutOrStdout(), cfg.Agent.Hostname, running, state, time.Now())
			return nil
		},
	}
}

func printStatus(out io.Writer, host string, pid int, state *daemon.State, now time.Time) {
	fmt.Fprintf(out, "Host:    %s\n", host)
	if pid != 0 {
		fmt.Fprintf(out, "Agent:   running (pid %d)\n", pid)
	} else {
		fmt.Fprintf(out, "Agent:   not running\n")
	}

	last, duties := state.Snapshot()
	if state.TotalCycles() == 0 {
		fmt.Fprintf(out, "Cycles:  none recorded\n")
		return
	}
	fmt.Fprintf(out, "Cycles:  %s\n", humanize.Comma(int64(state.TotalCycles())))
	fmt.Fprintf(out, "Last:    %s (%s, %d errors)\n",
		humanize.RelTime(last.Finished, now, "ago", "from now"),
		last.Finished.Sub(last.Started).Round(time.Second), last.Errors)

	if len(duties) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DUTY\tLAST RUN\tVISITED\tFAILED\tLAST ERROR")
	for _, d := range duties {
		visited := humanize.Comma(int64(d.Visited))
		if d.Skipped {
			visited = "skipped"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.Name,
			humanize.RelTime(d.LastRun, now, "ago", "from now"), visited, d.Failed, d.LastError)
	}
	w.Flush()
}
