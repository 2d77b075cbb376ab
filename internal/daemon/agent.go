package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/lifecycle"
	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/rundb"
)

// Agent runs the duties of one host against the record store.
type Agent struct {
	cfg     *config.Config
	store   rundb.Store
	machine *lifecycle.Machine
	duties  []Duty
	state   *State
	logger  *logging.Logger

	// Selector narrows every scan, e.g. to the single run given on the
	// command line.
	Selector rundb.Filter

	now func() time.Time
}

// NewAgent creates an agent. Duties run in the order given.
func NewAgent(cfg *config.Config, store rundb.Store, machine *lifecycle.Machine, duties []Duty, state *State, logger *logging.Logger) *Agent {
	if logger == nil {
		logger = logging.NewNop()
	}
	if state == nil {
		state = NewState("")
	}
	return &Agent{
		cfg:     cfg,
		store:   store,
		machine: machine,
		duties:  duties,
		state:   state,
		logger:  logger,
		now:     time.Now,
	}
}

// State returns the cycle ledger.
func (a *Agent) State() *State {
	return a.state
}

// Run executes passes until ctx is cancelled, pausing the poll interval
// between passes. With once set it returns after the first pass with that
// pass's error.
func (a *Agent) Run(ctx context.Context, once bool) error {
	interval := a.cfg.PollInterval()
	a.logger.Info().
		Str("host", a.cfg.Agent.Hostname).
		Str("poll_interval", interval.String()).
		Bool("database_writes", a.cfg.Agent.DatabaseWrites).
		Msg("Agent starting")

	for {
		err := a.RunCycle(ctx)
		if once {
			return err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info().Msg("Agent stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle performs one full pass over every enabled duty. Failures of single
// runs never stop the pass; they are collected into the returned error.
func (a *Agent) RunCycle(ctx context.Context) error {
	cycle := CycleRecord{ID: uuid.NewString(), Started: a.now().UTC()}
	log := a.logger.Child("cycle", cycle.ID[:8])
	log.Debug().Msg("Cycle starting")

	var result *multierror.Error
	for _, duty := range a.duties {
		if ctx.Err() != nil {
			break
		}
		if !a.cfg.TaskEnabled(duty.Name()) {
			continue
		}
		if err := a.runDuty(ctx, duty, log.Child("duty", duty.Name())); err != nil {
			result = multierror.Append(result, err)
		}
	}

	cycle.Finished = a.now().UTC()
	if result != nil {
		cycle.Errors = len(result.Errors)
	}
	a.state.RecordCycle(cycle, a.cfg.Agent.Hostname)
	if err := a.state.Save(); err != nil {
		log.Warn().Err(err).Msg("Failed to save state")
	}

	log.Info().
		Int("errors", cycle.Errors).
		Str("took", cycle.Finished.Sub(cycle.Started).Round(time.Millisecond).String()).
		Msg("Cycle complete")
	return result.ErrorOrNil()
}

func (a *Agent) runDuty(ctx context.Context, duty Duty, log *logging.Logger) error {
	stats := DutyStats{Name: duty.Name(), LastRun: a.now().UTC()}
	defer func() { a.state.RecordDuty(stats) }()

	filter := rundb.Filter{Names: a.cfg.Agent.Datasets}
	if f, ok := duty.(Filterer); ok {
		filter = filter.Merge(f.Filter())
	}
	filter = filter.Merge(a.Selector)

	ids, err := a.store.FindCandidateRuns(ctx, filter)
	if err != nil {
		stats.Skipped = true
		stats.LastError = err.Error()
		if errors.Is(err, rundb.ErrUnavailable) || errors.Is(err, rundb.ErrStaleCursor) {
			log.Warn().Err(err).Msg("Candidate scan failed, skipping duty this cycle")
			return nil
		}
		return fmt.Errorf("%s: list runs: %w", duty.Name(), err)
	}

	var result *multierror.Error
	for _, id := range ids {
		// Cancellation is honoured between runs; a run in progress completes.
		if ctx.Err() != nil {
			break
		}

		run, err := a.store.LoadRun(ctx, id)
		if err != nil {
			if rundb.IsSkippable(err) {
				log.Debug().Err(err).Str("run", id.Hex()).Msg("Skipping run")
				continue
			}
			stats.Failed++
			stats.LastError = err.Error()
			result = multierror.Append(result, fmt.Errorf("%s: load %s: %w", duty.Name(), id.Hex(), err))
			continue
		}
		if len(run.Data) == 0 || !filter.Accepts(run) {
			continue
		}

		stats.Visited++
		rc := &RunContext{
			Run:     run,
			Store:   a.store,
			Machine: a.machine,
			Config:  a.cfg,
			Host:    a.cfg.Agent.Hostname,
			Log:     log.Child("run", run.Name),
		}
		if err := a.each(context.WithoutCancel(ctx), duty, rc); err != nil {
			if rundb.IsSkippable(err) {
				rc.Log.Debug().Err(err).Msg("Nothing to do")
				continue
			}
			stats.Failed++
			stats.LastError = err.Error()
			rc.Log.Error().Err(err).Msg("Duty failed for run")
			result = multierror.Append(result, fmt.Errorf("%s: run %s: %w", duty.Name(), run, err))
		}
	}

	if f, ok := duty.(Finisher); ok {
		if err := f.Finish(ctx); err != nil {
			stats.LastError = err.Error()
			result = multierror.Append(result, fmt.Errorf("%s: finish: %w", duty.Name(), err))
		}
	}

	log.Debug().Int("candidates", len(ids)).Int("visited", stats.Visited).Int("failed", stats.Failed).Msg("Duty pass complete")
	return result.ErrorOrNil()
}

// each calls the duty and turns a panic into an error so one bad run cannot
// stop the agent.
func (a *Agent) each(ctx context.Context, duty Duty, rc *RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			rc.Log.Error().Str("stack", string(debug.Stack())).Msgf("panic: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return duty.Each(ctx, rc)
}
