package cli

import (
	"context"
	"fmt"

	"github.com/runsync/runsync/internal/alert"
	"github.com/runsync/runsync/internal/checksum"
	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/http"
	"github.com/runsync/runsync/internal/lifecycle"
	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/process"
	"github.com/runsync/runsync/internal/reconcile"
	"github.com/runsync/runsync/internal/rundb"
	"github.com/runsync/runsync/internal/transfer"
	"github.com/runsync/runsync/internal/transport"
)

// loadConfig reads the configuration file and applies the global flags and o.
func loadConfig(o config.Overrides) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if hostname != "" {
		o.Hostname = hostname
	}
	if logFile != "" {
		o.LogFile = logFile
	}
	cfg = cfg.WithOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// environment holds the connection and writer shared by every command that
// touches the run database.
type environment struct {
	cfg     *config.Config
	store   *rundb.MongoStore
	machine *lifecycle.Machine
	logger  *logging.Logger
}

func connect(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*environment, error) {
	store, err := rundb.Connect(ctx, rundb.Options{
		URI:            cfg.RunDB.URI,
		Password:       cfg.RunDB.Password,
		Database:       cfg.RunDB.Database,
		Collection:     cfg.RunDB.Collection,
		ReplicaSet:     cfg.RunDB.ReplicaSet,
		ReadPreference: cfg.RunDB.ReadPreference,
		Timeout:        cfg.StoreTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to run database: %w", err)
	}

	machine := lifecycle.New(store, cfg.Agent.Hostname, logger)
	machine.DryRun = !cfg.Agent.DatabaseWrites

	return &environment{cfg: cfg, store: store, machine: machine, logger: logger}, nil
}

func (e *environment) agent(duties []daemon.Duty, state *daemon.State) *daemon.Agent {
	return daemon.NewAgent(e.cfg, e.store, e.machine, duties, state, e.logger)
}

// runOnce performs a single pass of duties, optionally restricted to one run.
// The configured task allow-list does not apply to operator duties.
func (e *environment) runOnce(ctx context.Context, selector rundb.Filter, duties ...daemon.Duty) error {
	cfg := *e.cfg
	cfg.Agent.Tasks = nil
	a := daemon.NewAgent(&cfg, e.store, e.machine, duties, nil, e.logger)
	a.Selector = selector
	return a.RunCycle(ctx)
}

func (e *environment) Close() {
	if err := e.store.Close(context.Background()); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to disconnect from run database")
	}
}

// buildDuties assembles the agent's duties in pass order.
func buildDuties(cfg *config.Config, logger *logging.Logger) ([]daemon.Duty, error) {
	algo, err := checksum.ParseAlgorithm(cfg.Agent.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}

	httpClient, err := http.NewTransferClient(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	opts := transfer.Options{
		Host:         cfg.Agent.Hostname,
		Transports:   transport.NewFactory(transport.Options{Logger: logger, HTTPClient: httpClient}),
		Algorithm:    algo,
		MinFreeBytes: cfg.MinFreeBytes(),
	}

	alerter := alert.Multi{alert.NewLogAlerter(logger)}
	if cfg.Alerts.WebhookURL != "" {
		alerter = append(alerter, alert.NewWebhookAlerter(cfg.Alerts.WebhookURL,
			alert.WebhookOptions{HTTPClient: httpClient}, logger))
	}

	duties := []daemon.Duty{
		transfer.NewPush(opts),
		transfer.NewPull(opts),
		transfer.NewVerifier(algo),
	}
	stale := reconcile.NewStale(alerter)
	if cfg.Processing.Enabled {
		p, err := process.FromConfig(cfg, transport.ExecRunner{})
		if err != nil {
			return nil, fmt.Errorf("failed to set up processing: %w", err)
		}
		duties = append(duties, p)
		stale.Busy = p.Busy
	}
	duties = append(duties,
		stale,
		reconcile.NewIntegrity(alerter),
		reconcile.NewClearBuffer(rundb.MongoBufferDropper{Timeout: cfg.StoreTimeout()}),
	)
	return duties, nil
}

// dutyNames lists the names of duties, for flag validation and help.
func dutyNames(duties []daemon.Duty) []string {
	names := make([]string, 0, len(duties))
	for _, d := range duties {
		names = append(names, d.Name())
	}
	return names
}
