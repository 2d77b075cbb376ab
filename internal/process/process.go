package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/runsync/runsync/internal/checksum"
	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/constants"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
	"github.com/runsync/runsync/internal/transport"
)

// Options configure the process duty.
type Options struct {
	Host      string
	Version   string
	Command   string
	Profile   string
	NCPUs     int
	MaxQueue  int
	Algorithm checksum.Algorithm
}

// Processor is the process duty. With a Scheduler it submits batch jobs and
// collects their output on later passes; without one it runs the Pipeline
// inline.
type Processor struct {
	opts      Options
	scheduler Scheduler
	pipeline  Pipeline
}

// New creates the duty. Exactly one of scheduler and pipeline is used;
// scheduler wins when both are set.
func New(opts Options, scheduler Scheduler, pipeline Pipeline) *Processor {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = constants.DefaultMaxQueue
	}
	if opts.NCPUs <= 0 {
		opts.NCPUs = 1
	}
	return &Processor{opts: opts, scheduler: scheduler, pipeline: pipeline}
}

// FromConfig builds the duty described by the [processing] section.
func FromConfig(cfg *config.Config, runner transport.CommandRunner) (*Processor, error) {
	p := cfg.Processing
	algo, err := checksum.ParseAlgorithm(cfg.Agent.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}
	opts := Options{
		Host:      cfg.Agent.Hostname,
		Version:   p.Version,
		Command:   p.Command,
		Profile:   p.Profile,
		NCPUs:     p.NCPUs,
		MaxQueue:  p.MaxQueue,
		Algorithm: algo,
	}
	if p.Scheduler == "local" {
		return New(opts, nil, NewCommandPipeline(runner)), nil
	}
	slurm, err := NewSlurm(runner, p.ScriptTemplate)
	if err != nil {
		return nil, err
	}
	return New(opts, slurm, nil), nil
}

// Name implements daemon.Duty.
func (p *Processor) Name() string { return "process" }

// Filter implements daemon.Filterer: runs with finished local raw data that
// are either not processed with this version here, or whose processing is
// still running.
func (p *Processor) Filter() rundb.Filter {
	processed := bson.D{
		{Key: "host", Value: p.opts.Host},
		{Key: "type", Value: string(models.TypeProcessed)},
		{Key: "pax_version", Value: p.opts.Version},
	}
	running := append(append(bson.D{}, processed...), bson.E{Key: "status", Value: string(models.StatusTransferring)})
	return rundb.Filter{
		ExcludeTag: constants.NoProcessTag,
		Query: bson.D{
			{Key: "data", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
				{Key: "host", Value: p.opts.Host},
				{Key: "type", Value: string(models.TypeRaw)},
				{Key: "status", Value: string(models.StatusTransferred)},
			}}}},
			{Key: "reader.ini.write_mode", Value: 2},
			{Key: "trigger.events_built", Value: bson.D{{Key: "$gt", Value: 0}}},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "data", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$elemMatch", Value: processed}}}}}},
				bson.D{{Key: "data", Value: bson.D{{Key: "$elemMatch", Value: running}}}},
			}},
		},
	}
}

// Each implements daemon.Duty.
func (p *Processor) Each(ctx context.Context, rc *daemon.RunContext) error {
	run := rc.Run
	if run.HasTag(constants.NoProcessTag) || run.Reader.Ini.WriteMode != 2 || run.Trigger.EventsBuilt <= 0 {
		return nil
	}

	var raw, processed *models.DataLocation
	for i, loc := range run.Data {
		if loc.Host != rc.Host {
			continue
		}
		switch {
		case loc.Type == models.TypeRaw && loc.Status == models.StatusTransferred:
			raw = &run.Data[i]
		case loc.Type == models.TypeProcessed && loc.PaxVersion == p.opts.Version:
			processed = &run.Data[i]
		}
	}

	if processed != nil {
		if processed.Status == models.StatusTransferring && p.scheduler != nil {
			return p.collect(ctx, rc, *processed)
		}
		return nil
	}
	if raw == nil {
		rc.Log.Debug().Msg("No local raw data to process")
		return nil
	}

	local, err := rc.Config.Local()
	if err != nil {
		return err
	}
	dir, err := local.Dir(models.TypeProcessed)
	if err != nil {
		return err
	}
	job := p.job(run, raw.Location, filepath.Join(dir, "pax_"+p.opts.Version))
	log := rc.Log.Child("job", job.Name)

	if p.scheduler != nil {
		return p.submit(ctx, rc, job, log)
	}
	return p.runInline(ctx, rc, job, log)
}

// job describes the processing of run from input into outDir.
func (p *Processor) job(run *models.Run, input, outDir string) Job {
	base := run.Name
	profile := p.opts.Profile
	switch {
	case run.Detector == "muon_veto":
		base += "_MV"
		if profile == "" {
			profile = "XENON1T_MV"
		}
	case profile == "" && run.Reader.SelfTrigger:
		profile = "XENON1T"
	case profile == "":
		profile = "XENON1T_LED"
	}

	job := Job{
		Name:    p.jobName(run),
		Run:     run.Name,
		Number:  run.Number,
		Input:   input,
		Output:  filepath.Join(outDir, base+".root"),
		Version: p.opts.Version,
		NCPUs:   p.opts.NCPUs,
		Profile: profile,
	}
	job.Argv = expandCommand(p.opts.Command, job)
	return job
}

func (p *Processor) jobName(run *models.Run) string {
	return run.Name + "_" + p.opts.Version
}

// Busy reports whether loc is the output of a job still in the scheduler
// queue. The stale duty uses it to leave queued jobs alone.
func (p *Processor) Busy(ctx context.Context, run *models.Run, loc models.DataLocation) (bool, error) {
	if p.scheduler == nil || loc.Type != models.TypeProcessed || loc.Host != p.opts.Host || loc.PaxVersion != p.opts.Version {
		return false, nil
	}
	return p.scheduler.Queued(ctx, p.jobName(run))
}

func (p *Processor) location(job Job) models.DataLocation {
	return models.DataLocation{
		Type:       models.TypeProcessed,
		Host:       p.opts.Host,
		Status:     models.StatusTransferring,
		Location:   job.Output,
		PaxVersion: p.opts.Version,
	}
}

func (p *Processor) submit(ctx context.Context, rc *daemon.RunContext, job Job, log *logging.Logger) error {
	n, err := p.scheduler.QueueLength(ctx)
	if err != nil {
		return err
	}
	if n > p.opts.MaxQueue {
		log.Info().Int("queued", n).Msg("Scheduler queue full, not submitting")
		return nil
	}
	queued, err := p.scheduler.Queued(ctx, job.Name)
	if err != nil {
		return err
	}
	if queued {
		log.Debug().Msg("Job already queued")
		return nil
	}

	// Output without a record: the job ran but its record was removed.
	if _, err := os.Stat(job.Output); err == nil {
		return p.adopt(ctx, rc, job, log)
	}

	if rc.Machine.DryRun {
		log.Info().Str("output", job.Output).Msg("dry run: would submit job")
		return nil
	}
	if err := os.MkdirAll(job.LogDir(), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := p.scheduler.Submit(ctx, job); err != nil {
		return err
	}
	log.Info().Str("input", job.Input).Str("output", job.Output).Msg("Job submitted")

	if _, err := rc.Machine.Begin(ctx, rc.Run.ID, p.location(job)); err != nil && !errors.Is(err, rundb.ErrConflict) {
		return err
	}
	return nil
}

// adopt records the existing output of job instead of submitting it again.
func (p *Processor) adopt(ctx context.Context, rc *daemon.RunContext, job Job, log *logging.Logger) error {
	if rc.Machine.DryRun {
		log.Info().Str("output", job.Output).Msg("dry run: would record existing output")
		return nil
	}
	loc, err := rc.Machine.Begin(ctx, rc.Run.ID, p.location(job))
	if err != nil {
		if errors.Is(err, rundb.ErrConflict) {
			return nil
		}
		return err
	}
	log.Info().Str("output", job.Output).Msg("Recording existing job output")
	return p.finish(ctx, rc, loc)
}

// collect finishes a submitted job once it has left the queue.
func (p *Processor) collect(ctx context.Context, rc *daemon.RunContext, loc models.DataLocation) error {
	name := p.jobName(rc.Run)
	queued, err := p.scheduler.Queued(ctx, name)
	if err != nil || queued {
		return err
	}
	if _, err := os.Stat(loc.Location); err != nil {
		_, merr := rc.Machine.MarkError(ctx, rc.Run.ID, loc, "job finished without output")
		return errors.Join(fmt.Errorf("job %s: %w", name, err), merr)
	}
	return p.finish(ctx, rc, loc)
}

func (p *Processor) runInline(ctx context.Context, rc *daemon.RunContext, job Job, log *logging.Logger) error {
	if p.pipeline == nil {
		return errNoCommand
	}
	if rc.Machine.DryRun {
		log.Info().Strs("argv", job.Argv).Msg("dry run: would process")
		return nil
	}
	if err := os.MkdirAll(job.LogDir(), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	loc, err := rc.Machine.Begin(ctx, rc.Run.ID, p.location(job))
	if err != nil {
		if errors.Is(err, rundb.ErrConflict) {
			return nil
		}
		return err
	}
	log.Info().Str("input", job.Input).Str("output", job.Output).Msg("Processing")

	if err := p.pipeline.Process(ctx, job); err != nil {
		if _, merr := rc.Machine.MarkError(ctx, rc.Run.ID, loc, err.Error()); merr != nil {
			log.Error().Err(merr).Msg("Failed to record processing error")
		}
		return fmt.Errorf("process %s: %w", job.Name, err)
	}
	return p.finish(ctx, rc, loc)
}

// finish moves a processed location through verifying to transferred.
func (p *Processor) finish(ctx context.Context, rc *daemon.RunContext, loc models.DataLocation) error {
	loc, err := rc.Machine.MarkVerifying(ctx, rc.Run.ID, loc)
	if err != nil {
		return err
	}
	digest, err := checksum.Compute(ctx, loc.Location, p.opts.Algorithm)
	if err != nil {
		_, merr := rc.Machine.MarkError(ctx, rc.Run.ID, loc, err.Error())
		return errors.Join(err, merr)
	}
	if _, err := rc.Machine.MarkTransferred(ctx, rc.Run.ID, loc, digest); err != nil {
		return err
	}
	rc.Log.Info().Str("location", loc.Location).Msg("Processing complete")
	return nil
}
