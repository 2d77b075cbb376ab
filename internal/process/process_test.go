package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/runsync/runsync/internal/alert"
	"github.com/runsync/runsync/internal/checksum"
	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/lifecycle"
	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/reconcile"
	"github.com/runsync/runsync/internal/rundb"
	"github.com/runsync/runsync/internal/rundb/rundbtest"
)

const (
	host    = "midway"
	version = "v6.8.0"
	command = "paxer --input {input} --output {output} --config {profile} --cpus {ncpus}"
)

// fakeRunner answers squeue with queue and records every sbatch script.
type fakeRunner struct {
	queue     []string
	scripts   []string
	calls     [][]string
	sbatchErr error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	switch name {
	case "squeue":
		return []byte(strings.Join(f.queue, "\n") + "\n"), nil
	case "sbatch":
		b, err := os.ReadFile(args[0])
		if err != nil {
			return nil, err
		}
		f.scripts = append(f.scripts, string(b))
		return []byte("Submitted batch job 1234\n"), f.sbatchErr
	}
	return nil, errors.New("unexpected command " + name)
}

// writingPipeline creates the job output, or fails with err.
type writingPipeline struct {
	jobs []Job
	err  error
}

func (p *writingPipeline) Process(_ context.Context, job Job) error {
	p.jobs = append(p.jobs, job)
	if p.err != nil {
		return p.err
	}
	return os.WriteFile(job.Output, []byte("events"), 0644)
}

func newRun() *models.Run {
	run := &models.Run{Name: "170101_1200", Number: 3, Detector: "tpc", Data: []models.DataLocation{{
		Type: models.TypeRaw, Host: host, Status: models.StatusTransferred, Location: "/raw/170101_1200", Checksum: "01",
	}}}
	run.Reader.SelfTrigger = true
	run.Reader.Ini.WriteMode = 2
	run.Trigger.EventsBuilt = 10
	return run
}

type fixture struct {
	store *rundbtest.Store
	id    rundb.RunID
	cfg   *config.Config
	dir   string
}

func newFixture(t *testing.T, run *models.Run) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewConfig()
	cfg.Agent.Hostname = host
	cfg.Hosts[host] = &config.HostConfig{Name: host, DirProcessed: dir}
	store := rundbtest.New()
	return &fixture{store: store, id: store.Put(run), cfg: cfg, dir: dir}
}

func (f *fixture) each(t *testing.T, d daemon.Duty) error {
	t.Helper()
	run, err := f.store.LoadRun(context.Background(), f.id)
	if err != nil {
		t.Fatal(err)
	}
	rc := &daemon.RunContext{
		Run:     run,
		Store:   f.store,
		Machine: lifecycle.New(f.store, host, nil),
		Config:  f.cfg,
		Host:    host,
		Log:     logging.NewNop(),
	}
	return d.Each(context.Background(), rc)
}

func (f *fixture) processed() *models.DataLocation {
	for _, loc := range f.store.Get(f.id).Data {
		if loc.Type == models.TypeProcessed {
			return &loc
		}
	}
	return nil
}

func options() Options {
	return Options{Host: host, Version: version, Command: command, NCPUs: 2, MaxQueue: 5, Algorithm: checksum.SHA256}
}

func TestJob(t *testing.T) {
	p := New(options(), nil, nil)

	tests := []struct {
		name        string
		mutate      func(r *models.Run)
		wantOutput  string
		wantProfile string
	}{
		{name: "self trigger", mutate: func(*models.Run) {}, wantOutput: "/out/170101_1200.root", wantProfile: "XENON1T"},
		{name: "led", mutate: func(r *models.Run) { r.Reader.SelfTrigger = false }, wantOutput: "/out/170101_1200.root", wantProfile: "XENON1T_LED"},
		{name: "muon veto", mutate: func(r *models.Run) { r.Detector = "muon_veto" }, wantOutput: "/out/170101_1200_MV.root", wantProfile: "XENON1T_MV"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun()
			tt.mutate(run)
			job := p.job(run, "/raw/170101_1200", "/out")
			if job.Output != tt.wantOutput || job.Profile != tt.wantProfile {
				t.Errorf("job = %+v", job)
			}
			want := []string{"paxer", "--input", "/raw/170101_1200", "--output", tt.wantOutput, "--config", tt.wantProfile, "--cpus", "2"}
			if diff := cmp.Diff(want, job.Argv); diff != "" {
				t.Errorf("argv mismatch (-want +got):\n%s", diff)
			}
			if job.Name != "170101_1200_"+version {
				t.Errorf("job name = %q", job.Name)
			}
		})
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"/data/raw/run1": "/data/raw/run1",
		"a b":            "'a b'",
		"it's":           `'it'\''s'`,
		"":               "''",
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlurmQueue(t *testing.T) {
	r := &fakeRunner{queue: []string{"a_v1", "  b_v1  ", ""}}
	s, err := NewSlurm(r, "")
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.QueueLength(context.Background())
	if err != nil || n != 2 {
		t.Errorf("QueueLength() = %d, %v, want 2", n, err)
	}
	ok, err := s.Queued(context.Background(), "b_v1")
	if err != nil || !ok {
		t.Errorf("Queued(b_v1) = %v, %v", ok, err)
	}
	ok, _ = s.Queued(context.Background(), "c_v1")
	if ok {
		t.Errorf("Queued(c_v1) = true")
	}
}

func TestSlurmCustomTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.tmpl")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n# {{.Run}} {{.Number}}\n{{.Command}}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := NewSlurm(&fakeRunner{}, path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Render(Job{Run: "r1", Number: 9, Argv: []string{"echo", "a b"}})
	if err != nil {
		t.Fatal(err)
	}
	if want := "#!/bin/sh\n# r1 9\necho 'a b'\n"; string(got) != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}

	if _, err := NewSlurm(&fakeRunner{}, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing template accepted")
	}
}

func TestProcessorSlurmLifecycle(t *testing.T) {
	f := newFixture(t, newRun())
	r := &fakeRunner{}
	s, err := NewSlurm(r, "")
	if err != nil {
		t.Fatal(err)
	}
	s.ScriptDir = t.TempDir()
	p := New(options(), s, nil)

	// Submit.
	if err := f.each(t, p); err != nil {
		t.Fatalf("submit pass: %v", err)
	}
	if len(r.scripts) != 1 {
		t.Fatalf("scripts submitted = %d, want 1", len(r.scripts))
	}
	for _, want := range []string{"#SBATCH --job-name=170101_1200_" + version, "--cpus-per-task=2", "paxer --input /raw/170101_1200"} {
		if !strings.Contains(r.scripts[0], want) {
			t.Errorf("script missing %q:\n%s", want, r.scripts[0])
		}
	}
	entries, _ := os.ReadDir(s.ScriptDir)
	if len(entries) != 0 {
		t.Errorf("batch script left behind: %v", entries)
	}
	loc := f.processed()
	output := filepath.Join(f.dir, "pax_"+version, "170101_1200.root")
	if loc == nil || loc.Status != models.StatusTransferring || loc.Location != output || loc.PaxVersion != version {
		t.Fatalf("processed location = %+v", loc)
	}

	// Still queued.
	r.queue = []string{"170101_1200_" + version}
	if err := f.each(t, p); err != nil {
		t.Fatal(err)
	}
	if len(r.scripts) != 1 || f.processed().Status != models.StatusTransferring {
		t.Fatalf("queued job was touched")
	}

	// Finished.
	r.queue = nil
	if err := os.WriteFile(output, []byte("events"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.each(t, p); err != nil {
		t.Fatalf("collect pass: %v", err)
	}
	loc = f.processed()
	want, _ := checksum.Compute(context.Background(), output, checksum.SHA256)
	if loc.Status != models.StatusTransferred || loc.Checksum != want {
		t.Errorf("processed location after collect = %+v", loc)
	}
}

func TestQueuedJobSurvivesStaleSweep(t *testing.T) {
	f := newFixture(t, newRun())
	output := filepath.Join(f.dir, "pax_"+version, "170101_1200.root")
	run := f.store.Get(f.id)
	run.Data = append(run.Data, models.DataLocation{
		Type: models.TypeProcessed, Host: host, Status: models.StatusTransferring,
		Location: output, PaxVersion: version, CreationTime: time.Now().Add(-7 * time.Hour),
	})
	f.id = f.store.Put(run)

	r := &fakeRunner{queue: []string{"170101_1200_" + version}}
	s, err := NewSlurm(r, "")
	if err != nil {
		t.Fatal(err)
	}
	s.ScriptDir = t.TempDir()
	p := New(options(), s, nil)

	stale := reconcile.NewStale(&alert.Recorder{})
	stale.Busy = p.Busy
	if err := f.each(t, stale); err != nil {
		t.Fatalf("stale pass: %v", err)
	}
	if loc := f.processed(); loc == nil || loc.Status != models.StatusTransferring {
		t.Fatalf("queued job's record after stale pass = %+v", loc)
	}

	// Without the busy check the record goes; the finished output is then
	// recorded instead of submitting the job again.
	if err := f.each(t, reconcile.NewStale(&alert.Recorder{})); err != nil {
		t.Fatalf("stale pass without busy check: %v", err)
	}
	if loc := f.processed(); loc != nil {
		t.Fatalf("record kept = %+v", loc)
	}
	r.queue = nil
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(output, []byte("events"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.each(t, p); err != nil {
		t.Fatalf("process pass: %v", err)
	}
	if len(r.scripts) != 0 {
		t.Errorf("job submitted %d times, want 0", len(r.scripts))
	}
	want, _ := checksum.Compute(context.Background(), output, checksum.SHA256)
	if loc := f.processed(); loc == nil || loc.Status != models.StatusTransferred || loc.Checksum != want {
		t.Errorf("processed location = %+v", loc)
	}
}

func TestProcessorBusy(t *testing.T) {
	run := newRun()
	s, _ := NewSlurm(&fakeRunner{queue: []string{"170101_1200_" + version}}, "")
	processed := models.DataLocation{Type: models.TypeProcessed, Host: host, Status: models.StatusTransferring, PaxVersion: version}

	tests := []struct {
		name string
		p    *Processor
		loc  models.DataLocation
		want bool
	}{
		{name: "queued job", p: New(options(), s, nil), loc: processed, want: true},
		{name: "raw location", p: New(options(), s, nil), loc: run.Data[0]},
		{name: "other version", p: New(options(), s, nil), loc: func() models.DataLocation { l := processed; l.PaxVersion = "v6.9.0"; return l }()},
		{name: "inline pipeline", p: New(options(), nil, &writingPipeline{}), loc: processed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.Busy(context.Background(), run, tt.loc)
			if err != nil || got != tt.want {
				t.Errorf("Busy() = %v, %v, want %v", got, err, tt.want)
			}
		})
	}
}

func TestProcessorSlurmJobWithoutOutput(t *testing.T) {
	run := newRun()
	run.Data = append(run.Data, models.DataLocation{
		Type: models.TypeProcessed, Host: host, Status: models.StatusTransferring,
		Location: "/nowhere/170101_1200.root", PaxVersion: version,
	})
	f := newFixture(t, run)
	s, _ := NewSlurm(&fakeRunner{}, "")

	if err := f.each(t, New(options(), s, nil)); err == nil {
		t.Fatal("missing output not reported")
	}
	if got := f.processed().Status; got != models.StatusError {
		t.Errorf("status = %s, want error", got)
	}
}

func TestProcessorQueueFull(t *testing.T) {
	f := newFixture(t, newRun())
	r := &fakeRunner{queue: []string{"a", "b", "c", "d", "e", "f"}}
	s, _ := NewSlurm(r, "")

	if err := f.each(t, New(options(), s, nil)); err != nil {
		t.Fatal(err)
	}
	if len(r.scripts) != 0 || f.processed() != nil {
		t.Errorf("submitted with a full queue")
	}
}

func TestProcessorInline(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus models.Status
	}{
		{name: "success", wantStatus: models.StatusTransferred},
		{name: "pipeline failure", err: errors.New("exit status 1"), wantStatus: models.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, newRun())
			pipe := &writingPipeline{err: tt.err}
			err := f.each(t, New(options(), nil, pipe))
			if (err != nil) != (tt.err != nil) {
				t.Fatalf("Each() error = %v", err)
			}
			if len(pipe.jobs) != 1 {
				t.Fatalf("pipeline ran %d times", len(pipe.jobs))
			}
			loc := f.processed()
			if loc == nil || loc.Status != tt.wantStatus {
				t.Fatalf("processed location = %+v, want %s", loc, tt.wantStatus)
			}
			if tt.wantStatus == models.StatusTransferred && !loc.HasChecksum() {
				t.Errorf("no checksum recorded")
			}
		})
	}
}

func TestProcessorPreconditions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.Run)
	}{
		{name: "donotprocess tag", mutate: func(r *models.Run) { r.Tags = []models.Tag{{Name: "donotprocess"}} }},
		{name: "write mode", mutate: func(r *models.Run) { r.Reader.Ini.WriteMode = 1 }},
		{name: "no events", mutate: func(r *models.Run) { r.Trigger.EventsBuilt = 0 }},
		{name: "raw not finished", mutate: func(r *models.Run) { r.Data[0].Status = models.StatusVerifying }},
		{name: "raw elsewhere", mutate: func(r *models.Run) { r.Data[0].Host = "other" }},
		{name: "already processed", mutate: func(r *models.Run) {
			r.Data = append(r.Data, models.DataLocation{Type: models.TypeProcessed, Host: host, Status: models.StatusTransferred, PaxVersion: version, Location: "/p"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun()
			tt.mutate(run)
			f := newFixture(t, run)
			pipe := &writingPipeline{}
			if err := f.each(t, New(options(), nil, pipe)); err != nil {
				t.Fatal(err)
			}
			if len(pipe.jobs) != 0 || f.store.Writes != 0 {
				t.Errorf("processed a run that does not qualify")
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Processing.Scheduler = "local"
	p, err := FromConfig(cfg, &fakeRunner{})
	if err != nil {
		t.Fatal(err)
	}
	if p.scheduler != nil || p.pipeline == nil {
		t.Errorf("local scheduler not honoured")
	}

	cfg.Processing.Scheduler = "slurm"
	p, err = FromConfig(cfg, &fakeRunner{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.scheduler.(*Slurm); !ok {
		t.Errorf("scheduler = %T, want *Slurm", p.scheduler)
	}
}
