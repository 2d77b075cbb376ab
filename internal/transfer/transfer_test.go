package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/runsync/runsync/internal/checksum"
	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/lifecycle"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
	"github.com/runsync/runsync/internal/rundb/rundbtest"
	"github.com/runsync/runsync/internal/transport"
)

const runName = "170101_1200"

type site struct {
	root  string
	cfg   *config.Config
	store *rundbtest.Store
	id    rundb.RunID
	src   string
}

// newSite builds hosts A and B sharing a filesystem, with a raw copy of one
// run finished on A.
func newSite(t *testing.T) *site {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "A", "raw", runName)
	for name, body := range map[string]string{"000000.zip": "chunk 0", "000001.zip": "chunk 1"} {
		if err := os.MkdirAll(src, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(src, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	digest, err := checksum.Compute(context.Background(), src, checksum.SHA512)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.NewConfig()
	cfg.Agent.Hostname = "B"
	cfg.Hosts["A"] = &config.HostConfig{Name: "A", Method: "local", DirRaw: filepath.Join(root, "A", "raw")}
	cfg.Hosts["B"] = &config.HostConfig{Name: "B", Method: "local", DirRaw: filepath.Join(root, "B", "raw"), DownloadOptions: []string{"A"}}

	store := rundbtest.New()
	id := store.Put(&models.Run{Name: runName, Number: 4242, Start: time.Now(), Data: []models.DataLocation{{
		Type: models.TypeRaw, Host: "A", Status: models.StatusTransferred, Location: src, Checksum: digest,
	}}})
	return &site{root: root, cfg: cfg, store: store, id: id, src: src}
}

func (s *site) cycle(t *testing.T, host string, duties ...daemon.Duty) error {
	t.Helper()
	cfg := s.cfg.WithOverrides(config.Overrides{Hostname: host})
	machine := lifecycle.New(s.store, host, nil)
	return daemon.NewAgent(cfg, s.store, machine, duties, nil, nil).RunCycle(context.Background())
}

func (s *site) location(t *testing.T, host string) *models.DataLocation {
	t.Helper()
	for _, loc := range s.store.Get(s.id).Data {
		if loc.Host == host {
			l := loc
			return &l
		}
	}
	return nil
}

func options(host string, f transport.Factory) Options {
	if f == nil {
		f = transport.NewFactory(transport.Options{})
	}
	return Options{Host: host, Transports: f, Algorithm: checksum.SHA512}
}

func TestPullFromRemote(t *testing.T) {
	s := newSite(t)
	pull := NewPull(options("B", nil))

	if err := s.cycle(t, "B", pull); err != nil {
		t.Fatalf("first pass error = %v", err)
	}
	got := s.location(t, "B")
	if got == nil {
		t.Fatal("no location recorded for B")
	}
	a := s.location(t, "A")
	want := models.DataLocation{
		Type:          models.TypeRaw,
		Host:          "B",
		Status:        models.StatusTransferred,
		Location:      filepath.Join(s.root, "B", "raw", runName),
		Checksum:      a.Checksum,
		CreationPlace: "B",
	}
	got.CreationTime = time.Time{}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("B location mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(want.Location, "000001.zip")); err != nil {
		t.Errorf("artifact not copied: %v", err)
	}

	writes := s.store.Writes
	if err := s.cycle(t, "B", pull); err != nil {
		t.Fatalf("second pass error = %v", err)
	}
	if s.store.Writes != writes {
		t.Errorf("second pass wrote %d times, want 0", s.store.Writes-writes)
	}
}

func TestPushThenRemoteVerifies(t *testing.T) {
	s := newSite(t)
	s.cfg.Hosts["A"].UploadOptions = []string{"B"}
	s.cfg.Hosts["B"].DownloadOptions = nil

	if err := s.cycle(t, "A", NewPush(options("A", nil))); err != nil {
		t.Fatalf("push error = %v", err)
	}
	b := s.location(t, "B")
	if b == nil || b.Status != models.StatusVerifying {
		t.Fatalf("B location after push = %+v, want verifying", b)
	}

	if err := s.cycle(t, "B", NewVerifier(checksum.SHA512)); err != nil {
		t.Fatalf("verify error = %v", err)
	}
	b = s.location(t, "B")
	if b.Status != models.StatusTransferred || b.Checksum != s.location(t, "A").Checksum {
		t.Errorf("B location after verify = %+v", b)
	}

	// A second push sees B's copy and does nothing.
	writes := s.store.Writes
	if err := s.cycle(t, "A", NewPush(options("A", nil))); err != nil {
		t.Fatal(err)
	}
	if s.store.Writes != writes {
		t.Errorf("repeated push wrote %d times", s.store.Writes-writes)
	}
}

type failingTransport struct{ err error }

func (f failingTransport) Method() string { return "local" }

func (f failingTransport) Push(context.Context, string, transport.Endpoint, string) error {
	return &transport.Error{Method: "local", Op: "push", Err: f.err}
}

func (f failingTransport) Pull(context.Context, transport.Endpoint, string, string) error {
	return &transport.Error{Method: "local", Op: "pull", Err: f.err}
}

func TestPullTransportFailureMarksError(t *testing.T) {
	s := newSite(t)
	factory := func(string) (transport.Transport, error) {
		return failingTransport{err: errors.New("connection reset")}, nil
	}
	pull := NewPull(options("B", factory))

	err := s.cycle(t, "B", pull)
	if !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("cycle error = %v, want ErrTransport", err)
	}
	b := s.location(t, "B")
	if b == nil || b.Status != models.StatusError {
		t.Fatalf("B location = %+v, want error", b)
	}
	if !strings.Contains(b.Error, "connection reset") {
		t.Errorf("B location error = %q, want the transport failure", b.Error)
	}

	// The error record blocks another attempt until it is reconciled.
	writes := s.store.Writes
	if err := s.cycle(t, "B", pull); err != nil {
		t.Fatalf("second pass error = %v", err)
	}
	if s.store.Writes != writes {
		t.Errorf("errored location was retried")
	}
}

// countingTransport counts the copies it is asked for.
type countingTransport struct {
	transport.Transport
	pushes, pulls int
}

func (c *countingTransport) Push(ctx context.Context, local string, ep transport.Endpoint, remote string) error {
	c.pushes++
	return c.Transport.Push(ctx, local, ep, remote)
}

func (c *countingTransport) Pull(ctx context.Context, ep transport.Endpoint, remote, local string) error {
	c.pulls++
	return c.Transport.Pull(ctx, ep, remote, local)
}

func TestDryRunCopiesNothing(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		upload bool
	}{
		{name: "pull", host: "B"},
		{name: "push", host: "A", upload: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSite(t)
			counter := &countingTransport{Transport: transport.NewLocal(transport.Options{})}
			factory := func(string) (transport.Transport, error) { return counter, nil }
			var duty daemon.Duty = NewPull(options(tt.host, factory))
			if tt.upload {
				s.cfg.Hosts["A"].UploadOptions = []string{"B"}
				s.cfg.Hosts["B"].DownloadOptions = nil
				duty = NewPush(options(tt.host, factory))
			}

			cfg := s.cfg.WithOverrides(config.Overrides{Hostname: tt.host})
			machine := lifecycle.New(s.store, tt.host, nil)
			machine.DryRun = true
			for i := 0; i < 3; i++ {
				if err := daemon.NewAgent(cfg, s.store, machine, []daemon.Duty{duty}, nil, nil).RunCycle(context.Background()); err != nil {
					t.Fatalf("pass %d error = %v", i, err)
				}
			}

			if counter.pushes != 0 || counter.pulls != 0 {
				t.Errorf("dry run copied data: pushes=%d pulls=%d", counter.pushes, counter.pulls)
			}
			if s.store.Writes != 0 {
				t.Errorf("dry run wrote %d times", s.store.Writes)
			}
			if b := s.location(t, "B"); b != nil {
				t.Errorf("dry run recorded %+v", b)
			}
			if _, err := os.Stat(filepath.Join(s.root, "B", "raw", runName)); !os.IsNotExist(err) {
				t.Errorf("dry run left an artifact on B: %v", err)
			}
		})
	}
}

func TestPullChecksumMismatch(t *testing.T) {
	s := newSite(t)
	run := s.store.Get(s.id)
	bad := make([]byte, 128)
	for i := range bad {
		bad[i] = '0'
	}
	run.Data[0].Checksum = string(bad)
	s.store.Put(run)

	err := s.cycle(t, "B", NewPull(options("B", nil)))
	if !errors.Is(err, checksum.ErrMismatch) {
		t.Fatalf("cycle error = %v, want ErrMismatch", err)
	}
	if b := s.location(t, "B"); b.Status != models.StatusError {
		t.Errorf("B status = %s, want error", b.Status)
	}
}

func TestPullSkipsInFlightLocal(t *testing.T) {
	s := newSite(t)
	run := s.store.Get(s.id)
	run.Data = append(run.Data, models.DataLocation{
		Type: models.TypeRaw, Host: "B", Status: models.StatusTransferring, Location: "/elsewhere",
		CreationTime: time.Now().UTC(),
	})
	s.store.Put(run)

	writes := s.store.Writes
	if err := s.cycle(t, "B", NewPull(options("B", nil))); err != nil {
		t.Fatal(err)
	}
	if s.store.Writes != writes {
		t.Errorf("pull started a second attempt")
	}
}

func TestPullConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr error
	}{
		{name: "no method", mutate: func(cfg *config.Config) { cfg.Hosts["A"].Method = "" }, wantErr: config.ErrNoMethod},
		{name: "unknown method", mutate: func(cfg *config.Config) { cfg.Hosts["A"].Method = "telepathy" }, wantErr: config.ErrUnknownMethod},
		{name: "unknown host", mutate: func(cfg *config.Config) { cfg.Hosts["B"].DownloadOptions = []string{"Z"} }, wantErr: config.ErrUnknownHost},
		{name: "no directory", mutate: func(cfg *config.Config) { cfg.Hosts["B"].DirRaw = "" }, wantErr: config.ErrNoDirectory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSite(t)
			tt.mutate(s.cfg)
			err := s.cycle(t, "B", NewPull(options("B", nil)))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("cycle error = %v, want %v", err, tt.wantErr)
			}
			if s.location(t, "B") != nil {
				t.Errorf("location recorded despite configuration error")
			}
		})
	}
}

func TestPullNoOptions(t *testing.T) {
	s := newSite(t)
	s.cfg.Hosts["B"].DownloadOptions = nil
	if err := s.cycle(t, "B", NewPull(options("B", nil))); err != nil {
		t.Fatal(err)
	}
	if s.store.Writes != 0 {
		t.Errorf("writes = %d, want 0", s.store.Writes)
	}
}

func TestPullInsufficientSpace(t *testing.T) {
	s := newSite(t)
	opts := options("B", nil)
	opts.MinFreeBytes = 1 << 60
	if err := s.cycle(t, "B", NewPull(opts)); err != nil {
		t.Fatal(err)
	}
	if s.store.Writes != 0 {
		t.Errorf("download started without free space")
	}
}

func TestVerifierRecordsMissingChecksum(t *testing.T) {
	s := newSite(t)
	run := s.store.Get(s.id)
	run.Data[0].Checksum = ""
	s.store.Put(run)

	if err := s.cycle(t, "A", NewVerifier(checksum.Adler32)); err != nil {
		t.Fatal(err)
	}
	if got := s.location(t, "A").Checksum; len(got) != 8 {
		t.Errorf("checksum = %q, want an adler32 digest", got)
	}
}

func TestDestination(t *testing.T) {
	host := &config.HostConfig{Name: "B", DirRaw: "/data/raw", DirProcessed: "/data/processed"}
	run := &models.Run{Name: runName}
	tests := []struct {
		name string
		src  models.DataLocation
		want string
	}{
		{name: "raw", src: models.DataLocation{Type: models.TypeRaw, Location: "/x/raw/" + runName}, want: "/data/raw/" + runName},
		{name: "processed", src: models.DataLocation{Type: models.TypeProcessed, PaxVersion: "v6.8.0", Location: "/x/pax_v6.8.0/" + runName + ".root"}, want: "/data/processed/pax_v6.8.0/" + runName + ".root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := destination(run, tt.src, host, false)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("destination() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDatasetKeys(t *testing.T) {
	run := &models.Run{Data: []models.DataLocation{
		{Type: models.TypeRaw, Host: "A"},
		{Type: models.TypeProcessed, PaxVersion: "v1", Host: "A"},
		{Type: models.TypeRaw, Host: "B"},
		{Type: models.TypeProcessed, PaxVersion: "v2", Host: "A"},
		{Type: models.TypeUntriggered, Host: "reader"},
	}}
	got := datasetKeys(run, []models.DataType{models.TypeRaw, models.TypeProcessed})
	want := []models.DatasetKey{
		{Type: models.TypeRaw},
		{Type: models.TypeProcessed, PaxVersion: "v1"},
		{Type: models.TypeProcessed, PaxVersion: "v2"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("datasetKeys() mismatch (-want +got):\n%s", diff)
	}
}
