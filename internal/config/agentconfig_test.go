package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/runsync/runsync/internal/models"
)

const sampleINI = `
[agent]
hostname = midway-login1
poll_interval_seconds = 120
tasks = push, pull ,stale
transfer_types = raw,processed
min_replicas = 3
min_free_gb = 1.5

[rundb]
uri = mongodb://eb:%s@host1:27017/run
replica_set = runs

[host.midway-login1]
hostname = midway-login1.rcc.uchicago.edu
method = scp
dir_raw = /project/raw
dir_processed = /project/processed
upload_options = tegner-login-1
download_options = xe1t-datamanager

[host.tegner-login-1]
method = gfal-copy
gfal_server = gsiftp://gridftp.pdc.kth.se/
dir_raw = /cfs/raw

[host.xe1t-datamanager]
method = scp
dir_raw = /data/raw
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.PollInterval() != 60*time.Second {
		t.Errorf("Expected 60s poll interval, got %v", cfg.PollInterval())
	}
	if cfg.StaleTimeout() != 6*time.Hour {
		t.Errorf("Expected 6h stale timeout, got %v", cfg.StaleTimeout())
	}
	if cfg.Agent.MinReplicas != 2 {
		t.Errorf("Expected MinReplicas=2, got %d", cfg.Agent.MinReplicas)
	}
	if !cfg.Agent.DatabaseWrites {
		t.Error("Expected database writes enabled by default")
	}
	if diff := cmp.Diff([]models.DataType{models.TypeRaw}, cfg.TransferTypes()); diff != "" {
		t.Errorf("TransferTypes mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadINI(t *testing.T) {
	t.Setenv("MONGO_PASSWORD", "secret")
	cfg, err := Load(writeConfig(t, "runsync.conf", sampleINI))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Agent.Hostname != "midway-login1" {
		t.Errorf("Expected hostname midway-login1, got %s", cfg.Agent.Hostname)
	}
	if diff := cmp.Diff([]string{"push", "pull", "stale"}, cfg.Agent.Tasks); diff != "" {
		t.Errorf("Tasks mismatch (-want +got):\n%s", diff)
	}
	if cfg.Agent.MinReplicas != 3 {
		t.Errorf("Expected MinReplicas=3, got %d", cfg.Agent.MinReplicas)
	}
	if cfg.MinFreeBytes() != int64(1.5*1024*1024*1024) {
		t.Errorf("Unexpected MinFreeBytes %d", cfg.MinFreeBytes())
	}
	if cfg.RunDB.Password != "secret" {
		t.Errorf("Expected password from environment, got %q", cfg.RunDB.Password)
	}
	if cfg.RunDB.Collection != "runs_new" {
		t.Errorf("Expected default collection, got %s", cfg.RunDB.Collection)
	}

	local, err := cfg.Local()
	if err != nil {
		t.Fatalf("Local failed: %v", err)
	}
	if local.Address() != "midway-login1.rcc.uchicago.edu" {
		t.Errorf("Unexpected address %s", local.Address())
	}
	if diff := cmp.Diff([]string{"tegner-login-1"}, local.Options(true)); diff != "" {
		t.Errorf("UploadOptions mismatch (-want +got):\n%s", diff)
	}
	dir, err := local.Dir(models.TypeProcessed)
	if err != nil || dir != "/project/processed" {
		t.Errorf("Dir(processed) = %q, %v", dir, err)
	}
	if _, err := local.Dir(models.TypeArchive); !errors.Is(err, ErrNoDirectory) {
		t.Errorf("Expected ErrNoDirectory, got %v", err)
	}

	tegner, _ := cfg.Host("tegner-login-1")
	if tegner.Address() != "tegner-login-1" {
		t.Errorf("Expected name fallback address, got %s", tegner.Address())
	}
	if _, err := cfg.Host("nowhere"); !errors.Is(err, ErrUnknownHost) {
		t.Errorf("Expected ErrUnknownHost, got %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	content := `
agent:
  hostname: xe1t-datamanager
  tasks: [pull, verify]
rundb:
  uri: mongodb://localhost/run
hosts:
  xe1t-datamanager:
    method: local
    dir_raw: /data/raw
    download_options: [midway-login1]
  midway-login1:
    method: scp
`
	cfg, err := Load(writeConfig(t, "runsync.yaml", content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.PollInterval() != 60*time.Second {
		t.Errorf("Expected default poll interval, got %v", cfg.PollInterval())
	}
	h, err := cfg.Local()
	if err != nil {
		t.Fatalf("Local failed: %v", err)
	}
	if h.Name != "xe1t-datamanager" {
		t.Errorf("Expected host name from map key, got %q", h.Name)
	}
	if !cfg.TaskEnabled("verify") || cfg.TaskEnabled("push") {
		t.Error("Unexpected task allow-list result")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := NewConfig()
		cfg.Agent.Hostname = "a"
		cfg.RunDB.URI = "mongodb://localhost"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"no hostname", func(c *Config) { c.Agent.Hostname = " " }, ErrMissingHostname},
		{"poll too short", func(c *Config) { c.Agent.PollIntervalSeconds = 1 }, ErrInvalidPollInterval},
		{"replicas", func(c *Config) { c.Agent.MinReplicas = 0 }, ErrInvalidMinReplicas},
		{"stale timeout", func(c *Config) { c.Agent.StaleTimeoutHours = 0 }, ErrInvalidStaleTimeout},
		{"checksum", func(c *Config) { c.Agent.ChecksumAlgorithm = "md5" }, ErrInvalidChecksum},
		{"transfer type", func(c *Config) { c.Agent.TransferTypes = []string{"cooked"} }, ErrInvalidTransferType},
		{"no uri", func(c *Config) { c.RunDB.URI = "" }, ErrMissingRunDBURI},
		{"processing version", func(c *Config) { c.Processing.Enabled = true }, ErrMissingProcessingVer},
		{"scheduler", func(c *Config) {
			c.Processing.Enabled = true
			c.Processing.Version = "v1"
			c.Processing.Scheduler = "pbs"
		}, ErrInvalidScheduler},
		{"proxy mode", func(c *Config) { c.Proxy.Mode = "socks" }, ErrInvalidProxyMode},
		{"ntlm without url", func(c *Config) { c.Proxy.Mode = "ntlm" }, ErrMissingProxyURL},
		{"basic proxy", func(c *Config) {
			c.Proxy.Mode = "basic"
			c.Proxy.URL = "proxy.example.org"
		}, nil},
		{"dangling option", func(c *Config) {
			c.Hosts["a"] = &HostConfig{Name: "a", UploadOptions: []string{"b"}}
		}, ErrUnknownHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadProxyAndLocalPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RUNSYNC_PROXY_PASSWORD", "hunter2")

	content := sampleINI + `
[proxy]
mode = ntlm
url = proxy.example.org:3128
user = DOMAIN\eb
no_proxy = localhost,.cluster

[host.midway-login1]
identity_file = ~/.ssh/id_runsync
`
	content = strings.Replace(content, "min_free_gb = 1.5", "min_free_gb = 1.5\nstate_file = ~/runsync/state.json", 1)

	cfg, err := Load(writeConfig(t, "runsync.conf", content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	want := ProxyConfig{
		Mode:     "ntlm",
		URL:      "proxy.example.org:3128",
		User:     `DOMAIN\eb`,
		NoProxy:  "localhost,.cluster",
		Password: "hunter2",
	}
	if diff := cmp.Diff(want, cfg.Proxy); diff != "" {
		t.Errorf("Proxy mismatch (-want +got):\n%s", diff)
	}

	if got := cfg.StatePath(); got != filepath.Join(home, "runsync", "state.json") {
		t.Errorf("StatePath() = %q", got)
	}
	if got := cfg.PIDPath(); got != filepath.Join(home, "runsync", "runsync.pid") {
		t.Errorf("PIDPath() = %q", got)
	}
	local, _ := cfg.Local()
	if local.IdentityFile != filepath.Join(home, ".ssh", "id_runsync") {
		t.Errorf("IdentityFile = %q", local.IdentityFile)
	}
	if local.DirRaw != "/project/raw" {
		t.Errorf("DirRaw = %q", local.DirRaw)
	}
}

func TestWithOverrides(t *testing.T) {
	cfg := NewConfig()
	cfg.Agent.Hostname = "a"

	o := cfg.WithOverrides(Overrides{Hostname: "b", DryRun: true, Tasks: []string{"stale"}, PollInterval: 10 * time.Second})
	if o.Agent.Hostname != "b" || o.Agent.DatabaseWrites || o.PollInterval() != 10*time.Second {
		t.Errorf("Overrides not applied: %+v", o.Agent)
	}
	if cfg.Agent.Hostname != "a" || !cfg.Agent.DatabaseWrites {
		t.Error("WithOverrides mutated the original config")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv("MONGO_PASSWORD", "")
	original, err := Load(writeConfig(t, "in.conf", sampleINI))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "sub", "runsync.conf")
	if err := SaveConfig(original, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected 0600 permissions, got %o", perm)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if diff := cmp.Diff(original, reloaded); diff != "" {
		t.Errorf("Round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDumpRedactsSecrets(t *testing.T) {
	cfg := NewConfig()
	cfg.Hosts["blob"] = &HostConfig{Name: "blob", Method: "azure", AzureSASURL: "https://x.blob.core.windows.net/c?sig=secret"}

	out, err := Dump(cfg)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if strings.Contains(string(out), "sig=secret") {
		t.Errorf("Dump leaked the SAS token:\n%s", out)
	}
	if cfg.Hosts["blob"].AzureSASURL == "<redacted>" {
		t.Error("Dump mutated the config")
	}
}
