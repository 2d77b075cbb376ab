// Package config loads the per-host agent configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/runsync/runsync/internal/constants"
	"github.com/runsync/runsync/internal/models"
)

// Config is the immutable agent configuration, built once at startup.
//
// INI format:
//
//	[agent]
//	hostname = midway-login1
//	poll_interval_seconds = 60
//	database_writes = true
//	tasks = push,pull,verify,stale,integrity
//	transfer_types = raw
//	stale_timeout_hours = 6
//	min_replicas = 2
//
//	[rundb]
//	uri = mongodb://eb:%s@host1:27017,host2:27017/run
//	replica_set = runs
//	read_preference = secondaryPreferred
//
//	[host.midway-login1]
//	method = scp
//	dir_raw = /project/xenon1t/raw
//	upload_options = tegner-login-1
//	download_options = xe1t-datamanager
type Config struct {
	Agent      AgentConfig            `yaml:"agent"`
	RunDB      RunDBConfig            `yaml:"rundb"`
	Alerts     AlertConfig            `yaml:"alerts"`
	Processing ProcessingConfig       `yaml:"processing"`
	Proxy      ProxyConfig            `yaml:"proxy"`
	Hosts      map[string]*HostConfig `yaml:"hosts"`
}

// AgentConfig contains settings of the local agent.
type AgentConfig struct {
	// Hostname is the identity this agent owns locations as.
	// Default: short form of the machine hostname
	Hostname string `yaml:"hostname"`

	// PollIntervalSeconds is the pause between two full passes.
	// Minimum: 5, Maximum: 86400, Default: 60
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// DatabaseWrites disables every record store write when false.
	DatabaseWrites bool `yaml:"database_writes"`

	// Tasks is the duty allow-list; empty runs every duty.
	Tasks []string `yaml:"tasks"`

	// Datasets restricts the agent to these run names; empty means all.
	Datasets []string `yaml:"datasets"`

	// TransferTypes lists the data categories moved between hosts.
	// Default: raw
	TransferTypes []string `yaml:"transfer_types"`

	// StaleTimeoutHours is how long an unfinished location may sit idle.
	// Default: 6
	StaleTimeoutHours float64 `yaml:"stale_timeout_hours"`

	// MinReplicas is the number of other verified copies required before a
	// local copy may be deleted. Default: 2
	MinReplicas int `yaml:"min_replicas"`

	// ChecksumAlgorithm is the digest recorded for new copies.
	// Default: sha512
	ChecksumAlgorithm string `yaml:"checksum_algorithm"`

	// MinFreeGB is the free space required before a download starts; 0 disables.
	MinFreeGB float64 `yaml:"min_free_gb"`

	// BufferOwner is the host that clears DAQ buffers, BufferHost the host
	// the buffer locations are recorded on.
	BufferOwner string `yaml:"buffer_owner"`
	BufferHost  string `yaml:"buffer_host"`

	StateFile string `yaml:"state_file"`
	LogFile   string `yaml:"log_file"`
}

// RunDBConfig contains the record store connection.
type RunDBConfig struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	Collection     string `yaml:"collection"`
	ReplicaSet     string `yaml:"replica_set"`
	ReadPreference string `yaml:"read_preference"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// Password is taken from the environment, never from the file.
	Password string `yaml:"-"`
}

// AlertConfig contains alert delivery settings.
type AlertConfig struct {
	// WebhookURL receives a JSON POST per alert when set.
	WebhookURL string `yaml:"webhook_url"`
}

// ProcessingConfig contains the processing duty settings.
type ProcessingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Version is the processing software version recorded as pax_version.
	Version string `yaml:"version"`

	// Scheduler is "slurm" or "local".
	Scheduler string `yaml:"scheduler"`

	// Command is the pipeline argv template with {input} {output} {profile}.
	Command string `yaml:"command"`

	// ScriptTemplate is a batch script template path; empty uses the built-in one.
	ScriptTemplate string `yaml:"script_template"`

	MaxQueue int    `yaml:"max_queue"`
	NCPUs    int    `yaml:"ncpus"`
	Profile  string `yaml:"profile"`
}

// ProxyConfig contains the outbound proxy used by the object store transports
// and the alert webhook.
type ProxyConfig struct {
	// Mode is "system" (HTTP(S)_PROXY from the environment), "none",
	// "basic" or "ntlm". Default: system
	Mode    string `yaml:"mode"`
	URL     string `yaml:"url"`
	User    string `yaml:"user"`
	NoProxy string `yaml:"no_proxy"`

	// Password is taken from the environment, never from the file.
	Password string `yaml:"-"`
}

// HostConfig describes one agent site.
type HostConfig struct {
	// Name is the host identity used in location records.
	Name string `yaml:"-"`

	// Hostname is the network address used by transports.
	Hostname     string `yaml:"hostname"`
	Username     string `yaml:"username"`
	Method       string `yaml:"method"`
	Port         int    `yaml:"port"`
	IdentityFile string `yaml:"identity_file"`

	DirRaw         string `yaml:"dir_raw"`
	DirProcessed   string `yaml:"dir_processed"`
	DirUntriggered string `yaml:"dir_untriggered"`
	DirArchive     string `yaml:"dir_archive"`

	// UploadOptions and DownloadOptions name the hosts this host pushes to
	// and pulls from.
	UploadOptions   []string `yaml:"upload_options"`
	DownloadOptions []string `yaml:"download_options"`

	GfalServer string `yaml:"gfal_server"`
	NStreams   int    `yaml:"nstreams"`
	GridCert   string `yaml:"grid_cert"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`

	// S3AccessKey and S3SecretKey are optional static credentials; when empty
	// the default AWS credential chain is used.
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`

	AzureSASURL    string `yaml:"azure_sas_url"`
	AzureContainer string `yaml:"azure_container"`
}

// Validation and lookup errors
var (
	ErrMissingHostname      = errors.New("agent hostname is required")
	ErrInvalidPollInterval  = errors.New("poll_interval_seconds must be between 5 and 86400")
	ErrInvalidMinReplicas   = errors.New("min_replicas must be at least 1")
	ErrInvalidStaleTimeout  = errors.New("stale_timeout_hours must be positive")
	ErrInvalidChecksum      = errors.New("checksum_algorithm must be adler32, sha256 or sha512")
	ErrInvalidTransferType  = errors.New("unknown transfer type")
	ErrMissingRunDBURI      = errors.New("rundb uri is required")
	ErrInvalidScheduler     = errors.New("processing scheduler must be slurm or local")
	ErrMissingProcessingVer = errors.New("processing version is required when processing is enabled")
	ErrInvalidProxyMode     = errors.New("proxy mode must be system, none, basic or ntlm")
	ErrMissingProxyURL      = errors.New("proxy url is required for basic and ntlm modes")

	// ErrUnknownHost means a host name has no [host.<name>] section.
	ErrUnknownHost = errors.New("unknown host")

	// ErrNoMethod means a host has no transfer method configured.
	ErrNoMethod = errors.New("no transfer method configured")

	// ErrUnknownMethod means a host's method is not a supported transport.
	ErrUnknownMethod = errors.New("unknown transfer method")

	// ErrNoDirectory means a host has no directory for a data type.
	ErrNoDirectory = errors.New("no directory configured")
)

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Hostname:            DefaultHostname(),
			PollIntervalSeconds: int(constants.DefaultPollInterval / time.Second),
			DatabaseWrites:      true,
			TransferTypes:       []string{string(models.TypeRaw)},
			StaleTimeoutHours:   constants.DefaultStaleTimeout.Hours(),
			MinReplicas:         constants.DefaultMinReplicas,
			ChecksumAlgorithm:   constants.DefaultChecksumAlgorithm,
			BufferOwner:         "eb0",
			BufferHost:          "reader",
		},
		RunDB: RunDBConfig{
			Database:       constants.DefaultDatabase,
			Collection:     constants.DefaultCollection,
			ReadPreference: "secondaryPreferred",
			TimeoutSeconds: int(constants.DefaultStoreTimeout / time.Second),
		},
		Processing: ProcessingConfig{
			Scheduler: "slurm",
			MaxQueue:  constants.DefaultMaxQueue,
			NCPUs:     1,
		},
		Proxy: ProxyConfig{Mode: "system"},
		Hosts: map[string]*HostConfig{},
	}
}

// DefaultHostname returns the short form of the machine hostname.
func DefaultHostname() string {
	name := os.Getenv("HOSTNAME")
	if name == "" {
		name, _ = os.Hostname()
	}
	if i := strings.Index(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}

// Validate checks the configuration for values the agent cannot run with.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Agent.Hostname) == "" {
		return ErrMissingHostname
	}
	interval := cfg.PollInterval()
	if interval < constants.MinPollInterval || interval > constants.MaxPollInterval {
		return ErrInvalidPollInterval
	}
	if cfg.Agent.MinReplicas < 1 {
		return ErrInvalidMinReplicas
	}
	if cfg.Agent.StaleTimeoutHours <= 0 {
		return ErrInvalidStaleTimeout
	}
	switch strings.ToLower(cfg.Agent.ChecksumAlgorithm) {
	case "adler32", "sha256", "sha512":
	default:
		return ErrInvalidChecksum
	}
	for _, t := range cfg.Agent.TransferTypes {
		if _, err := models.ParseDataType(t); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidTransferType, t)
		}
	}
	if strings.TrimSpace(cfg.RunDB.URI) == "" {
		return ErrMissingRunDBURI
	}
	if cfg.Processing.Enabled {
		if cfg.Processing.Version == "" {
			return ErrMissingProcessingVer
		}
		if cfg.Processing.Scheduler != "slurm" && cfg.Processing.Scheduler != "local" {
			return ErrInvalidScheduler
		}
	}
	switch strings.ToLower(cfg.Proxy.Mode) {
	case "", "system", "none":
	case "basic", "ntlm":
		if cfg.Proxy.URL == "" {
			return ErrMissingProxyURL
		}
	default:
		return ErrInvalidProxyMode
	}
	for _, name := range cfg.HostNames() {
		h := cfg.Hosts[name]
		for _, other := range append(append([]string{}, h.UploadOptions...), h.DownloadOptions...) {
			if _, ok := cfg.Hosts[other]; !ok {
				return fmt.Errorf("host %s references %q: %w", name, other, ErrUnknownHost)
			}
		}
	}
	return nil
}

// PollInterval returns the pause between passes.
func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.Agent.PollIntervalSeconds) * time.Second
}

// StaleTimeout returns the idle time after which a transfer is stalled.
func (cfg *Config) StaleTimeout() time.Duration {
	return time.Duration(cfg.Agent.StaleTimeoutHours * float64(time.Hour))
}

// StoreTimeout returns the per operation record store deadline.
func (cfg *Config) StoreTimeout() time.Duration {
	if cfg.RunDB.TimeoutSeconds <= 0 {
		return constants.DefaultStoreTimeout
	}
	return time.Duration(cfg.RunDB.TimeoutSeconds) * time.Second
}

// MinFreeBytes returns the free space required before a download.
func (cfg *Config) MinFreeBytes() int64 {
	return int64(cfg.Agent.MinFreeGB * 1024 * 1024 * 1024)
}

// HostNames returns the configured host names in sorted order.
func (cfg *Config) HostNames() []string {
	names := make([]string, 0, len(cfg.Hosts))
	for name := range cfg.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Host returns the entry for name.
func (cfg *Config) Host(name string) (*HostConfig, error) {
	h, ok := cfg.Hosts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	return h, nil
}

// Local returns the entry of the host this agent runs as.
func (cfg *Config) Local() (*HostConfig, error) {
	return cfg.Host(cfg.Agent.Hostname)
}

// TransferTypes returns the configured transfer categories.
func (cfg *Config) TransferTypes() []models.DataType {
	out := make([]models.DataType, 0, len(cfg.Agent.TransferTypes))
	for _, t := range cfg.Agent.TransferTypes {
		if dt, err := models.ParseDataType(t); err == nil {
			out = append(out, dt)
		}
	}
	return out
}

// TaskEnabled reports whether a duty is on the allow-list.
func (cfg *Config) TaskEnabled(name string) bool {
	if len(cfg.Agent.Tasks) == 0 {
		return true
	}
	for _, t := range cfg.Agent.Tasks {
		if t == name {
			return true
		}
	}
	return false
}

// Overrides are command line values applied on top of the file.
type Overrides struct {
	Hostname     string
	DryRun       bool
	Tasks        []string
	PollInterval time.Duration
	LogFile      string
}

// WithOverrides returns a copy of cfg with o applied.
func (cfg *Config) WithOverrides(o Overrides) *Config {
	c := *cfg
	if o.Hostname != "" {
		c.Agent.Hostname = o.Hostname
	}
	if o.DryRun {
		c.Agent.DatabaseWrites = false
	}
	if len(o.Tasks) > 0 {
		c.Agent.Tasks = append([]string(nil), o.Tasks...)
	}
	if o.PollInterval > 0 {
		c.Agent.PollIntervalSeconds = int(o.PollInterval / time.Second)
	}
	if o.LogFile != "" {
		c.Agent.LogFile = o.LogFile
	}
	return &c
}

// TransferMethod returns the host's transport method.
func (h *HostConfig) TransferMethod() (string, error) {
	if h.Method == "" {
		return "", fmt.Errorf("host %s: %w", h.Name, ErrNoMethod)
	}
	return h.Method, nil
}

// Dir returns the host's directory for a data type.
func (h *HostConfig) Dir(t models.DataType) (string, error) {
	var dir string
	switch t {
	case models.TypeRaw:
		dir = h.DirRaw
	case models.TypeProcessed:
		dir = h.DirProcessed
	case models.TypeUntriggered:
		dir = h.DirUntriggered
	case models.TypeArchive:
		dir = h.DirArchive
	}
	if dir == "" {
		return "", fmt.Errorf("host %s has no dir_%s: %w", h.Name, t, ErrNoDirectory)
	}
	return dir, nil
}

// Options returns the hosts this host uploads to (upload=true) or downloads from.
func (h *HostConfig) Options(upload bool) []string {
	if upload {
		return h.UploadOptions
	}
	return h.DownloadOptions
}

// Address returns hostname, falling back to the host name.
func (h *HostConfig) Address() string {
	if h.Hostname != "" {
		return h.Hostname
	}
	return h.Name
}
