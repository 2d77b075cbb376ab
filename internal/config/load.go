package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/runsync/runsync/internal/constants"
	"github.com/runsync/runsync/internal/pathutil"
	"github.com/runsync/runsync/internal/util/lists"
)

const hostSectionPrefix = "host."

// Load reads the agent configuration from path. Files ending in .yaml or .yml
// are read as YAML, everything else as INI. If path is empty the default path
// is used. The record store password is always taken from the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	var (
		cfg *Config
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = loadYAML(path)
	default:
		cfg, err = loadINI(path)
	}
	if err != nil {
		return nil, err
	}

	cfg.RunDB.Password = os.Getenv(constants.PasswordEnvVar)
	cfg.Proxy.Password = os.Getenv(constants.ProxyPasswordEnvVar)
	expandPaths(cfg)
	return cfg, nil
}

// expandPaths expands ~ in settings naming files on this machine. Data
// directories may belong to other hosts and are left as written.
func expandPaths(cfg *Config) {
	pathutil.ExpandAll(&cfg.Agent.StateFile, &cfg.Agent.LogFile, &cfg.Processing.ScriptTemplate)
	for _, h := range cfg.Hosts {
		pathutil.ExpandAll(&h.IdentityFile, &h.GridCert)
	}
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = map[string]*HostConfig{}
	}
	for name, h := range cfg.Hosts {
		if h == nil {
			h = &HostConfig{}
			cfg.Hosts[name] = h
		}
		h.Name = name
	}
	return cfg, nil
}

func loadINI(path string) (*Config, error) {
	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	cfg := NewConfig()
	def := *cfg

	agent := iniFile.Section("agent")
	cfg.Agent.Hostname = agent.Key("hostname").MustString(def.Agent.Hostname)
	cfg.Agent.PollIntervalSeconds = agent.Key("poll_interval_seconds").MustInt(def.Agent.PollIntervalSeconds)
	cfg.Agent.DatabaseWrites = agent.Key("database_writes").MustBool(true)
	cfg.Agent.Tasks = lists.ParseComma(agent.Key("tasks").String())
	cfg.Agent.Datasets = lists.ParseComma(agent.Key("datasets").String())
	if types := lists.ParseComma(agent.Key("transfer_types").String()); len(types) > 0 {
		cfg.Agent.TransferTypes = types
	}
	cfg.Agent.StaleTimeoutHours = agent.Key("stale_timeout_hours").MustFloat64(def.Agent.StaleTimeoutHours)
	cfg.Agent.MinReplicas = agent.Key("min_replicas").MustInt(def.Agent.MinReplicas)
	cfg.Agent.ChecksumAlgorithm = agent.Key("checksum_algorithm").MustString(def.Agent.ChecksumAlgorithm)
	cfg.Agent.MinFreeGB = agent.Key("min_free_gb").MustFloat64(0)
	cfg.Agent.BufferOwner = agent.Key("buffer_owner").MustString(def.Agent.BufferOwner)
	cfg.Agent.BufferHost = agent.Key("buffer_host").MustString(def.Agent.BufferHost)
	cfg.Agent.StateFile = agent.Key("state_file").String()
	cfg.Agent.LogFile = agent.Key("log_file").String()

	rundb := iniFile.Section("rundb")
	cfg.RunDB.URI = rundb.Key("uri").String()
	cfg.RunDB.Database = rundb.Key("database").MustString(def.RunDB.Database)
	cfg.RunDB.Collection = rundb.Key("collection").MustString(def.RunDB.Collection)
	cfg.RunDB.ReplicaSet = rundb.Key("replica_set").String()
	cfg.RunDB.ReadPreference = rundb.Key("read_preference").MustString(def.RunDB.ReadPreference)
	cfg.RunDB.TimeoutSeconds = rundb.Key("timeout_seconds").MustInt(def.RunDB.TimeoutSeconds)

	cfg.Alerts.WebhookURL = iniFile.Section("alerts").Key("webhook_url").String()

	proc := iniFile.Section("processing")
	cfg.Processing.Enabled = proc.Key("enabled").MustBool(false)
	cfg.Processing.Version = proc.Key("version").String()
	cfg.Processing.Scheduler = proc.Key("scheduler").MustString(def.Processing.Scheduler)
	cfg.Processing.Command = proc.Key("command").String()
	cfg.Processing.ScriptTemplate = proc.Key("script_template").String()
	cfg.Processing.MaxQueue = proc.Key("max_queue").MustInt(def.Processing.MaxQueue)
	cfg.Processing.NCPUs = proc.Key("ncpus").MustInt(def.Processing.NCPUs)
	cfg.Processing.Profile = proc.Key("profile").String()

	proxy := iniFile.Section("proxy")
	cfg.Proxy.Mode = proxy.Key("mode").MustString(def.Proxy.Mode)
	cfg.Proxy.URL = proxy.Key("url").String()
	cfg.Proxy.User = proxy.Key("user").String()
	cfg.Proxy.NoProxy = proxy.Key("no_proxy").String()

	for _, section := range iniFile.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, hostSectionPrefix) {
			continue
		}
		hostName := strings.TrimPrefix(name, hostSectionPrefix)
		cfg.Hosts[hostName] = &HostConfig{
			Name:            hostName,
			Hostname:        section.Key("hostname").String(),
			Username:        section.Key("username").String(),
			Method:          section.Key("method").String(),
			Port:            section.Key("port").MustInt(0),
			IdentityFile:    section.Key("identity_file").String(),
			DirRaw:          section.Key("dir_raw").String(),
			DirProcessed:    section.Key("dir_processed").String(),
			DirUntriggered:  section.Key("dir_untriggered").String(),
			DirArchive:      section.Key("dir_archive").String(),
			UploadOptions:   lists.ParseComma(section.Key("upload_options").String()),
			DownloadOptions: lists.ParseComma(section.Key("download_options").String()),
			GfalServer:      section.Key("gfal_server").String(),
			NStreams:        section.Key("nstreams").MustInt(1),
			GridCert:        section.Key("grid_cert").String(),
			S3Bucket:        section.Key("s3_bucket").String(),
			S3Region:        section.Key("s3_region").String(),
			S3Endpoint:      section.Key("s3_endpoint").String(),
			S3AccessKey:     section.Key("s3_access_key").String(),
			S3SecretKey:     section.Key("s3_secret_key").String(),
			AzureSASURL:     section.Key("azure_sas_url").String(),
			AzureContainer:  section.Key("azure_container").String(),
		}
	}

	return cfg, nil
}

// SaveConfig writes cfg to path in INI format.
// Creates parent directories if they don't exist.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	agent, err := iniFile.NewSection("agent")
	if err != nil {
		return fmt.Errorf("failed to create agent section: %w", err)
	}
	agent.Key("hostname").SetValue(cfg.Agent.Hostname)
	agent.Key("poll_interval_seconds").SetValue(strconv.Itoa(cfg.Agent.PollIntervalSeconds))
	agent.Key("database_writes").SetValue(strconv.FormatBool(cfg.Agent.DatabaseWrites))
	agent.Key("tasks").SetValue(strings.Join(cfg.Agent.Tasks, ","))
	agent.Key("datasets").SetValue(strings.Join(cfg.Agent.Datasets, ","))
	agent.Key("transfer_types").SetValue(strings.Join(cfg.Agent.TransferTypes, ","))
	agent.Key("stale_timeout_hours").SetValue(strconv.FormatFloat(cfg.Agent.StaleTimeoutHours, 'g', -1, 64))
	agent.Key("min_replicas").SetValue(strconv.Itoa(cfg.Agent.MinReplicas))
	agent.Key("checksum_algorithm").SetValue(cfg.Agent.ChecksumAlgorithm)
	agent.Key("min_free_gb").SetValue(strconv.FormatFloat(cfg.Agent.MinFreeGB, 'g', -1, 64))
	agent.Key("buffer_owner").SetValue(cfg.Agent.BufferOwner)
	agent.Key("buffer_host").SetValue(cfg.Agent.BufferHost)
	agent.Key("state_file").SetValue(cfg.Agent.StateFile)
	agent.Key("log_file").SetValue(cfg.Agent.LogFile)

	rundb, err := iniFile.NewSection("rundb")
	if err != nil {
		return fmt.Errorf("failed to create rundb section: %w", err)
	}
	rundb.Key("uri").SetValue(cfg.RunDB.URI)
	rundb.Key("database").SetValue(cfg.RunDB.Database)
	rundb.Key("collection").SetValue(cfg.RunDB.Collection)
	rundb.Key("replica_set").SetValue(cfg.RunDB.ReplicaSet)
	rundb.Key("read_preference").SetValue(cfg.RunDB.ReadPreference)
	rundb.Key("timeout_seconds").SetValue(strconv.Itoa(cfg.RunDB.TimeoutSeconds))

	alerts, err := iniFile.NewSection("alerts")
	if err != nil {
		return fmt.Errorf("failed to create alerts section: %w", err)
	}
	alerts.Key("webhook_url").SetValue(cfg.Alerts.WebhookURL)

	proc, err := iniFile.NewSection("processing")
	if err != nil {
		return fmt.Errorf("failed to create processing section: %w", err)
	}
	proc.Key("enabled").SetValue(strconv.FormatBool(cfg.Processing.Enabled))
	proc.Key("version").SetValue(cfg.Processing.Version)
	proc.Key("scheduler").SetValue(cfg.Processing.Scheduler)
	proc.Key("command").SetValue(cfg.Processing.Command)
	proc.Key("script_template").SetValue(cfg.Processing.ScriptTemplate)
	proc.Key("max_queue").SetValue(strconv.Itoa(cfg.Processing.MaxQueue))
	proc.Key("ncpus").SetValue(strconv.Itoa(cfg.Processing.NCPUs))
	proc.Key("profile").SetValue(cfg.Processing.Profile)

	proxy, err := iniFile.NewSection("proxy")
	if err != nil {
		return fmt.Errorf("failed to create proxy section: %w", err)
	}
	proxy.Key("mode").SetValue(cfg.Proxy.Mode)
	proxy.Key("url").SetValue(cfg.Proxy.URL)
	proxy.Key("user").SetValue(cfg.Proxy.User)
	proxy.Key("no_proxy").SetValue(cfg.Proxy.NoProxy)

	for _, name := range cfg.HostNames() {
		h := cfg.Hosts[name]
		section, err := iniFile.NewSection(hostSectionPrefix + name)
		if err != nil {
			return fmt.Errorf("failed to create host section %s: %w", name, err)
		}
		section.Key("hostname").SetValue(h.Hostname)
		section.Key("username").SetValue(h.Username)
		section.Key("method").SetValue(h.Method)
		section.Key("port").SetValue(strconv.Itoa(h.Port))
		section.Key("identity_file").SetValue(h.IdentityFile)
		section.Key("dir_raw").SetValue(h.DirRaw)
		section.Key("dir_processed").SetValue(h.DirProcessed)
		section.Key("dir_untriggered").SetValue(h.DirUntriggered)
		section.Key("dir_archive").SetValue(h.DirArchive)
		section.Key("upload_options").SetValue(strings.Join(h.UploadOptions, ","))
		section.Key("download_options").SetValue(strings.Join(h.DownloadOptions, ","))
		section.Key("gfal_server").SetValue(h.GfalServer)
		section.Key("nstreams").SetValue(strconv.Itoa(h.NStreams))
		section.Key("grid_cert").SetValue(h.GridCert)
		section.Key("s3_bucket").SetValue(h.S3Bucket)
		section.Key("s3_region").SetValue(h.S3Region)
		section.Key("s3_endpoint").SetValue(h.S3Endpoint)
		section.Key("s3_access_key").SetValue(h.S3AccessKey)
		section.Key("s3_secret_key").SetValue(h.S3SecretKey)
		section.Key("azure_sas_url").SetValue(h.AzureSASURL)
		section.Key("azure_container").SetValue(h.AzureContainer)
	}

	// Owner-only: the file may hold object store secrets.
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Dump renders cfg as YAML, with secrets redacted.
func Dump(cfg *Config) ([]byte, error) {
	c := *cfg
	c.Hosts = make(map[string]*HostConfig, len(cfg.Hosts))
	for name, h := range cfg.Hosts {
		copied := *h
		if copied.AzureSASURL != "" {
			copied.AzureSASURL = "<redacted>"
		}
		if copied.S3SecretKey != "" {
			copied.S3SecretKey = "<redacted>"
		}
		c.Hosts[name] = &copied
	}
	return yaml.Marshal(&c)
}
