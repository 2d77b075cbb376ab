package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/runsync/runsync/internal/constants"
)

// ConfigDirectory returns the agent's configuration directory.
//   - Unix: ~/.config/runsync
//   - Windows: %APPDATA%\runsync
func ConfigDirectory() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("failed to get home directory: %w", herr)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, constants.AppName), nil
}

// DefaultConfigPath returns the default path for the agent config file.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, constants.ConfigFileName), nil
}

// StatePath returns the cycle ledger path: the configured one, or the
// default inside the config directory.
func (cfg *Config) StatePath() string {
	if cfg.Agent.StateFile != "" {
		return cfg.Agent.StateFile
	}
	dir, err := ConfigDirectory()
	if err != nil {
		return filepath.Join(os.TempDir(), constants.AppName+"-"+constants.StateFileName)
	}
	return filepath.Join(dir, constants.StateFileName)
}

// PIDPath returns the PID file path of the background agent, next to the
// cycle ledger.
func (cfg *Config) PIDPath() string {
	return filepath.Join(filepath.Dir(cfg.StatePath()), constants.PIDFileName)
}

// LogDirectory returns the directory for agent log files.
func LogDirectory() string {
	dir, err := ConfigDirectory()
	if err != nil {
		return filepath.Join(os.TempDir(), constants.AppName+"-logs")
	}
	return filepath.Join(dir, "logs")
}

// EnsureLogDirectory creates the log directory with owner-only permissions.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0700)
}
