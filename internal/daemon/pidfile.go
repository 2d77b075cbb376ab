package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning means another agent process holds the PID file.
var ErrAlreadyRunning = errors.New("another agent is already running on this host")

// childEnv marks the re-executed background process.
const childEnv = "RUNSYNC_DAEMON_CHILD"

// PIDFile guards against two poll loops on one host.
type PIDFile struct {
	Path string
}

// Acquire writes the current PID unless a live process already owns the file.
// A file left behind by a dead process is replaced.
func (p PIDFile) Acquire() error {
	if pid := p.RunningPID(); pid != 0 && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(p.Path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Release removes the PID file.
func (p PIDFile) Release() {
	os.Remove(p.Path)
}

// ReadPID returns the recorded PID, or 0 when there is none.
func (p PIDFile) ReadPID() int {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// RunningPID returns the recorded PID if that process is alive, else 0.
// A stale file is removed.
func (p PIDFile) RunningPID() int {
	pid := p.ReadPID()
	if pid == 0 {
		return 0
	}
	if !processAlive(pid) {
		p.Release()
		return 0
	}
	return pid
}

// IsDaemonChild reports whether this process is the detached background agent.
func IsDaemonChild() bool {
	return os.Getenv(childEnv) == "1"
}
