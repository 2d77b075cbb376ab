package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPIDFileAcquire(t *testing.T) {
	p := PIDFile{Path: filepath.Join(t.TempDir(), "run", "runsync.pid")}

	if err := p.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := p.ReadPID(); got != os.Getpid() {
		t.Errorf("ReadPID() = %d, want %d", got, os.Getpid())
	}
	// Re-acquiring our own file is fine.
	if err := p.Acquire(); err != nil {
		t.Errorf("second Acquire() error = %v", err)
	}

	p.Release()
	if p.ReadPID() != 0 {
		t.Error("PID file still present after Release")
	}
}

func TestPIDFileHeldByLiveProcess(t *testing.T) {
	p := PIDFile{Path: filepath.Join(t.TempDir(), "runsync.pid")}
	if err := os.WriteFile(p.Path, []byte(strconv.Itoa(os.Getppid())), 0600); err != nil {
		t.Fatal(err)
	}
	if err := p.Acquire(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Acquire() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestPIDFileStale(t *testing.T) {
	p := PIDFile{Path: filepath.Join(t.TempDir(), "runsync.pid")}
	if err := os.WriteFile(p.Path, []byte("2147483600"), 0600); err != nil {
		t.Fatal(err)
	}
	if pid := p.RunningPID(); pid != 0 {
		t.Errorf("RunningPID() = %d, want 0 for dead process", pid)
	}
	if _, err := os.Stat(p.Path); !os.IsNotExist(err) {
		t.Error("stale PID file not removed")
	}
	if err := p.Acquire(); err != nil {
		t.Errorf("Acquire() over stale file error = %v", err)
	}
}
