package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const stateVersion = "1"

// DutyStats are the counters of one duty in the most recent cycle.
type DutyStats struct {
	Name      string    `json:"name"`
	LastRun   time.Time `json:"last_run"`
	Visited   int       `json:"visited"`
	Failed    int       `json:"failed"`
	Skipped   bool      `json:"skipped,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// CycleRecord summarises one pass.
type CycleRecord struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Errors   int       `json:"errors"`
}

// State is the cycle ledger kept between runs of the agent. It is advisory:
// the record store stays the source of truth.
type State struct {
	mu sync.RWMutex

	Version   string                `json:"version"`
	Host      string                `json:"host"`
	LastCycle CycleRecord           `json:"last_cycle"`
	Cycles    int                   `json:"cycles"`
	Duties    map[string]*DutyStats `json:"duties"`

	filePath string
}

// NewState creates an empty ledger stored at filePath. An empty path keeps
// the ledger in memory only.
func NewState(filePath string) *State {
	return &State{
		Version:  stateVersion,
		Duties:   make(map[string]*DutyStats),
		filePath: filePath,
	}
}

// Load reads the ledger. A missing file yields an empty ledger.
func (s *State) Load() error {
	if s.filePath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if s.Duties == nil {
		s.Duties = make(map[string]*DutyStats)
	}
	return nil
}

// Save writes the ledger through a temporary file and rename.
func (s *State) Save() error {
	if s.filePath == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// RecordDuty stores the outcome of one duty pass.
func (s *State) RecordDuty(stats DutyStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := stats
	s.Duties[stats.Name] = &st
}

// RecordCycle stores the outcome of a full pass.
func (s *State) RecordCycle(c CycleRecord, host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastCycle = c
	s.Host = host
	s.Cycles++
}

// Snapshot returns the last cycle and the duty counters sorted by name.
func (s *State) Snapshot() (CycleRecord, []DutyStats) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	duties := make([]DutyStats, 0, len(s.Duties))
	for _, d := range s.Duties {
		duties = append(duties, *d)
	}
	sort.Slice(duties, func(i, j int) bool { return duties[i].Name < duties[j].Name })
	return s.LastCycle, duties
}

// TotalCycles returns how many passes have been recorded.
func (s *State) TotalCycles() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Cycles
}
