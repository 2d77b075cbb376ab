// Package rundbtest provides an in-memory rundb.Store for tests.
package rundbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
)

// Store is an in-memory rundb.Store with the same conditional write semantics
// as the MongoDB implementation. Filter.Query is ignored.
type Store struct {
	mu   sync.Mutex
	runs map[rundb.RunID]*models.Run

	// FindErr, when set, is returned by FindCandidateRuns.
	FindErr error
	// LoadErr, when set for an id, is returned by LoadRun for it.
	LoadErr map[rundb.RunID]error
	// WriteErr, when set, is returned by every write.
	WriteErr error

	// Writes counts successful writes.
	Writes int
}

// New returns a store seeded with runs.
func New(runs ...*models.Run) *Store {
	s := &Store{runs: map[rundb.RunID]*models.Run{}, LoadErr: map[rundb.RunID]error{}}
	for _, r := range runs {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces a run, assigning an id when it has none.
func (s *Store) Put(r *models.Run) rundb.RunID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID.IsZero() {
		r.ID = primitive.NewObjectID()
	}
	s.runs[r.ID] = clone(r)
	return r.ID
}

// Get returns a copy of the stored run, or nil.
func (s *Store) Get(id rundb.RunID) *models.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil
	}
	return clone(r)
}

// FindCandidateRuns implements rundb.Store.
func (s *Store) FindCandidateRuns(_ context.Context, f rundb.Filter) ([]rundb.RunID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}

	var matched []*models.Run
	for _, r := range s.runs {
		if f.Accepts(r) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Start.Equal(matched[j].Start) {
			return matched[i].Number > matched[j].Number
		}
		return matched[i].Start.After(matched[j].Start)
	})

	ids := make([]rundb.RunID, len(matched))
	for i, r := range matched {
		ids[i] = r.ID
	}
	return ids, nil
}

// LoadRun implements rundb.Store.
func (s *Store) LoadRun(_ context.Context, id rundb.RunID) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.LoadErr[id]; err != nil {
		return nil, err
	}
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("load run %s: %w", id.Hex(), rundb.ErrNotFound)
	}
	return clone(r), nil
}

// AppendLocation implements rundb.Store.
func (s *Store) AppendLocation(_ context.Context, id rundb.RunID, loc models.DataLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("append location: %w", rundb.ErrNotFound)
	}
	for _, existing := range r.Data {
		if existing.Host == loc.Host && existing.Type == loc.Type && existing.PaxVersion == loc.PaxVersion {
			return fmt.Errorf("append location %s: %w", loc, rundb.ErrConflict)
		}
	}
	r.Data = append(r.Data, loc)
	s.Writes++
	return nil
}

// SetLocationFields implements rundb.Store. Only the fields the agents write
// are supported.
func (s *Store) SetLocationFields(_ context.Context, id rundb.RunID, m rundb.Match, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("set location fields: %w", rundb.ErrNotFound)
	}
	for i := range r.Data {
		if !m.Matches(r.Data[i]) {
			continue
		}
		updated := r.Data[i]
		for k, v := range fields {
			if err := setField(&updated, k, v); err != nil {
				return err
			}
		}
		r.Data[i] = updated
		s.Writes++
		return nil
	}
	return fmt.Errorf("set location fields: %w", rundb.ErrNotFound)
}

// SetLocationField implements rundb.Store.
func (s *Store) SetLocationField(ctx context.Context, id rundb.RunID, m rundb.Match, field string, value any) error {
	return s.SetLocationFields(ctx, id, m, map[string]any{field: value})
}

// RemoveLocation implements rundb.Store. Like $pull it removes every matching
// element.
func (s *Store) RemoveLocation(_ context.Context, id rundb.RunID, m rundb.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("remove location: %w", rundb.ErrNotFound)
	}
	kept := r.Data[:0:0]
	for _, loc := range r.Data {
		if !m.Matches(loc) {
			kept = append(kept, loc)
		}
	}
	if len(kept) == len(r.Data) {
		return fmt.Errorf("remove location: %w", rundb.ErrNotFound)
	}
	r.Data = kept
	s.Writes++
	return nil
}

func setField(loc *models.DataLocation, field string, value any) error {
	switch field {
	case "status":
		switch v := value.(type) {
		case models.Status:
			loc.Status = v
		case string:
			st, err := models.ParseStatus(v)
			if err != nil {
				return err
			}
			loc.Status = st
		default:
			return fmt.Errorf("status: unexpected %T", value)
		}
	case "checksum":
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("checksum: unexpected %T", value)
		}
		loc.Checksum = v
	case "location":
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("location: unexpected %T", value)
		}
		loc.Location = v
	case "error":
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("error: unexpected %T", value)
		}
		loc.Error = v
	default:
		return fmt.Errorf("rundbtest: unsupported field %q", field)
	}
	return nil
}

func clone(r *models.Run) *models.Run {
	c := *r
	c.Tags = append([]models.Tag(nil), r.Tags...)
	c.Data = append([]models.DataLocation(nil), r.Data...)
	return &c
}

var _ rundb.Store = (*Store)(nil)
