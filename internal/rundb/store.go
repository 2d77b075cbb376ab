// Package rundb provides typed access to the shared collection of run documents.
//
// Every write targets a single matched element of a run's data array; no write
// ever replaces the array, so concurrent agents updating different locations of
// the same run never clobber each other.
package rundb

import (
	"context"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/runsync/runsync/internal/models"
)

// RunID identifies a run document.
type RunID = primitive.ObjectID

// Store is the record store contract used by all duties.
type Store interface {
	// FindCandidateRuns lists the ids of runs matching f, newest first.
	FindCandidateRuns(ctx context.Context, f Filter) ([]RunID, error)

	// LoadRun reads the current state of one run.
	LoadRun(ctx context.Context, id RunID) (*models.Run, error)

	// AppendLocation adds loc unless the run already has a location for the
	// same host and dataset. Returns ErrConflict when it does.
	AppendLocation(ctx context.Context, id RunID, loc models.DataLocation) error

	// SetLocationFields sets fields on the single location matched by m.
	// Returns ErrNotFound when nothing matches.
	SetLocationFields(ctx context.Context, id RunID, m Match, fields map[string]any) error

	// SetLocationField is SetLocationFields for one field.
	SetLocationField(ctx context.Context, id RunID, m Match, field string, value any) error

	// RemoveLocation removes the location matched by m.
	// Returns ErrNotFound when nothing matches.
	RemoveLocation(ctx context.Context, id RunID, m Match) error
}

// Filter narrows a candidate scan.
type Filter struct {
	// Number selects a single run by number when non-nil.
	Number *int

	// Name selects a single run by name when non-empty.
	Name string

	// Detector restricts to one detector.
	Detector string

	// Names is a dataset allow-list; empty means every run.
	Names []string

	// ExcludeTag drops runs carrying this tag.
	ExcludeTag string

	// Query is merged into the server-side query. In-memory stores ignore it,
	// so duties must still check their preconditions on the loaded run.
	Query bson.D
}

// ParseRunSelector turns a CLI run argument into a filter: integers select by
// number, anything else by name.
func ParseRunSelector(s string) Filter {
	if s == "" {
		return Filter{}
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Filter{Number: &n}
	}
	return Filter{Name: s}
}

// Merge returns f with the non-zero fields of other applied on top.
func (f Filter) Merge(other Filter) Filter {
	if other.Number != nil {
		f.Number = other.Number
	}
	if other.Name != "" {
		f.Name = other.Name
	}
	if other.Detector != "" {
		f.Detector = other.Detector
	}
	if len(other.Names) > 0 {
		f.Names = other.Names
	}
	if other.ExcludeTag != "" {
		f.ExcludeTag = other.ExcludeTag
	}
	f.Query = append(append(bson.D{}, f.Query...), other.Query...)
	return f
}

// Accepts applies the structured part of f (everything except Query) to a run.
func (f Filter) Accepts(run *models.Run) bool {
	if f.Number != nil && run.Number != *f.Number {
		return false
	}
	if f.Name != "" && run.Name != f.Name {
		return false
	}
	if f.Detector != "" && run.Detector != f.Detector {
		return false
	}
	if len(f.Names) > 0 {
		found := false
		for _, name := range f.Names {
			if name == run.Name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ExcludeTag != "" && run.HasTag(f.ExcludeTag) {
		return false
	}
	return true
}

// Match selects one element of a run's data array.
type Match struct {
	Host       string
	Type       models.DataType
	Location   string
	PaxVersion string

	// Status, when set, makes the write conditional on the current status.
	Status models.Status
}

// MatchLocation matches exactly loc, including its current status.
func MatchLocation(loc models.DataLocation) Match {
	return Match{
		Host:       loc.Host,
		Type:       loc.Type,
		Location:   loc.Location,
		PaxVersion: loc.PaxVersion,
		Status:     loc.Status,
	}
}

// Matches applies m to an in-memory location.
func (m Match) Matches(loc models.DataLocation) bool {
	if m.Host != "" && loc.Host != m.Host {
		return false
	}
	if m.Type != "" && loc.Type != m.Type {
		return false
	}
	if m.Location != "" && loc.Location != m.Location {
		return false
	}
	if m.PaxVersion != "" && loc.PaxVersion != m.PaxVersion {
		return false
	}
	if m.Status != "" && loc.Status != m.Status {
		return false
	}
	return true
}
