// Package fsops holds the operator duties behind the remove, rename, strays
// and locations commands. Each runs as a single pass of the agent so every
// filesystem change is mirrored in the record store.
package fsops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
)

func localQuery(host, location string) rundb.Filter {
	return rundb.Filter{Query: bson.D{{Key: "data", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "host", Value: host},
		{Key: "location", Value: location},
	}}}}}}
}

func findLocal(rc *daemon.RunContext, path string) (models.DataLocation, bool) {
	for _, loc := range rc.Local() {
		if loc.Location == path {
			return loc, true
		}
	}
	return models.DataLocation{}, false
}

// Remove deletes one local artifact and its record.
type Remove struct {
	host string
	path string

	// Removed counts the records removed.
	Removed int
}

// NewRemove creates the remove duty for path.
func NewRemove(host, path string) (*Remove, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Remove{host: host, path: abs}, nil
}

// Name implements daemon.Duty.
func (r *Remove) Name() string { return "remove" }

// Filter implements daemon.Filterer.
func (r *Remove) Filter() rundb.Filter { return localQuery(r.host, r.path) }

// Each implements daemon.Duty. The record goes first so no agent ever sees a
// record without its artifact.
func (r *Remove) Each(ctx context.Context, rc *daemon.RunContext) error {
	loc, ok := findLocal(rc, r.path)
	if !ok {
		return nil
	}
	if err := rc.Machine.Remove(ctx, rc.Run.ID, loc); err != nil {
		return err
	}
	r.Removed++
	if rc.Machine.DryRun {
		return nil
	}
	rc.Log.Info().Str("location", r.path).Msg("Removing")
	if err := os.RemoveAll(r.path); err != nil {
		return fmt.Errorf("remove %s: %w", r.path, err)
	}
	return nil
}

// Rename moves one local artifact and updates its record. The content is not
// re-digested.
type Rename struct {
	host     string
	from, to string

	// Renamed counts the records updated.
	Renamed int
}

// NewRename creates the rename duty.
func NewRename(host, from, to string) (*Rename, error) {
	absFrom, err := filepath.Abs(from)
	if err != nil {
		return nil, err
	}
	absTo, err := filepath.Abs(to)
	if err != nil {
		return nil, err
	}
	return &Rename{host: host, from: absFrom, to: absTo}, nil
}

// Name implements daemon.Duty.
func (r *Rename) Name() string { return "rename" }

// Filter implements daemon.Filterer.
func (r *Rename) Filter() rundb.Filter { return localQuery(r.host, r.from) }

// Each implements daemon.Duty.
func (r *Rename) Each(ctx context.Context, rc *daemon.RunContext) error {
	loc, ok := findLocal(rc, r.from)
	if !ok {
		return nil
	}
	rc.Log.Info().Str("from", r.from).Str("to", r.to).Msg("Moving")
	if !rc.Machine.DryRun {
		if err := os.MkdirAll(filepath.Dir(r.to), 0755); err != nil {
			return err
		}
		if err := os.Rename(r.from, r.to); err != nil {
			return fmt.Errorf("rename: %w", err)
		}
	}
	if _, err := rc.Machine.Relocate(ctx, rc.Run.ID, loc, r.to); err != nil {
		return err
	}
	r.Renamed++
	return nil
}

// Strays collects every local location during the scan and afterwards lists
// paths in the data directories that no record refers to.
type Strays struct {
	dirs       []string
	referenced map[string]bool
	ancestors  map[string]bool

	// Found is filled by Finish, sorted.
	Found []string
}

// NewStrays creates the strays duty over dirs. Empty entries are ignored.
func NewStrays(dirs ...string) *Strays {
	s := &Strays{referenced: map[string]bool{}, ancestors: map[string]bool{}}
	for _, d := range dirs {
		if d != "" {
			s.dirs = append(s.dirs, filepath.Clean(d))
		}
	}
	return s
}

// Name implements daemon.Duty.
func (s *Strays) Name() string { return "strays" }

// Each implements daemon.Duty.
func (s *Strays) Each(_ context.Context, rc *daemon.RunContext) error {
	for _, loc := range rc.Local() {
		p := filepath.Clean(loc.Location)
		s.referenced[p] = true
		for dir := filepath.Dir(p); dir != p; p, dir = dir, filepath.Dir(dir) {
			s.ancestors[dir] = true
		}
	}
	return nil
}

// Finish implements daemon.Finisher. An unreferenced directory is reported
// once, not file by file.
func (s *Strays) Finish(context.Context) error {
	var errs []error
	for _, root := range s.dirs {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == root || s.ancestors[p] {
				return nil
			}
			if !s.referenced[p] {
				s.Found = append(s.Found, p)
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	sort.Strings(s.Found)
	return errors.Join(errs...)
}

// Listing is one location reported by the locations duty.
type Listing struct {
	Run      string
	Number   int
	Location models.DataLocation
}

// Locations lists local locations, optionally only those in one status.
type Locations struct {
	host   string
	status models.Status

	Found []Listing
}

// NewLocations creates the locations duty. An empty status lists all.
func NewLocations(host string, status models.Status) *Locations {
	return &Locations{host: host, status: status}
}

// Name implements daemon.Duty.
func (l *Locations) Name() string { return "locations" }

// Filter implements daemon.Filterer.
func (l *Locations) Filter() rundb.Filter {
	match := bson.D{{Key: "host", Value: l.host}}
	if l.status != "" {
		match = append(match, bson.E{Key: "status", Value: string(l.status)})
	}
	return rundb.Filter{Query: bson.D{{Key: "data", Value: bson.D{{Key: "$elemMatch", Value: match}}}}}
}

// Each implements daemon.Duty.
func (l *Locations) Each(_ context.Context, rc *daemon.RunContext) error {
	for _, loc := range rc.Local() {
		if l.status == "" || loc.Status == l.status {
			l.Found = append(l.Found, Listing{Run: rc.Run.Name, Number: rc.Run.Number, Location: loc})
		}
	}
	return nil
}

// String renders a listing as one line, followed by the error reason if any.
func (l Listing) String() string {
	fields := []string{fmt.Sprint(l.Number), l.Run, string(l.Location.Status), l.Location.Key().String(), l.Location.Location}
	if l.Location.Error != "" {
		fields = append(fields, l.Location.Error)
	}
	return strings.Join(fields, "\t")
}
