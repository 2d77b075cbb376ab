// Package lifecycle owns every status write on a data location.
//
//	transferring -> verifying -> transferred
//	transferring | verifying -> error
//
// Writes are compare-and-set on the expected current status, so an agent
// that lost a race against another writer sees rundb.ErrNotFound and moves on.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
)

// ErrIllegalTransition is returned for an edge outside the lifecycle.
var ErrIllegalTransition = errors.New("illegal status transition")

// Machine applies lifecycle transitions through a Store.
type Machine struct {
	store  rundb.Store
	logger *logging.Logger
	host   string

	// DryRun logs every write instead of performing it.
	DryRun bool

	now func() time.Time
}

// New creates a Machine writing as host.
func New(store rundb.Store, host string, logger *logging.Logger) *Machine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Machine{
		store:  store,
		logger: logger,
		host:   host,
		now:    time.Now,
	}
}

// Begin records a new transferring location. A competing attempt that got
// there first yields rundb.ErrConflict.
func (m *Machine) Begin(ctx context.Context, id rundb.RunID, loc models.DataLocation) (models.DataLocation, error) {
	if loc.Status == "" {
		loc.Status = models.StatusTransferring
	}
	if loc.Status != models.StatusTransferring {
		return loc, fmt.Errorf("begin %s: %w: new locations start as %s",
			loc, ErrIllegalTransition, models.StatusTransferring)
	}
	if loc.CreationTime.IsZero() {
		loc.CreationTime = m.now().UTC()
	}
	if loc.CreationPlace == "" {
		loc.CreationPlace = m.host
	}

	if m.DryRun {
		m.logger.Info().Str("location", loc.String()).Msg("dry run: would append location")
		return loc, nil
	}
	if err := m.store.AppendLocation(ctx, id, loc); err != nil {
		return loc, err
	}
	m.logger.Debug().Str("location", loc.String()).Msg("location appended")
	return loc, nil
}

// MarkVerifying moves a transferring location to verifying.
func (m *Machine) MarkVerifying(ctx context.Context, id rundb.RunID, loc models.DataLocation) (models.DataLocation, error) {
	return m.transition(ctx, id, loc, models.StatusVerifying, nil)
}

// MarkTransferred moves a verifying location to transferred, recording checksum
// when non-empty.
func (m *Machine) MarkTransferred(ctx context.Context, id rundb.RunID, loc models.DataLocation, checksum string) (models.DataLocation, error) {
	var extra map[string]any
	if checksum != "" {
		extra = map[string]any{"checksum": checksum}
	}
	next, err := m.transition(ctx, id, loc, models.StatusTransferred, extra)
	if err == nil && checksum != "" {
		next.Checksum = checksum
	}
	return next, err
}

// MarkError moves an in-flight location to error, recording reason in the
// same update.
func (m *Machine) MarkError(ctx context.Context, id rundb.RunID, loc models.DataLocation, reason string) (models.DataLocation, error) {
	var extra map[string]any
	if reason != "" {
		extra = map[string]any{"error": reason}
	}
	next, err := m.transition(ctx, id, loc, models.StatusError, extra)
	if err == nil {
		next.Error = reason
		m.logger.Warn().Str("location", loc.String()).Str("reason", reason).Msg("location marked error")
	}
	return next, err
}

// SetChecksum records a checksum on a transferred location that has none.
func (m *Machine) SetChecksum(ctx context.Context, id rundb.RunID, loc models.DataLocation, checksum string) (models.DataLocation, error) {
	if loc.Status != models.StatusTransferred {
		return loc, fmt.Errorf("set checksum on %s: location is not %s", loc, models.StatusTransferred)
	}
	if m.DryRun {
		m.logger.Info().Str("location", loc.String()).Str("checksum", checksum).Msg("dry run: would set checksum")
		loc.Checksum = checksum
		return loc, nil
	}
	if err := m.store.SetLocationField(ctx, id, rundb.MatchLocation(loc), "checksum", checksum); err != nil {
		return loc, err
	}
	loc.Checksum = checksum
	return loc, nil
}

// Relocate records that the artifact of loc moved to path.
func (m *Machine) Relocate(ctx context.Context, id rundb.RunID, loc models.DataLocation, path string) (models.DataLocation, error) {
	if m.DryRun {
		m.logger.Info().Str("location", loc.String()).Str("to", path).Msg("dry run: would relocate")
		loc.Location = path
		return loc, nil
	}
	if err := m.store.SetLocationField(ctx, id, rundb.MatchLocation(loc), "location", path); err != nil {
		return loc, err
	}
	loc.Location = path
	return loc, nil
}

// Remove deletes exactly the record of loc.
func (m *Machine) Remove(ctx context.Context, id rundb.RunID, loc models.DataLocation) error {
	if m.DryRun {
		m.logger.Info().Str("location", loc.String()).Msg("dry run: would remove location")
		return nil
	}
	if err := m.store.RemoveLocation(ctx, id, rundb.MatchLocation(loc)); err != nil {
		return err
	}
	m.logger.Debug().Str("location", loc.String()).Msg("location removed")
	return nil
}

func (m *Machine) transition(ctx context.Context, id rundb.RunID, loc models.DataLocation, to models.Status, extra map[string]any) (models.DataLocation, error) {
	if !models.CanTransition(loc.Status, to) {
		return loc, fmt.Errorf("%s -> %s for %s: %w", loc.Status, to, loc, ErrIllegalTransition)
	}

	fields := map[string]any{"status": string(to)}
	for k, v := range extra {
		fields[k] = v
	}

	if m.DryRun {
		m.logger.Info().Str("location", loc.String()).Str("to", string(to)).Msg("dry run: would set status")
		loc.Status = to
		return loc, nil
	}

	if err := m.store.SetLocationFields(ctx, id, rundb.MatchLocation(loc), fields); err != nil {
		return loc, err
	}
	m.logger.Debug().Str("location", loc.String()).Str("to", string(to)).Msg("status updated")
	loc.Status = to
	return loc, nil
}
