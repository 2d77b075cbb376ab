package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/runsync/runsync/internal/alert"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
)

// Stale is the duty that removes unfinished and failed local copies so the
// transfer duties can try again.
type Stale struct {
	alerter alert.Alerter
	now     func() time.Time

	// Busy, when set, reports whether an unfinished location is still being
	// produced elsewhere (a queued batch job). Busy locations are left alone.
	Busy BusyFunc
}

// BusyFunc reports whether loc of run is still being worked on.
type BusyFunc func(ctx context.Context, run *models.Run, loc models.DataLocation) (bool, error)

// NewStale creates the stale duty.
func NewStale(alerter alert.Alerter) *Stale {
	return &Stale{alerter: alerter, now: time.Now}
}

// Name implements daemon.Duty.
func (s *Stale) Name() string { return "stale" }

// Filter implements daemon.Filterer: some location is not finished.
func (s *Stale) Filter() rundb.Filter {
	return rundb.Filter{Query: bson.D{{Key: "data.status", Value: bson.D{{Key: "$in", Value: bson.A{
		string(models.StatusTransferring), string(models.StatusVerifying), string(models.StatusError),
	}}}}}}
}

// Each implements daemon.Duty.
func (s *Stale) Each(ctx context.Context, rc *daemon.RunContext) error {
	timeout := rc.Config.StaleTimeout()
	now := s.now()

	var result *multierror.Error
	for _, loc := range rc.Local() {
		if loc.Status == models.StatusTransferred {
			continue
		}
		if loc.CreationTime.IsZero() {
			rc.Log.Warn().Str("location", loc.String()).Msg("Location has no creation time, skipping")
			continue
		}
		if s.Busy != nil && loc.Status == models.StatusTransferring {
			busy, err := s.Busy(ctx, rc.Run, loc)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("busy check of %s: %w", loc.Location, err))
				continue
			}
			if busy {
				rc.Log.Debug().Str("location", loc.String()).Msg("Location still being produced, skipping")
				continue
			}
		}

		age, err := MinModificationAge(loc.Location, now)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				result = multierror.Append(result, fmt.Errorf("age of %s: %w", loc.Location, err))
				continue
			}
			age = now.Sub(loc.CreationTime)
		}

		stalled := age > timeout
		if stalled {
			s.alerter.Alert(ctx, newAlert(rc, alert.KindStalled, loc,
				fmt.Sprintf("%s transfer idle since %s", loc.Status, humanize.Time(now.Add(-age)))))
		}
		if !stalled && loc.Status != models.StatusError {
			continue
		}

		if err := purge(ctx, rc, loc); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		s.alerter.Alert(ctx, newAlert(rc, alert.KindRetry, loc,
			fmt.Sprintf("removed %s copy for another attempt", loc.Status)))
	}
	return result.ErrorOrNil()
}
