package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/runsync/runsync/internal/alert"
	"github.com/runsync/runsync/internal/checksum"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
)

// Integrity is the duty that re-digests finished local copies. A copy that no
// longer matches is deleted when enough verified replicas exist elsewhere,
// and only reported otherwise.
type Integrity struct {
	alerter alert.Alerter
}

// NewIntegrity creates the integrity duty.
func NewIntegrity(alerter alert.Alerter) *Integrity {
	return &Integrity{alerter: alerter}
}

// Name implements daemon.Duty.
func (d *Integrity) Name() string { return "integrity" }

// Filter implements daemon.Filterer.
func (d *Integrity) Filter() rundb.Filter {
	return rundb.Filter{Query: bson.D{{Key: "data.status", Value: string(models.StatusTransferred)}}}
}

// Each implements daemon.Duty.
func (d *Integrity) Each(ctx context.Context, rc *daemon.RunContext) error {
	for _, loc := range rc.Local() {
		if loc.Status != models.StatusTransferred || !loc.HasChecksum() {
			continue
		}
		algo, ok := checksum.Detect(loc.Checksum)
		if !ok {
			rc.Log.Warn().Str("location", loc.String()).Msg("Unrecognised checksum format, skipping")
			continue
		}

		_, err := checksum.Verify(ctx, loc.Location, loc.Checksum, algo)
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrIntegrity):
		case errors.Is(err, fs.ErrNotExist):
			err = fmt.Errorf("%s: artifact missing: %w", loc.Location, ErrIntegrity)
		default:
			return fmt.Errorf("checksum %s: %w", loc.Key(), err)
		}

		d.alerter.Alert(ctx, newAlert(rc, alert.KindIntegrity, loc, err.Error()))

		replicas := matchingReplicas(rc.Run, loc)
		required := rc.Config.Agent.MinReplicas
		if replicas < required {
			rc.Log.Warn().
				Int("replicas", replicas).
				Int("required", required).
				Msg("Corrupt copy kept, not enough verified replicas")
			continue
		}
		if err := purge(ctx, rc, loc); err != nil {
			return err
		}
	}
	return nil
}

// matchingReplicas counts other hosts' finished copies of the same dataset
// whose recorded digest equals loc's.
func matchingReplicas(run *models.Run, loc models.DataLocation) int {
	n := 0
	for _, other := range run.Copies(loc.Key(), loc.Host) {
		if checksum.Compare(loc.Checksum, other.Checksum) {
			n++
		}
	}
	return n
}
