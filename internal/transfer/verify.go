package transfer

import (
	"context"
	"fmt"

	"github.com/runsync/runsync/internal/checksum"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/models"
)

// Verifier is the duty that completes copies pushed to this host by other
// agents, and records digests of finished copies that have none.
type Verifier struct {
	algo checksum.Algorithm
}

// NewVerifier creates the verify duty.
func NewVerifier(algo checksum.Algorithm) *Verifier {
	return &Verifier{algo: algo}
}

// Name implements daemon.Duty.
func (v *Verifier) Name() string { return "verify" }

// Each implements daemon.Duty.
func (v *Verifier) Each(ctx context.Context, rc *daemon.RunContext) error {
	for _, loc := range rc.Local() {
		switch {
		case loc.Status == models.StatusVerifying:
			if err := finishVerification(ctx, rc, loc, reference(rc.Run, loc), v.algo); err != nil {
				return err
			}
		case loc.Status == models.StatusTransferred && !loc.HasChecksum():
			digest, err := checksum.Verify(ctx, loc.Location, reference(rc.Run, loc), v.algo)
			if err != nil {
				return fmt.Errorf("checksum %s: %w", loc.Key(), err)
			}
			if _, err := rc.Machine.SetChecksum(ctx, rc.Run.ID, loc, digest); err != nil {
				return err
			}
			rc.Log.Info().Str("location", loc.Location).Str("checksum", digest).Msg("Checksum recorded")
		}
	}
	return nil
}

// reference returns the digest of another finished copy of the same dataset,
// or "" when no copy carries one.
func reference(run *models.Run, loc models.DataLocation) string {
	for _, other := range run.Copies(loc.Key(), loc.Host) {
		if other.HasChecksum() {
			return other.Checksum
		}
	}
	return ""
}
