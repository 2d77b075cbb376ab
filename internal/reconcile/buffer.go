package reconcile

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
)

// ClearBuffer is the duty that drops the DAQ buffer collection of a run once
// its raw data is safely replicated. It only acts on the buffer owner.
type ClearBuffer struct {
	dropper rundb.BufferDropper
}

// NewClearBuffer creates the clear-buffer duty.
func NewClearBuffer(dropper rundb.BufferDropper) *ClearBuffer {
	return &ClearBuffer{dropper: dropper}
}

// Name implements daemon.Duty.
func (c *ClearBuffer) Name() string { return "clear-buffer" }

// Filter implements daemon.Filterer.
func (c *ClearBuffer) Filter() rundb.Filter {
	return rundb.Filter{Query: bson.D{{Key: "data.type", Value: string(models.TypeUntriggered)}}}
}

// Each implements daemon.Duty.
func (c *ClearBuffer) Each(ctx context.Context, rc *daemon.RunContext) error {
	agent := rc.Config.Agent
	if rc.Host != agent.BufferOwner {
		return nil
	}

	safe := 0
	for _, loc := range rc.Run.Data {
		if loc.Type == models.TypeRaw && loc.Status == models.StatusTransferred && loc.HasChecksum() {
			safe++
		}
	}

	for _, loc := range rc.Run.Data {
		if loc.Type != models.TypeUntriggered || loc.Host != agent.BufferHost {
			continue
		}
		if safe < agent.MinReplicas {
			rc.Log.Debug().Int("copies", safe).Msg("Raw data not replicated yet, keeping buffer")
			return nil
		}

		if rc.Machine.DryRun {
			rc.Log.Info().Str("collection", loc.Collection).Msg("dry run: would drop buffer")
		} else if err := c.dropper.DropBuffer(ctx, loc.Location, loc.Collection); err != nil {
			return fmt.Errorf("clear buffer %s: %w", loc.Collection, err)
		}
		if err := rc.Machine.Remove(ctx, rc.Run.ID, loc); err != nil {
			return err
		}
		rc.Log.Info().Str("collection", loc.Collection).Int("copies", safe).Msg("Buffer cleared")
	}
	return nil
}
