// Package daemon drives the poll loop: every pass lists candidate runs for
// each enabled duty and hands them to the duty one at a time.
package daemon

import (
	"context"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/lifecycle"
	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
)

// Duty is one recurring task applied to every candidate run.
type Duty interface {
	Name() string
	Each(ctx context.Context, rc *RunContext) error
}

// Filterer is implemented by duties that narrow the candidate scan.
type Filterer interface {
	Filter() rundb.Filter
}

// Finisher is implemented by duties that act once after a full scan.
type Finisher interface {
	Finish(ctx context.Context) error
}

// RunContext is what a duty gets for one run.
type RunContext struct {
	Run     *models.Run
	Store   rundb.Store
	Machine *lifecycle.Machine
	Config  *config.Config
	Host    string
	Log     *logging.Logger
}

// Local returns the run's locations owned by this agent.
func (rc *RunContext) Local() []models.DataLocation {
	return rc.Run.LocationsOn(rc.Host)
}
