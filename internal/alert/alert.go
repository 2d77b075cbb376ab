// Package alert raises operator notifications for conditions that need a
// human: stalled transfers and copies whose content no longer matches.
//
// Delivery is best effort. An alert never fails the duty that raised it.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/runsync/runsync/internal/logging"
)

// Kind classifies an alert.
type Kind string

const (
	// KindStalled is a transfer that has not progressed within the stale timeout.
	KindStalled Kind = "stalled"

	// KindIntegrity is a transferred copy whose digest no longer matches.
	KindIntegrity Kind = "integrity"

	// KindRetry is an errored or stalled copy that was removed for another attempt.
	KindRetry Kind = "retry"
)

// Alert is one notification.
type Alert struct {
	Kind     Kind      `json:"kind"`
	Run      string    `json:"run"`
	Number   int       `json:"number"`
	Host     string    `json:"host"`
	Location string    `json:"location,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the log at error level.
type LogAlerter struct {
	logger *logging.Logger
}

// NewLogAlerter creates an alerter writing to logger.
func NewLogAlerter(logger *logging.Logger) *LogAlerter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogAlerter{logger: logger}
}

// Alert implements Alerter.
func (l *LogAlerter) Alert(_ context.Context, a Alert) {
	l.logger.Error().
		Str("alert", string(a.Kind)).
		Str("run", a.Run).
		Int("number", a.Number).
		Str("host", a.Host).
		Str("location", a.Location).
		Msg(a.Message)
}

// Multi fans an alert out to every alerter in order.
type Multi []Alerter

// Alert implements Alerter.
func (m Multi) Alert(ctx context.Context, a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	for _, al := range m {
		al.Alert(ctx, a)
	}
}

// Recorder keeps alerts in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Alert implements Alerter.
func (r *Recorder) Alert(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Kinds returns the kinds of the recorded alerts in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.alerts))
	for i, a := range r.alerts {
		kinds[i] = a.Kind
	}
	return kinds
}
