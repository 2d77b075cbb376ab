package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/runsync/runsync/internal/constants"
	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/ratelimit"
)

// retryLogger adapts the agent logger to retryablehttp.LeveledLogger.
// Info and debug chatter from every attempt is dropped.
type retryLogger struct {
	logger *logging.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// WebhookAlerter POSTs every alert as JSON to a URL.
type WebhookAlerter struct {
	url     string
	client  *retryablehttp.Client
	limiter *ratelimit.RateLimiter
	logger  *logging.Logger
}

// WebhookOptions tunes a WebhookAlerter.
type WebhookOptions struct {
	// HTTPClient is the underlying client; nil uses the retryablehttp default.
	HTTPClient *nethttp.Client

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RatePerSecond and Burst bound deliveries; alerts over the limit are
	// logged only.
	RatePerSecond float64
	Burst         float64
}

// NewWebhookAlerter creates an alerter posting to url.
func NewWebhookAlerter(url string, opts WebhookOptions, logger *logging.Logger) *WebhookAlerter {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = constants.AlertRetryMax
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = time.Second
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 10 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}

	client := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	client.Logger = retryLogger{logger: logger}

	return &WebhookAlerter{
		url:     url,
		client:  client,
		limiter: ratelimit.NewRateLimiter(opts.RatePerSecond, opts.Burst),
		logger:  logger,
	}
}

// Alert implements Alerter.
func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) {
	if !w.limiter.TryAcquire() {
		w.logger.Warn().Str("alert", string(a.Kind)).Str("run", a.Run).Msg("Alert webhook throttled")
		return
	}
	if err := w.Send(ctx, a); err != nil {
		w.logger.Error().Err(err).Str("alert", string(a.Kind)).Str("run", a.Run).Msg("Failed to deliver alert")
	}
}

// Send delivers one alert and returns the delivery error.
func (w *WebhookAlerter) Send(ctx context.Context, a Alert) error {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.AlertTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, nethttp.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}
	return nil
}
