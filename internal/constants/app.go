package constants

import (
	"time"
)

// Application identity
const (
	// AppName is used for the binary name, config directory, and log prefixes.
	AppName = "runsync"

	// ConfigFileName is the default config file inside the config directory.
	ConfigFileName = "runsync.conf"

	// StateFileName is the default cycle ledger inside the config directory.
	StateFileName = "state.json"

	// PIDFileName guards the background agent, next to the ledger.
	PIDFileName = "runsync.pid"
)

// Poll loop
const (
	// DefaultPollInterval - pause between two full passes over all duties (60s)
	DefaultPollInterval = 60 * time.Second

	// MinPollInterval - lower bound accepted from config and flags (5s)
	MinPollInterval = 5 * time.Second

	// MaxPollInterval - upper bound accepted from config and flags (24h)
	MaxPollInterval = 24 * time.Hour
)

// Reconciler thresholds
const (
	// DefaultStaleTimeout - a location whose artifact has not been modified for
	// longer than this is considered a stalled transfer (6h)
	DefaultStaleTimeout = 6 * time.Hour

	// DefaultMinReplicas - number of other transferred copies with a matching
	// checksum required before a local copy may be destroyed
	DefaultMinReplicas = 2
)

// Checksum engine
const (
	// ChecksumBlockSize - read block for streamed digests (4 MB)
	// Memory use of the engine is bounded by this value.
	ChecksumBlockSize = 4 * 1024 * 1024

	// DefaultChecksumAlgorithm - digest recorded for new locations
	DefaultChecksumAlgorithm = "sha512"
)

// Bulk transports
const (
	// MultipartThreshold - files larger than this use S3 multipart upload (100 MB)
	MultipartThreshold = 100 * 1024 * 1024

	// PartSize - size of each multipart part (32 MB)
	PartSize = 32 * 1024 * 1024

	// PartTimeout - per part deadline
	PartTimeout = 10 * time.Minute
)

// Retry configuration for single wire operations inside a transport call
const (
	// MaxRetries - maximum attempts for a transient object store error
	MaxRetries = 3

	// RetryInitialDelay - initial delay before first retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between retries (15s)
	RetryMaxDelay = 15 * time.Second
)

// HTTP client used by object store transports
const (
	HTTPDialTimeout           = 30 * time.Second
	HTTPKeepAlive             = 30 * time.Second
	HTTPIdleConnTimeout       = 90 * time.Second
	HTTPTLSHandshakeTimeout   = 30 * time.Second
	HTTPExpectContinueTimeout = 5 * time.Second
)

// Record store
const (
	// DefaultDatabase and DefaultCollection name the shared run collection.
	DefaultDatabase   = "run"
	DefaultCollection = "runs_new"

	// DefaultStoreTimeout - per operation deadline against the record store (30s)
	DefaultStoreTimeout = 30 * time.Second

	// PasswordEnvVar holds the record store secret; it is substituted for %s in the URI.
	PasswordEnvVar = "MONGO_PASSWORD"

	// ProxyPasswordEnvVar holds the proxy secret for basic and ntlm modes.
	ProxyPasswordEnvVar = "RUNSYNC_PROXY_PASSWORD"
)

// Alerts
const (
	// AlertRetryMax - webhook delivery attempts after the first
	AlertRetryMax = 4

	// AlertTimeout - overall deadline for one webhook delivery
	AlertTimeout = 30 * time.Second
)

// Processing
const (
	// DefaultMaxQueue - scheduler queue length above which no new jobs are submitted
	DefaultMaxQueue = 1000

	// NoProcessTag - runs carrying this tag are never processed
	NoProcessTag = "donotprocess"
)

// Logging
const (
	// LogMaxSizeMB, LogMaxBackups and LogMaxAgeDays configure file rotation.
	LogMaxSizeMB  = 10
	LogMaxBackups = 5
	LogMaxAgeDays = 30

	// ConsoleTimeFormat is the timestamp layout for console output.
	ConsoleTimeFormat = "15:04:05"
)
