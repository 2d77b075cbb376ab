// Package transport moves run artifacts between hosts. Each binding is
// selected by the method configured for the remote host.
package transport

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"sync"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/http"
	"github.com/runsync/runsync/internal/logging"
)

// Supported methods
const (
	MethodSCP   = "scp"
	MethodSFTP  = "sftp"
	MethodGfal  = "gfal-copy"
	MethodS3    = "s3"
	MethodAzure = "azure"
	MethodLocal = "local"
)

// ErrTransport matches every *Error with errors.Is.
var ErrTransport = errors.New("transport failed")

// Error is a failed transport operation.
type Error struct {
	Method string
	Op     string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Method, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) true for any *Error.
func (e *Error) Is(target error) bool { return target == ErrTransport }

func wrap(method, op, path string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Method: method, Op: op, Path: path, Err: err}
}

// Endpoint is the remote side of a transfer.
type Endpoint struct {
	Name         string
	Address      string
	Username     string
	Port         int
	IdentityFile string

	GfalServer string
	NStreams   int
	GridCert   string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	AzureSASURL    string
	AzureContainer string
}

// EndpointFor builds the endpoint of a configured host.
func EndpointFor(h *config.HostConfig) Endpoint {
	return Endpoint{
		Name:           h.Name,
		Address:        h.Address(),
		Username:       h.Username,
		Port:           h.Port,
		IdentityFile:   h.IdentityFile,
		GfalServer:     h.GfalServer,
		NStreams:       h.NStreams,
		GridCert:       h.GridCert,
		S3Bucket:       h.S3Bucket,
		S3Region:       h.S3Region,
		S3Endpoint:     h.S3Endpoint,
		S3AccessKey:    h.S3AccessKey,
		S3SecretKey:    h.S3SecretKey,
		AzureSASURL:    h.AzureSASURL,
		AzureContainer: h.AzureContainer,
	}
}

// Transport copies a file or directory tree to or from a remote endpoint.
// Both operations block until the copy is complete or failed; failures are
// *Error values.
type Transport interface {
	Method() string
	Push(ctx context.Context, localPath string, remote Endpoint, remotePath string) error
	Pull(ctx context.Context, remote Endpoint, remotePath, localPath string) error
}

// Options are shared dependencies of the bindings.
type Options struct {
	Logger *logging.Logger

	// HTTPClient is used by the object store bindings.
	HTTPClient *nethttp.Client

	// Runner executes external commands (gfal-copy).
	Runner CommandRunner

	// KnownHostsFile overrides ~/.ssh/known_hosts for scp.
	KnownHostsFile string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.Runner == nil {
		o.Runner = ExecRunner{}
	}
	return o
}

// New returns the binding for method.
func New(method string, opts Options) (Transport, error) {
	opts = opts.withDefaults()
	switch method {
	case MethodSCP, MethodSFTP:
		return NewSSH(opts), nil
	case MethodGfal:
		return NewGfal(opts), nil
	case MethodS3:
		if opts.HTTPClient == nil {
			opts.HTTPClient = http.CreateTransferClient()
		}
		return NewS3(opts), nil
	case MethodAzure:
		if opts.HTTPClient == nil {
			opts.HTTPClient = http.CreateTransferClient()
		}
		return NewAzure(opts), nil
	case MethodLocal:
		return NewLocal(opts), nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownMethod, method)
}

// Factory resolves a transport per method. Tests replace it to inject fakes.
type Factory func(method string) (Transport, error)

// NewFactory returns a Factory that caches one binding per method.
func NewFactory(opts Options) Factory {
	var mu sync.Mutex
	cache := map[string]Transport{}
	return func(method string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := cache[method]; ok {
			return t, nil
		}
		t, err := New(method, opts)
		if err != nil {
			return nil, err
		}
		cache[method] = t
		return t, nil
	}
}
