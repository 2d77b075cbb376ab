package transport

import (
	"context"
	"strconv"
	"strings"

	"github.com/runsync/runsync/internal/logging"
)

// Gfal copies through the gfal-copy grid client.
type Gfal struct {
	logger *logging.Logger
	runner CommandRunner
}

// NewGfal creates the gfal-copy binding.
func NewGfal(opts Options) *Gfal {
	opts = opts.withDefaults()
	return &Gfal{logger: opts.Logger, runner: opts.Runner}
}

// Method implements Transport.
func (g *Gfal) Method() string { return MethodGfal }

// Push implements Transport.
func (g *Gfal) Push(ctx context.Context, localPath string, remote Endpoint, remotePath string) error {
	args := gfalArgs(remote, "file://"+localPath, gridURL(remote, remotePath))
	return g.run(ctx, "push", localPath, args)
}

// Pull implements Transport.
func (g *Gfal) Pull(ctx context.Context, remote Endpoint, remotePath, localPath string) error {
	args := gfalArgs(remote, gridURL(remote, remotePath), "file://"+localPath)
	return g.run(ctx, "pull", remotePath, args)
}

func (g *Gfal) run(ctx context.Context, op, path string, args []string) error {
	g.logger.Debug().Strs("args", args).Msg("gfal-copy")
	if _, err := g.runner.Run(ctx, "gfal-copy", args...); err != nil {
		return wrap(MethodGfal, op, path, err)
	}
	return nil
}

// gfalArgs builds a recursive, parent-creating, overwriting copy.
func gfalArgs(ep Endpoint, src, dst string) []string {
	streams := ep.NStreams
	if streams < 1 {
		streams = 1
	}
	args := []string{"-r", "-p", "-f", "-n", strconv.Itoa(streams)}
	if ep.GridCert != "" {
		args = append(args, "--cert", ep.GridCert)
	}
	return append(args, src, dst)
}

func gridURL(ep Endpoint, path string) string {
	server := ep.GfalServer
	if server == "" {
		server = "gsiftp://" + ep.Address + "/"
	}
	return strings.TrimRight(server, "/") + "/" + strings.TrimLeft(path, "/")
}
