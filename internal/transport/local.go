package transport

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/runsync/runsync/internal/logging"
)

// Local copies between paths of a shared filesystem.
type Local struct {
	logger *logging.Logger
}

// NewLocal creates the local binding.
func NewLocal(opts Options) *Local {
	opts = opts.withDefaults()
	return &Local{logger: opts.Logger}
}

// Method implements Transport.
func (l *Local) Method() string { return MethodLocal }

// Push implements Transport.
func (l *Local) Push(ctx context.Context, localPath string, _ Endpoint, remotePath string) error {
	n, err := CopyTree(ctx, localPath, remotePath)
	if err != nil {
		return wrap(MethodLocal, "push", localPath, err)
	}
	l.logger.Debug().Str("from", localPath).Str("to", remotePath).Str("size", humanize.Bytes(uint64(n))).Msg("copied")
	return nil
}

// Pull implements Transport.
func (l *Local) Pull(ctx context.Context, _ Endpoint, remotePath, localPath string) error {
	n, err := CopyTree(ctx, remotePath, localPath)
	if err != nil {
		return wrap(MethodLocal, "pull", remotePath, err)
	}
	l.logger.Debug().Str("from", remotePath).Str("to", localPath).Str("size", humanize.Bytes(uint64(n))).Msg("copied")
	return nil
}

// CopyTree copies a file or directory tree from src to dst and returns the
// number of bytes copied. Existing files at dst are overwritten.
func CopyTree(ctx context.Context, src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return copyFile(ctx, src, dst, info.Mode().Perm())
	}

	var total int64
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		n, err := copyFile(ctx, p, target, fi.Mode().Perm())
		total += n
		return err
	})
	return total, err
}

func copyFile(ctx context.Context, src, dst string, perm os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", src, err)
	}
	return n, nil
}

// ctxReader stops a copy when ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
