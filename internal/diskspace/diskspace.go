// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// InsufficientSpaceError indicates that a destination filesystem is too full.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space for %s: need %s, have %s available",
		e.Path, humanize.IBytes(uint64(e.RequiredBytes)), humanize.IBytes(uint64(e.AvailableBytes)))
}

// IsInsufficientSpaceError reports whether err is or wraps an InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	var target *InsufficientSpaceError
	return errors.As(err, &target)
}

// Available returns the bytes available to unprivileged users on the
// filesystem that holds path. path itself may not exist yet; the nearest
// existing ancestor is probed.
func Available(path string) (int64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	return available(dir)
}

// CheckFree returns an InsufficientSpaceError when fewer than requiredBytes
// are available for path. A filesystem that cannot be probed is not an error;
// the transfer proceeds and fails on its own if space runs out.
func CheckFree(path string, requiredBytes int64) error {
	if requiredBytes <= 0 {
		return nil
	}
	avail, err := Available(path)
	if err != nil {
		return nil
	}
	if avail < requiredBytes {
		return &InsufficientSpaceError{
			Path:           path,
			RequiredBytes:  requiredBytes,
			AvailableBytes: avail,
		}
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor of %s", path)
		}
		dir = parent
	}
}
