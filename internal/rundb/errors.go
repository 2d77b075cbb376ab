package rundb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// Record store errors. Callers test them with errors.Is.
var (
	// ErrUnavailable means the store could not be reached. The operation is
	// skipped for this cycle and never treated as fatal.
	ErrUnavailable = errors.New("run database unavailable")

	// ErrStaleCursor means a scan cursor expired on the server. The scan has to
	// restart on the next cycle rather than be retried in place.
	ErrStaleCursor = errors.New("run database cursor expired")

	// ErrNotFound means the run, or the matched location in its state, no
	// longer exists. Another agent already handled it.
	ErrNotFound = errors.New("run or location not found")

	// ErrConflict means a conditional append lost against a concurrent writer.
	ErrConflict = errors.New("location already exists")
)

// codeCursorNotFound is the server error code for an expired cursor.
const codeCursorNotFound = 43

// classify maps a driver error onto the store taxonomy, keeping the original
// error in the message.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorCode(codeCursorNotFound) {
		return fmt.Errorf("%s: %w: %v", op, ErrStaleCursor, err)
	}

	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// isUnavailable reports whether err is a connectivity problem rather than a
// rejected operation.
func isUnavailable(err error) bool {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"server selection error",
		"connection refused",
		"connection reset",
		"no reachable servers",
		"i/o timeout",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// IsSkippable reports whether err means "try again next cycle" or "someone
// else already did it", as opposed to a real failure of this agent.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrStaleCursor) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}
