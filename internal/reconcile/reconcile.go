// Package reconcile cleans up after transfers that did not finish and copies
// that no longer match their recorded digest. Only locations owned by the
// local host are ever touched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/runsync/runsync/internal/alert"
	"github.com/runsync/runsync/internal/checksum"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/models"
)

// ErrIntegrity means a copy's content does not match its recorded digest.
var ErrIntegrity = checksum.ErrMismatch

// MinModificationAge returns how long ago anything under path was last
// modified: the minimum age over the whole tree. A missing path yields an
// error wrapping fs.ErrNotExist.
func MinModificationAge(path string, now time.Time) (time.Duration, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	newest := info.ModTime()

	stack := []string{}
	if info.IsDir() {
		stack = append(stack, path)
	}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, err
		}
		for _, e := range entries {
			fi, err := e.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return 0, err
			}
			if fi.ModTime().After(newest) {
				newest = fi.ModTime()
			}
			if e.IsDir() {
				stack = append(stack, dir+string(os.PathSeparator)+e.Name())
			}
		}
	}
	return now.Sub(newest), nil
}

// deleteArtifact removes a file or directory tree. A missing artifact is not
// an error; the return value reports whether anything was there.
func deleteArtifact(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(path); err != nil {
		return true, fmt.Errorf("delete %s: %w", path, err)
	}
	return true, nil
}

// purge deletes the artifact of loc and then its record.
func purge(ctx context.Context, rc *daemon.RunContext, loc models.DataLocation) error {
	log := rc.Log.Child("location", loc.Location)
	if rc.Machine.DryRun {
		log.Info().Msg("dry run: would delete artifact")
	} else {
		existed, err := deleteArtifact(loc.Location)
		if err != nil {
			return err
		}
		if !existed {
			log.Warn().Msg("Artifact already gone")
		} else {
			log.Info().Msg("Artifact deleted")
		}
	}
	return rc.Machine.Remove(ctx, rc.Run.ID, loc)
}

func newAlert(rc *daemon.RunContext, kind alert.Kind, loc models.DataLocation, msg string) alert.Alert {
	return alert.Alert{
		Kind:     kind,
		Run:      rc.Run.Name,
		Number:   rc.Run.Number,
		Host:     rc.Host,
		Location: loc.Location,
		Message:  msg,
	}
}
