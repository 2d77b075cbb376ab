// Package transfer moves datasets between hosts. The push duty uploads
// copies this host holds to hosts that have none; the pull duty downloads
// copies this host lacks. Every attempt goes through the lifecycle:
//
//	Begin (transferring) -> copy -> verifying -> [digest] -> transferred | error
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/runsync/runsync/internal/checksum"
	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/daemon"
	"github.com/runsync/runsync/internal/diskspace"
	"github.com/runsync/runsync/internal/models"
	"github.com/runsync/runsync/internal/rundb"
	"github.com/runsync/runsync/internal/transport"
)

// Options are the dependencies shared by the transfer duties.
type Options struct {
	// Host is the local agent identity.
	Host string

	// Transports resolves a transport per method.
	Transports transport.Factory

	// Algorithm is the digest recorded when the source copy has none.
	Algorithm checksum.Algorithm

	// MinFreeBytes is required on the destination before a download; 0 disables.
	MinFreeBytes int64
}

// Mover is the push or the pull duty.
type Mover struct {
	upload bool
	opts   Options
}

// NewPush creates the upload duty.
func NewPush(opts Options) *Mover {
	return &Mover{upload: true, opts: opts}
}

// NewPull creates the download duty.
func NewPull(opts Options) *Mover {
	return &Mover{upload: false, opts: opts}
}

// Name implements daemon.Duty.
func (m *Mover) Name() string {
	if m.upload {
		return "push"
	}
	return "pull"
}

func (m *Mover) direction() string {
	if m.upload {
		return "upload"
	}
	return "download"
}

// Filter implements daemon.Filterer. Uploads need a local transferred copy.
func (m *Mover) Filter() rundb.Filter {
	if !m.upload || m.opts.Host == "" {
		return rundb.Filter{}
	}
	return rundb.Filter{Query: bson.D{{Key: "data", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "host", Value: m.opts.Host},
		{Key: "status", Value: string(models.StatusTransferred)},
	}}}}}}
}

// Each implements daemon.Duty. At most one handshake is started per run.
func (m *Mover) Each(ctx context.Context, rc *daemon.RunContext) error {
	local, err := rc.Config.Local()
	if err != nil {
		return err
	}
	options := local.Options(m.upload)
	if len(options) == 0 {
		rc.Log.Debug().Str("direction", m.direction()).Msg("No transfer options for this host")
		return nil
	}

	for _, remoteName := range options {
		remote, err := rc.Config.Host(remoteName)
		if err != nil {
			return err
		}
		method, err := remote.TransferMethod()
		if err != nil {
			return err
		}

		for _, key := range datasetKeys(rc.Run, rc.Config.TransferTypes()) {
			here := find(rc.Run, rc.Host, key, m.upload)
			there := find(rc.Run, remoteName, key, !m.upload)

			switch {
			case m.upload && here != nil && there == nil:
				return m.handshake(ctx, rc, *here, local, remote, method)
			case !m.upload && there != nil && here == nil:
				return m.handshake(ctx, rc, *there, remote, local, method)
			}
		}
	}
	return nil
}

// handshake copies src from srcHost to dstHost, recording every step.
func (m *Mover) handshake(ctx context.Context, rc *daemon.RunContext, src models.DataLocation, srcHost, dstHost *config.HostConfig, method string) error {
	dest, err := destination(rc.Run, src, dstHost, !m.upload)
	if err != nil {
		return err
	}
	log := rc.Log.Child("dataset", src.Key().String())

	if !m.upload && m.opts.MinFreeBytes > 0 {
		if err := diskspace.CheckFree(dest, m.opts.MinFreeBytes); err != nil {
			log.Warn().Err(err).Msg("Skipping download")
			return nil
		}
	}

	remote := dstHost
	if !m.upload {
		remote = srcHost
	}
	tr, err := m.opts.Transports(method)
	if err != nil {
		return fmt.Errorf("host %s: %w", remote.Name, err)
	}

	loc, err := rc.Machine.Begin(ctx, rc.Run.ID, models.DataLocation{
		Type:       src.Type,
		Host:       dstHost.Name,
		Status:     models.StatusTransferring,
		Location:   dest,
		PaxVersion: src.PaxVersion,
	})
	if err != nil {
		if errors.Is(err, rundb.ErrConflict) {
			log.Info().Msg("Transfer already started by another agent")
			return nil
		}
		return err
	}
	if rc.Machine.DryRun {
		log.Info().
			Str("from", srcHost.Name+":"+src.Location).
			Str("to", dstHost.Name+":"+dest).
			Msg("dry run: would transfer")
		return nil
	}

	log.Info().
		Str("direction", m.direction()).
		Str("method", method).
		Str("from", srcHost.Name+":"+src.Location).
		Str("to", dstHost.Name+":"+dest).
		Msg("Starting transfer")

	ep := transport.EndpointFor(remote)
	if m.upload {
		err = tr.Push(ctx, src.Location, ep, dest)
	} else {
		err = tr.Pull(ctx, ep, src.Location, dest)
	}
	if err != nil {
		if _, merr := rc.Machine.MarkError(ctx, rc.Run.ID, loc, err.Error()); merr != nil {
			log.Error().Err(merr).Msg("Failed to record transfer error")
		}
		return fmt.Errorf("%s %s: %w", m.direction(), src.Key(), err)
	}

	loc, err = rc.Machine.MarkVerifying(ctx, rc.Run.ID, loc)
	if err != nil {
		return err
	}

	// An upload is verified by the agent owning the destination.
	if m.upload {
		log.Info().Msg("Upload complete, awaiting verification")
		return nil
	}
	return finishVerification(ctx, rc, loc, src.Checksum, m.opts.Algorithm)
}

// finishVerification digests a local verifying location and moves it to
// transferred, or to error when it does not match expected.
func finishVerification(ctx context.Context, rc *daemon.RunContext, loc models.DataLocation, expected string, algo checksum.Algorithm) error {
	digest, err := checksum.Verify(ctx, loc.Location, expected, algo)
	if err != nil {
		if _, merr := rc.Machine.MarkError(ctx, rc.Run.ID, loc, err.Error()); merr != nil {
			rc.Log.Error().Err(merr).Msg("Failed to record verification error")
		}
		return fmt.Errorf("verify %s: %w", loc.Key(), err)
	}
	if _, err := rc.Machine.MarkTransferred(ctx, rc.Run.ID, loc, digest); err != nil {
		return err
	}
	rc.Log.Info().Str("location", loc.Location).Str("checksum", digest).Msg("Transfer verified")
	return nil
}

// destination is where dstHost keeps its copy of src. Local paths use the
// platform separator, remote ones are always slash separated.
func destination(run *models.Run, src models.DataLocation, dstHost *config.HostConfig, local bool) (string, error) {
	dir, err := dstHost.Dir(src.Type)
	if err != nil {
		return "", err
	}
	join := path.Join
	if local {
		join = filepath.Join
	}
	if src.Type == models.TypeProcessed && src.PaxVersion != "" {
		return join(dir, "pax_"+src.PaxVersion, path.Base(filepath.ToSlash(src.Location))), nil
	}
	return join(dir, run.Name), nil
}

// datasetKeys lists the datasets of run in the given categories, in order of
// first appearance.
func datasetKeys(run *models.Run, types []models.DataType) []models.DatasetKey {
	wanted := make(map[models.DataType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	seen := map[models.DatasetKey]bool{}
	var keys []models.DatasetKey
	for _, loc := range run.Data {
		k := loc.Key()
		if !wanted[k.Type] || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

// find returns host's location of key. With transferredOnly, only a finished
// copy counts; otherwise any attempt, including a failed one, does.
func find(run *models.Run, host string, key models.DatasetKey, transferredOnly bool) *models.DataLocation {
	for i := range run.Data {
		loc := run.Data[i]
		if loc.Host != host || loc.Key() != key {
			continue
		}
		if transferredOnly && loc.Status != models.StatusTransferred {
			continue
		}
		return &run.Data[i]
	}
	return nil
}
