// Package restore materializes a backup chain into a fresh volume.
package restore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/cloudbackupd/internal/chain"
	"github.com/Chapsvision-dev/cloudbackupd/internal/chunk"
	"github.com/Chapsvision-dev/cloudbackupd/internal/cluster"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/transfer"
	"github.com/Chapsvision-dev/cloudbackupd/internal/util"
	"github.com/Chapsvision-dev/cloudbackupd/internal/volume"
)

// Jobs is the slice of the job store a restore reads.
type Jobs interface {
	chain.Reader
	Catalog(ctx context.Context, id string) ([]model.CatalogEntry, error)
}

// Transfer is the restore direction.
type Transfer struct {
	volumes volume.Accessor
	nodes   cluster.Registry
	jobs    Jobs
	chain   *chain.Tracker
	codec   *chunk.Codec
}

var _ transfer.Transfer = (*Transfer)(nil)

func New(volumes volume.Accessor, nodes cluster.Registry, jobs Jobs, codec *chunk.Codec) *Transfer {
	return &Transfer{volumes: volumes, nodes: nodes, jobs: jobs, chain: chain.New(jobs), codec: codec}
}

// Steps returns the catalog entries that rebuild backupID, oldest backup
// first, and the size of the volume they describe.
func (t *Transfer) Steps(ctx context.Context, backupID string) ([]model.CatalogEntry, int64, error) {
	lineage, err := t.chain.Lineage(ctx, backupID)
	if err != nil {
		return nil, 0, err
	}
	var (
		steps []model.CatalogEntry
		size  int64
	)
	for _, b := range lineage {
		if b.State != model.StateDone {
			return nil, 0, fmt.Errorf("%w: backup %s in chain of %s is %s", model.ErrNotDone, b.ID, backupID, b.State)
		}
		entries, err := t.jobs.Catalog(ctx, b.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("catalog of %s: %w", b.ID, err)
		}
		for _, e := range entries {
			if end := e.Offset + e.Length; end > size {
				size = end
			}
		}
		steps = append(steps, entries...)
	}
	return steps, size, nil
}

// Prepare checks the destination volume and lays out the chain's chunks.
func (t *Transfer) Prepare(ctx context.Context, job *model.Job, p provider.Provider) (transfer.Run, error) {
	info, err := t.volumes.Inspect(ctx, job.VolumeID)
	if err != nil {
		return nil, fmt.Errorf("%w: destination volume %s: %v", model.ErrResourceUnavailable, job.VolumeID, err)
	}
	steps, size, err := t.Steps(ctx, job.SourceBackupID)
	if err != nil {
		return nil, err
	}
	if size > info.SizeBytes {
		return nil, fmt.Errorf("%w: chain of %s needs %d bytes, volume %s has %d", model.ErrResourceUnavailable, job.SourceBackupID, size, job.VolumeID, info.SizeBytes)
	}
	run := &restoreRun{t: t, job: job, p: p, steps: steps}
	for _, s := range steps {
		run.total += s.Length
	}
	log.Info().
		Str("action", "restore_prepare").
		Str("job_id", job.ID).
		Str("source_backup_id", job.SourceBackupID).
		Str("volume_id", job.VolumeID).
		Int("chunks", len(steps)).
		Int64("bytes_total", run.total).
		Msg("restore planned")
	return run, nil
}

// Cleanup deletes the partially written destination volume.
func (t *Transfer) Cleanup(ctx context.Context, job *model.Job, p provider.Provider) error {
	if err := t.volumes.Delete(ctx, job.VolumeID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("delete volume %s: %w", job.VolumeID, err)
	}
	return nil
}

type restoreRun struct {
	t     *Transfer
	job   *model.Job
	p     provider.Provider
	steps []model.CatalogEntry
	total int64
}

func (r *restoreRun) Plan() transfer.Plan {
	return transfer.Plan{BytesTotal: r.total, ChunksTotal: len(r.steps)}
}

func (r *restoreRun) Chunk(ctx context.Context, i int) (int64, *model.CatalogEntry, error) {
	if i < 0 || i >= len(r.steps) {
		return 0, nil, fmt.Errorf("%w: chunk %d of %d", model.ErrInvalidArgument, i, len(r.steps))
	}
	e := r.steps[i]
	stored, err := r.p.Get(ctx, e.Key)
	if err != nil {
		return 0, nil, fmt.Errorf("download %s: %w", e.Key, err)
	}
	raw, err := r.t.codec.Decode(stored)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s: %v", model.ErrInternal, e.Key, err)
	}
	if int64(len(raw)) != e.Length {
		return 0, nil, fmt.Errorf("%w: %s holds %d bytes, catalog says %d", model.ErrInternal, e.Key, len(raw), e.Length)
	}
	if sum := util.SHA256Hex(raw); sum != e.SHA256 {
		return 0, nil, fmt.Errorf("%w: checksum mismatch for %s: got %s want %s", model.ErrInternal, e.Key, sum, e.SHA256)
	}
	if err := r.t.volumes.WriteAt(ctx, r.job.VolumeID, raw, e.Offset); err != nil {
		return 0, nil, fmt.Errorf("write volume at %d: %w", e.Offset, err)
	}
	return e.Length, nil, nil
}

// Finish attaches the restored volume to the node the registry picks.
func (r *restoreRun) Finish(ctx context.Context) error {
	start := time.Now()
	node, err := r.t.nodes.Assign(ctx, r.job.VolumeID)
	if err != nil {
		return fmt.Errorf("assign node: %w", err)
	}
	if err := r.t.volumes.Attach(ctx, r.job.VolumeID, node); err != nil {
		return fmt.Errorf("attach %s to %s: %w", r.job.VolumeID, node, err)
	}
	log.Info().
		Str("action", "restore_attach").
		Str("job_id", r.job.ID).
		Str("volume_id", r.job.VolumeID).
		Str("node_id", node).
		Dur("elapsed_ms", time.Since(start)).
		Msg("restored volume attached")
	return nil
}

func (r *restoreRun) Abandon(ctx context.Context) {}
