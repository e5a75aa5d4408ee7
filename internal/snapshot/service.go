// Package snapshot captures a volume snapshot into a cloud target as a
// sequence of content-addressed chunks.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/cloudbackupd/internal/chunk"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/transfer"
	"github.com/Chapsvision-dev/cloudbackupd/internal/util"
	"github.com/Chapsvision-dev/cloudbackupd/internal/volume"
)

// DefaultChunkSize is used when Options.ChunkSize is zero.
const DefaultChunkSize int64 = 4 << 20

// Jobs is the slice of the job store a backup reads.
type Jobs interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	Catalog(ctx context.Context, id string) ([]model.CatalogEntry, error)
}

// Options controls chunking.
type Options struct {
	ChunkSize int64
}

// Transfer is the backup direction.
type Transfer struct {
	volumes   volume.Accessor
	jobs      Jobs
	codec     *chunk.Codec
	chunkSize int64
}

var _ transfer.Transfer = (*Transfer)(nil)

func New(volumes volume.Accessor, jobs Jobs, codec *chunk.Codec, opt Options) *Transfer {
	size := opt.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Transfer{volumes: volumes, jobs: jobs, codec: codec, chunkSize: size}
}

// Manifest is written next to the chunks when a backup completes.
type Manifest struct {
	JobID          string               `json:"job_id"`
	VolumeID       string               `json:"volume_id"`
	ParentBackupID string               `json:"parent_backup_id,omitempty"`
	SnapshotID     string               `json:"snapshot_id"`
	Compression    chunk.Compression    `json:"compression"`
	ChunkSize      int64                `json:"chunk_size"`
	BytesTotal     int64                `json:"bytes_total"`
	Entries        []model.CatalogEntry `json:"entries"`
	CompletedAt    time.Time            `json:"completed_at"`
}

// Prepare snapshots the volume on the first run and reuses that snapshot on
// every later run of the same job. Incrementals only carry the extents that
// changed since the parent's snapshot.
func (t *Transfer) Prepare(ctx context.Context, job *model.Job, p provider.Provider) (transfer.Run, error) {
	info, err := t.volumes.Inspect(ctx, job.VolumeID)
	if err != nil {
		return nil, fmt.Errorf("%w: volume %s: %v", model.ErrResourceUnavailable, job.VolumeID, err)
	}

	run := &backupRun{t: t, job: job, p: p, snapshotID: job.SnapshotID}
	if run.snapshotID == "" {
		start := time.Now()
		id, err := t.volumes.Snapshot(ctx, job.VolumeID)
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot volume %s: %v", model.ErrResourceUnavailable, job.VolumeID, err)
		}
		run.snapshotID = id
		run.created = true
		log.Info().
			Str("action", "volume_snapshot").
			Str("job_id", job.ID).
			Str("volume_id", job.VolumeID).
			Str("snapshot_id", id).
			Dur("elapsed_ms", time.Since(start)).
			Msg("snapshot OK")
	}

	extents := []volume.Extent{{Offset: 0, Length: info.SizeBytes}}
	if job.ParentBackupID != "" {
		changed, err := t.changedSinceParent(ctx, job, run.snapshotID)
		if err != nil {
			run.Abandon(ctx)
			return nil, err
		}
		if changed != nil {
			extents = changed
		}
	}

	run.chunks = volume.Chunks(extents, t.chunkSize)
	for _, c := range run.chunks {
		run.total += c.Length
	}
	log.Info().
		Str("action", "backup_prepare").
		Str("job_id", job.ID).
		Str("volume_id", job.VolumeID).
		Str("parent_backup_id", job.ParentBackupID).
		Int("chunks", len(run.chunks)).
		Int64("bytes_total", run.total).
		Msg("backup planned")
	return run, nil
}

// changedSinceParent returns nil when the parent's snapshot is gone, which
// degrades the incremental to a full copy of the volume.
func (t *Transfer) changedSinceParent(ctx context.Context, job *model.Job, snapshotID string) ([]volume.Extent, error) {
	parent, err := t.jobs.Get(ctx, job.ParentBackupID)
	if err != nil {
		return nil, fmt.Errorf("parent backup: %w", err)
	}
	changed, err := t.volumes.ChangedExtents(ctx, job.VolumeID, snapshotID, parent.SnapshotID)
	if errors.Is(err, model.ErrNotFound) {
		log.Warn().
			Str("action", "backup_prepare").
			Str("job_id", job.ID).
			Str("parent_backup_id", parent.ID).
			Str("parent_snapshot_id", parent.SnapshotID).
			Msg("parent snapshot missing; copying the whole volume")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: changed extents: %v", model.ErrResourceUnavailable, err)
	}
	if changed == nil {
		changed = []volume.Extent{}
	}
	return changed, nil
}

// Cleanup deletes the job's objects and its snapshot. It is used for stopped
// and failed jobs and when a finished backup is deleted.
func (t *Transfer) Cleanup(ctx context.Context, job *model.Job, p provider.Provider) error {
	var errs []error
	if err := p.DeletePrefix(ctx, chunk.JobPrefix(job.VolumeID, job.ID)); err != nil {
		errs = append(errs, fmt.Errorf("delete objects: %w", err))
	}
	if job.SnapshotID != "" {
		err := t.volumes.DeleteSnapshot(ctx, job.VolumeID, job.SnapshotID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete snapshot: %w", err))
		}
	}
	return errors.Join(errs...)
}

type backupRun struct {
	t          *Transfer
	job        *model.Job
	p          provider.Provider
	snapshotID string
	created    bool
	chunks     []volume.Extent
	total      int64
}

func (r *backupRun) Plan() transfer.Plan {
	return transfer.Plan{SnapshotID: r.snapshotID, BytesTotal: r.total, ChunksTotal: len(r.chunks)}
}

func (r *backupRun) Chunk(ctx context.Context, i int) (int64, *model.CatalogEntry, error) {
	if i < 0 || i >= len(r.chunks) {
		return 0, nil, fmt.Errorf("%w: chunk %d of %d", model.ErrInvalidArgument, i, len(r.chunks))
	}
	ext := r.chunks[i]
	buf := make([]byte, ext.Length)
	n, err := r.t.volumes.ReadAt(ctx, r.job.VolumeID, r.snapshotID, buf, ext.Offset)
	if err != nil {
		return 0, nil, fmt.Errorf("read snapshot at %d: %w", ext.Offset, err)
	}
	if int64(n) != ext.Length {
		return 0, nil, fmt.Errorf("%w: short snapshot read at %d: %d of %d bytes", model.ErrResourceUnavailable, ext.Offset, n, ext.Length)
	}

	stored := r.t.codec.Encode(buf)
	key := chunk.ObjectKey(r.job.VolumeID, r.job.ID, i)
	if err := r.p.Put(ctx, key, stored); err != nil {
		return 0, nil, fmt.Errorf("upload %s: %w", key, err)
	}
	return ext.Length, &model.CatalogEntry{
		Seq:          i,
		Key:          key,
		Offset:       ext.Offset,
		Length:       ext.Length,
		StoredLength: int64(len(stored)),
		SHA256:       util.SHA256Hex(buf),
	}, nil
}

func (r *backupRun) Finish(ctx context.Context) error {
	entries, err := r.t.jobs.Catalog(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	if len(entries) != len(r.chunks) {
		return fmt.Errorf("%w: catalog has %d entries, planned %d chunks", model.ErrInternal, len(entries), len(r.chunks))
	}
	m := Manifest{
		JobID:          r.job.ID,
		VolumeID:       r.job.VolumeID,
		ParentBackupID: r.job.ParentBackupID,
		SnapshotID:     r.snapshotID,
		Compression:    r.t.codec.Mode(),
		ChunkSize:      r.t.chunkSize,
		BytesTotal:     r.total,
		Entries:        entries,
		CompletedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	key := chunk.ManifestKey(r.job.VolumeID, r.job.ID)
	if err := r.p.Put(ctx, key, data); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	log.Info().
		Str("action", "backup_manifest").
		Str("job_id", r.job.ID).
		Str("remote_key", key).
		Int("entries", len(entries)).
		Msg("manifest written")
	return nil
}

func (r *backupRun) Abandon(ctx context.Context) {
	if !r.created {
		return
	}
	if err := r.t.volumes.DeleteSnapshot(ctx, r.job.VolumeID, r.snapshotID); err != nil {
		log.Warn().
			Err(err).
			Str("action", "snapshot_abandon").
			Str("job_id", r.job.ID).
			Str("snapshot_id", r.snapshotID).
			Msg("could not delete unrecorded snapshot")
	}
}
