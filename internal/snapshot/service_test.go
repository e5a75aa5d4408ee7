package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudbackupd/internal/chunk"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider/fs"
	"github.com/Chapsvision-dev/cloudbackupd/internal/store"
	"github.com/Chapsvision-dev/cloudbackupd/internal/util"
	"github.com/Chapsvision-dev/cloudbackupd/internal/volume"
)

const block = 64 << 10

type fixture struct {
	vols   *volume.FileEngine
	jobs   *store.Memory
	target *fs.FSProvider
	dir    string
	tr     *Transfer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vols, err := volume.NewFileEngine(t.TempDir())
	require.NoError(t, err)
	codec, err := chunk.NewCodec(chunk.CompressionZstd)
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	dir := t.TempDir()
	jobs := store.NewMemory()
	return &fixture{
		vols:   vols,
		jobs:   jobs,
		target: fs.New(dir),
		dir:    dir,
		tr:     New(vols, jobs, codec, Options{ChunkSize: block}),
	}
}

// runBackup drives a job the way the executor does, without suspension.
func (f *fixture) runBackup(t *testing.T, id, parent string) *model.Job {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{ID: id, VolumeID: "vol", Direction: model.DirectionBackup, State: model.StateQueued, ParentBackupID: parent}
	require.NoError(t, f.jobs.Create(ctx, job))
	job, err := f.jobs.Update(ctx, id, model.StateQueued, func(j *model.Job) error {
		j.State = model.StateActive
		return nil
	})
	require.NoError(t, err)

	run, err := f.tr.Prepare(ctx, job, f.target)
	require.NoError(t, err)
	plan := run.Plan()
	job, err = f.jobs.Update(ctx, id, model.StateActive, func(j *model.Job) error {
		j.SnapshotID, j.BytesTotal, j.ChunksTotal = plan.SnapshotID, plan.BytesTotal, plan.ChunksTotal
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < plan.ChunksTotal; i++ {
		n, entry, err := run.Chunk(ctx, i)
		require.NoError(t, err)
		require.NoError(t, f.jobs.AppendCatalog(ctx, id, []model.CatalogEntry{*entry}))
		_, err = f.jobs.Update(ctx, id, model.StateActive, func(j *model.Job) error {
			j.ChunksDone++
			j.BytesDone += n
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, run.Finish(ctx))
	job, err = f.jobs.Update(ctx, id, model.StateActive, func(j *model.Job) error {
		j.State = model.StateDone
		return nil
	})
	require.NoError(t, err)
	return job
}

func TestFullThenIncremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.vols.Create(ctx, volume.CreateSpec{ID: "vol", SizeBytes: 4 * block})
	require.NoError(t, err)
	require.NoError(t, f.vols.WriteAt(ctx, "vol", bytes.Repeat([]byte{7}, 4*block), 0))

	full := f.runBackup(t, "full", "")
	assert.Equal(t, int64(4*block), full.BytesTotal)
	assert.Equal(t, full.BytesTotal, full.BytesDone)
	assert.Equal(t, 4, full.ChunksTotal)
	assert.NotEmpty(t, full.SnapshotID)

	entries, err := f.jobs.Catalog(ctx, "full")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, util.SHA256Hex(bytes.Repeat([]byte{7}, block)), entries[2].SHA256)
	assert.Less(t, entries[0].StoredLength, entries[0].Length)

	raw, err := os.ReadFile(filepath.Join(f.dir, "vol", "full", "manifest.json"))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, chunk.CompressionZstd, m.Compression)
	assert.Len(t, m.Entries, 4)

	// Only the second block changes.
	require.NoError(t, f.vols.WriteAt(ctx, "vol", []byte("changed"), block+10))
	inc := f.runBackup(t, "inc", "full")
	assert.Equal(t, int64(block), inc.BytesTotal)
	incEntries, err := f.jobs.Catalog(ctx, "inc")
	require.NoError(t, err)
	require.Len(t, incEntries, 1)
	assert.Equal(t, int64(block), incEntries[0].Offset)
}

func TestPrepareReusesRecordedSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.vols.Create(ctx, volume.CreateSpec{ID: "vol", SizeBytes: 2 * block})
	require.NoError(t, err)

	job := &model.Job{ID: "j", VolumeID: "vol", Direction: model.DirectionBackup}
	run, err := f.tr.Prepare(ctx, job, f.target)
	require.NoError(t, err)
	job.SnapshotID = run.Plan().SnapshotID

	again, err := f.tr.Prepare(ctx, job, f.target)
	require.NoError(t, err)
	assert.Equal(t, job.SnapshotID, again.Plan().SnapshotID)

	info, err := f.vols.Inspect(ctx, "vol")
	require.NoError(t, err)
	assert.Len(t, info.Snapshots, 1)
}

func TestAbandonAndCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.vols.Create(ctx, volume.CreateSpec{ID: "vol", SizeBytes: block})
	require.NoError(t, err)

	job := &model.Job{ID: "j", VolumeID: "vol", Direction: model.DirectionBackup}
	run, err := f.tr.Prepare(ctx, job, f.target)
	require.NoError(t, err)
	run.Abandon(ctx)
	info, err := f.vols.Inspect(ctx, "vol")
	require.NoError(t, err)
	assert.Empty(t, info.Snapshots)

	run, err = f.tr.Prepare(ctx, job, f.target)
	require.NoError(t, err)
	job.SnapshotID = run.Plan().SnapshotID
	_, _, err = run.Chunk(ctx, 0)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(f.dir, "vol", "j", "chunk-00000000"))

	require.NoError(t, f.tr.Cleanup(ctx, job, f.target))
	assert.NoDirExists(t, filepath.Join(f.dir, "vol", "j"))
	info, err = f.vols.Inspect(ctx, "vol")
	require.NoError(t, err)
	assert.Empty(t, info.Snapshots)

	// Repeating cleanup is harmless.
	require.NoError(t, f.tr.Cleanup(ctx, job, f.target))
}

func TestPrepareMissingVolume(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.Prepare(context.Background(), &model.Job{ID: "j", VolumeID: "nope"}, f.target)
	assert.ErrorIs(t, err, model.ErrResourceUnavailable)
}
