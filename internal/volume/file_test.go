package volume

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

func newEngine(t *testing.T) *FileEngine {
	t.Helper()
	e, err := NewFileEngine(t.TempDir())
	require.NoError(t, err)
	return e
}

func TestCreateInspectList(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	gold, err := e.Create(ctx, CreateSpec{ID: "vol-a", SizeBytes: 1 << 20, Labels: map[string]string{"tier": "gold"}})
	require.NoError(t, err)
	assert.Equal(t, 1, gold.Replicas)
	_, err = e.Create(ctx, CreateSpec{ID: "vol-b", SizeBytes: 1 << 20, Replicas: 3})
	require.NoError(t, err)

	_, err = e.Create(ctx, CreateSpec{ID: "vol-a", SizeBytes: 1})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
	_, err = e.Create(ctx, CreateSpec{ID: "../x", SizeBytes: 1})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	info, err := e.Inspect(ctx, "vol-b")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Replicas)

	_, err = e.Inspect(ctx, "vol-z")
	assert.ErrorIs(t, err, model.ErrNotFound)

	all, err := e.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sel, err := e.List(ctx, map[string]string{"tier": "gold"})
	require.NoError(t, err)
	require.Len(t, sel, 1)
	assert.Equal(t, "vol-a", sel[0].ID)
}

func TestSnapshotsAndChangedExtents(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	_, err := e.Create(ctx, CreateSpec{ID: "vol", SizeBytes: 4 * extentBlock})
	require.NoError(t, err)

	require.NoError(t, e.WriteAt(ctx, "vol", bytes.Repeat([]byte{1}, 10), 0))
	base, err := e.Snapshot(ctx, "vol")
	require.NoError(t, err)

	require.NoError(t, e.WriteAt(ctx, "vol", []byte{9}, 2*extentBlock+5))
	require.NoError(t, e.WriteAt(ctx, "vol", []byte{9}, 3*extentBlock))
	next, err := e.Snapshot(ctx, "vol")
	require.NoError(t, err)

	ext, err := e.ChangedExtents(ctx, "vol", next, base)
	require.NoError(t, err)
	assert.Equal(t, []Extent{{Offset: 2 * extentBlock, Length: 2 * extentBlock}}, ext)

	buf := make([]byte, 10)
	n, err := e.ReadAt(ctx, "vol", base, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, bytes.Repeat([]byte{1}, 10), buf)

	require.NoError(t, e.DeleteSnapshot(ctx, "vol", base))
	_, err = e.ChangedExtents(ctx, "vol", next, base)
	assert.ErrorIs(t, err, model.ErrNotFound)

	info, err := e.Inspect(ctx, "vol")
	require.NoError(t, err)
	assert.Equal(t, []string{next}, info.Snapshots)
}

func TestWriteBoundsAndAttach(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	_, err := e.Create(ctx, CreateSpec{ID: "vol", SizeBytes: 8})
	require.NoError(t, err)

	assert.ErrorIs(t, e.WriteAt(ctx, "vol", make([]byte, 4), 6), model.ErrInvalidArgument)

	require.NoError(t, e.Attach(ctx, "vol", "node-1"))
	require.NoError(t, e.Attach(ctx, "vol", "node-1"))
	assert.ErrorIs(t, e.Attach(ctx, "vol", "node-2"), model.ErrResourceUnavailable)

	require.NoError(t, e.Delete(ctx, "vol"))
	_, err = e.Inspect(ctx, "vol")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestChunks(t *testing.T) {
	got := Chunks([]Extent{{Offset: 0, Length: 10}, {Offset: 100, Length: 3}}, 4)
	assert.Equal(t, []Extent{{0, 4}, {4, 4}, {8, 2}, {100, 3}}, got)
}
