package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p, err := provider.New(ctx, credential.Credential{Provider: "fs", Bucket: root, Prefix: "cluster"}, retry.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Validate(ctx))

	require.NoError(t, p.Put(ctx, "vol-1/j1/chunk-00000000", []byte("abc")))
	require.NoError(t, p.Put(ctx, "vol-1/j2/chunk-00000000", []byte("def")))
	_, err = os.Stat(filepath.Join(root, "cluster", "vol-1", "j1", "chunk-00000000"))
	require.NoError(t, err)

	got, err := p.Get(ctx, "vol-1/j1/chunk-00000000")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	require.NoError(t, p.DeletePrefix(ctx, "vol-1/j1"))
	_, err = p.Get(ctx, "vol-1/j1/chunk-00000000")
	assert.ErrorIs(t, err, model.ErrNotFound)

	got, err = p.Get(ctx, "vol-1/j2/chunk-00000000")
	require.NoError(t, err)
	assert.Equal(t, "def", string(got))

	require.NoError(t, p.DeletePrefix(ctx, "never-written"))
}

func TestKeysStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	p := New(filepath.Join(root, "inner"))
	require.NoError(t, p.Put(context.Background(), "../../escape", []byte("x")))
	_, err := os.Stat(filepath.Join(root, "inner", "escape"))
	assert.NoError(t, err)

	assert.ErrorIs(t, p.Put(context.Background(), "/", []byte("x")), model.ErrInvalidArgument)
}
