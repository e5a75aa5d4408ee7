// Package fs stores backup objects as files under a local directory; useful
// for NFS-mounted targets and tests.
package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
)

type FSProvider struct {
	root string
}

func init() {
	provider.Register("fs", func(_ context.Context, c credential.Credential, _ retry.Options) (provider.Provider, error) {
		return New(filepath.Join(c.Bucket, filepath.FromSlash(strings.Trim(c.Prefix, "/")))), nil
	})
}

// New returns a provider rooted at dir.
func New(dir string) *FSProvider {
	return &FSProvider{root: filepath.Clean(dir)}
}

func (p *FSProvider) Name() string { return "fs" }

// path maps a key below root, refusing keys that would escape it.
func (p *FSProvider) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("%w: empty key", model.ErrInvalidArgument)
	}
	return filepath.Join(p.root, filepath.FromSlash(clean)), nil
}

func (p *FSProvider) Validate(ctx context.Context) error {
	if err := os.MkdirAll(p.root, 0o750); err != nil {
		return fmt.Errorf("%w: fs root %s: %v", model.ErrCredentialInvalid, p.root, err)
	}
	probe, err := os.CreateTemp(p.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: fs root %s not writable: %v", model.ErrCredentialInvalid, p.root, err)
	}
	_ = probe.Close()
	return os.Remove(probe.Name())
}

func (p *FSProvider) Put(ctx context.Context, key string, data []byte) error {
	path, err := p.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("mkdir for %s: %w", key, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (p *FSProvider) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := p.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: object %s", model.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (p *FSProvider) DeletePrefix(ctx context.Context, prefix string) error {
	path, err := p.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", prefix, err)
	}
	log.Debug().Str("action", "fs_delete_prefix").Str("root", p.root).Str("prefix", prefix).Msg("prefix removed")
	return nil
}
