package credential

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

// File resolves credentials from a YAML document:
//
//	credentials:
//	  prod-s3:
//	    provider: s3
//	    bucket: backups
//	    region: eu-west-1
//	    access_key: AKIA...
//	    secret_key: file:/run/secrets/s3
//
// The file is re-read when its modification time changes, so rotated secrets
// are picked up by the next transfer without a restart.
type File struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	entries Static
}

type fileDoc struct {
	Credentials map[string]Credential `yaml:"credentials"`
}

// NewFile loads path once so configuration errors surface at startup.
func NewFile(path string) (*File, error) {
	f := &File{path: path}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Resolve(ctx context.Context, id string) (Credential, error) {
	if err := f.reload(); err != nil {
		log.Warn().Err(err).Str("action", "credential_reload").Str("file", f.path).
			Msg("keeping previously loaded credentials")
	}
	f.mu.Lock()
	entries := f.entries
	f.mu.Unlock()

	c, err := entries.Resolve(ctx, id)
	if err != nil {
		log.Debug().Err(err).Str("action", "credential_resolve").Str("credential_id", id).Msg("resolve failed")
		return Credential{}, err
	}
	log.Debug().Str("action", "credential_resolve").Str("credential_id", id).
		Str("provider", c.Provider).Msg("credential resolved")
	return c, nil
}

func (f *File) reload() error {
	st, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("%w: stat credentials file: %v", model.ErrCredentialInvalid, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries != nil && st.ModTime().Equal(f.modTime) {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("%w: read credentials file: %v", model.ErrCredentialInvalid, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: parse credentials file: %v", model.ErrCredentialInvalid, err)
	}
	entries := make(Static, len(doc.Credentials))
	for id, c := range doc.Credentials {
		entries[id] = c
	}
	f.entries = entries
	f.modTime = st.ModTime()
	log.Info().Str("action", "credential_reload").Str("file", f.path).
		Int("count", len(entries)).Msg("credentials loaded")
	return nil
}
