// Package gcs stores backup objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
	"github.com/Chapsvision-dev/cloudbackupd/internal/util"
	"github.com/Chapsvision-dev/cloudbackupd/internal/version"
)

// GCSProvider implements provider.Provider on cloud.google.com/go/storage.
type GCSProvider struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
	ro     retry.Options
}

func init() {
	provider.Register("gcs", func(ctx context.Context, c credential.Credential, ro retry.Options) (provider.Provider, error) {
		creds, err := google.CredentialsFromJSON(ctx, []byte(c.ServiceAccountJSON), storage.ScopeReadWrite)
		if err != nil {
			return nil, fmt.Errorf("%w: gcs service account: %v", model.ErrCredentialInvalid, err)
		}
		opts := []option.ClientOption{option.WithCredentials(creds), option.WithUserAgent(version.AppID())}
		if c.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(c.Endpoint))
		}
		return New(ctx, c, ro, opts...)
	})
}

// New opens a storage client. Callers outside the registry pass their own
// client options (e.g. option.WithoutAuthentication against an emulator).
func New(ctx context.Context, c credential.Credential, ro retry.Options, opts ...option.ClientOption) (*GCSProvider, error) {
	cl, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSProvider{
		bucket: cl.Bucket(c.Bucket),
		name:   c.Bucket,
		prefix: strings.Trim(c.Prefix, "/"),
		ro:     ro,
	}, nil
}

func (p *GCSProvider) Name() string { return "gcs" }

func (p *GCSProvider) object(key string) string { return provider.JoinKey(p.prefix, key) }

func (p *GCSProvider) Validate(ctx context.Context) error {
	err := retry.Do(ctx, p.ro, isGCSRetryable, func(ctx context.Context) error {
		_, err := p.bucket.Attrs(ctx)
		return err
	})
	return translateError(err, "bucket "+p.name)
}

func (p *GCSProvider) Put(ctx context.Context, key string, data []byte) error {
	name := p.object(key)
	err := retry.Do(ctx, p.ro, isGCSRetryable, func(ctx context.Context) error {
		w := p.bucket.Object(name).NewWriter(ctx)
		w.Metadata = map[string]string{"sha256": util.SHA256Hex(data)}
		n, err := w.Write(data)
		if err != nil {
			_ = w.Close()
			return err
		}
		if n != len(data) {
			_ = w.Close()
			return fmt.Errorf("truncated write %v of %v bytes", n, len(data))
		}
		return w.Close()
	})
	if err != nil {
		log.Debug().Err(err).Str("action", "gcs_upload").Str("bucket", p.name).Str("key", name).Msg("upload failed")
	}
	return translateError(err, "object "+name)
}

func (p *GCSProvider) Get(ctx context.Context, key string) ([]byte, error) {
	name := p.object(key)
	var out []byte
	err := retry.Do(ctx, p.ro, isGCSRetryable, func(ctx context.Context) error {
		r, err := p.bucket.Object(name).NewReader(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()
		out, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		return nil, translateError(err, "object "+name)
	}
	return out, nil
}

func (p *GCSProvider) DeletePrefix(ctx context.Context, prefix string) error {
	pfx := p.object(prefix) + "/"
	it := p.bucket.Objects(ctx, &storage.Query{Prefix: pfx})
	deleted := 0
	for {
		oa, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return translateError(err, "list "+pfx)
		}
		err = retry.Do(ctx, p.ro, isGCSRetryable, func(ctx context.Context) error {
			return p.bucket.Object(oa.Name).Delete(ctx)
		})
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return translateError(err, "object "+oa.Name)
		}
		deleted++
	}
	log.Info().Str("action", "gcs_delete_prefix").Str("bucket", p.name).Str("prefix", pfx).
		Int("deleted", deleted).Msg("prefix removed")
	return nil
}

func isGCSRetryable(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code == http.StatusTooManyRequests || ge.Code == http.StatusRequestTimeout || ge.Code >= 500
	}
	return false
}

func translateError(err error, what string) error {
	var ge *googleapi.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return fmt.Errorf("%w: gcs %s", model.ErrNotFound, what)
	case errors.Is(err, storage.ErrBucketNotExist):
		return fmt.Errorf("%w: gcs %s: bucket does not exist", model.ErrCredentialInvalid, what)
	case errors.As(err, &ge) && (ge.Code == http.StatusUnauthorized || ge.Code == http.StatusForbidden):
		return fmt.Errorf("%w: gcs %s: %v", model.ErrCredentialInvalid, what, err)
	default:
		return fmt.Errorf("gcs %s: %w", what, err)
	}
}
