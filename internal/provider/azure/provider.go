package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
	"github.com/Chapsvision-dev/cloudbackupd/internal/util"
)

type AzureProvider struct {
	client     *azblob.Client
	container  string
	prefix     string
	endpoint   string // e.g. https://<account>.blob.core.windows.net/
	sas        string // raw SAS without leading "?"
	authViaSAS bool
	ro         retry.Options
	httpClient *http.Client
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) blob(key string) string {
	return provider.JoinKey(p.prefix, key)
}

// Validate checks container access with a minimal list.
func (p *AzureProvider) Validate(ctx context.Context) error {
	return p.ensureContainer(ctx)
}

// Put uploads data and validates it (HEAD with SAS, list otherwise).
func (p *AzureProvider) Put(ctx context.Context, key string, data []byte) error {
	name := p.blob(key)
	sum := util.SHA256Hex(data)
	size := int64(len(data))

	upStart := time.Now()
	upAttempt := 0
	uploadOnce := func(ctx context.Context) error {
		upAttempt++
		_, err := p.client.UploadBuffer(ctx, p.container, name, data, &azblob.UploadBufferOptions{
			Metadata: map[string]*string{"sha256": to.Ptr(sum)},
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "azure_upload").Str("container", p.container).Str("key", name).
				Int("attempt", upAttempt).Msg("attempt failed")
		}
		return err
	}
	if err := retry.Do(ctx, p.ro, isAzRetryable, uploadOnce); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	log.Debug().Str("action", "azure_upload").Str("container", p.container).Str("key", name).
		Int("attempts", upAttempt).Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")

	// Post-upload validation.
	if p.authViaSAS {
		headOnce := func(ctx context.Context) error {
			remoteSize, remoteSHA, err := p.headSizeAndSHA(ctx, name)
			if err != nil {
				return err
			}
			if remoteSize != size {
				return fmt.Errorf("size mismatch: local=%d, remote=%d", size, remoteSize)
			}
			if remoteSHA != sum {
				return fmt.Errorf("sha256 mismatch: local=%s, remote=%s", sum, remoteSHA)
			}
			return nil
		}
		if err := retry.Do(ctx, p.ro, isAzRetryable, headOnce); err != nil {
			return fmt.Errorf("validate (head) %s: %w", name, err)
		}
		return nil
	}

	validateOnce := func(ctx context.Context) error {
		found, remoteSize, err := p.validateSizeByList(ctx, name)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("uploaded blob not found at %q", name)
		}
		if remoteSize != size {
			return fmt.Errorf("size mismatch: local=%d, remote=%d", size, remoteSize)
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, isAzRetryable, validateOnce); err != nil {
		return fmt.Errorf("validate (list) %s: %w", name, err)
	}
	return nil
}

// Get downloads a blob and checks it against the sha256 recorded at upload.
func (p *AzureProvider) Get(ctx context.Context, key string) ([]byte, error) {
	name := p.blob(key)
	var out []byte
	dlAttempt := 0
	downloadOnce := func(ctx context.Context) error {
		dlAttempt++
		resp, err := p.client.DownloadStream(ctx, p.container, name, nil)
		if err != nil {
			log.Debug().Err(err).Str("action", "azure_download").Str("container", p.container).Str("key", name).
				Int("attempt", dlAttempt).Msg("attempt failed")
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		var buf bytes.Buffer
		sum, _, err := util.SHA256Reader(io.TeeReader(resp.Body, &buf))
		if err != nil {
			return err
		}
		if want := resp.Metadata["sha256"]; want != nil && *want != sum {
			return fmt.Errorf("sha256 mismatch: remote=%s, downloaded=%s", *want, sum)
		}
		out = buf.Bytes()
		return nil
	}
	if err := retry.Do(ctx, p.ro, isAzRetryable, downloadOnce); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%w: blob %s", model.ErrNotFound, name)
		}
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	return out, nil
}

// DeletePrefix lists and deletes every blob under prefix.
func (p *AzureProvider) DeletePrefix(ctx context.Context, prefix string) error {
	pfx := p.blob(prefix) + "/"
	pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(pfx)})
	deleted := 0
	for pager.More() {
		var page azblob.ListBlobsFlatResponse
		err := retry.Do(ctx, p.ro, isAzRetryable, func(ctx context.Context) error {
			var err error
			page, err = pager.NextPage(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("list %s: %w", pfx, err)
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name == nil {
				continue
			}
			name := *it.Name
			err := retry.Do(ctx, p.ro, isAzRetryable, func(ctx context.Context) error {
				_, err := p.client.DeleteBlob(ctx, p.container, name, nil)
				if bloberror.HasCode(err, bloberror.BlobNotFound) {
					return nil
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			deleted++
		}
	}
	log.Info().Str("action", "azure_delete_prefix").Str("container", p.container).Str("prefix", pfx).
		Int("deleted", deleted).Msg("prefix removed")
	return nil
}
