// Package s3 stores backup objects in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
	"github.com/Chapsvision-dev/cloudbackupd/internal/util"
	"github.com/Chapsvision-dev/cloudbackupd/internal/version"
)

const defaultRegion = "us-east-1"

// S3Provider implements provider.Provider on the AWS SDK.
type S3Provider struct {
	client *s3.Client
	bucket string
	prefix string
	ro     retry.Options
}

func init() {
	provider.Register("s3", func(_ context.Context, c credential.Credential, ro retry.Options) (provider.Provider, error) {
		return New(c, ro), nil
	})
}

// New builds a client for the credential's endpoint and static keys.
func New(c credential.Credential, ro retry.Options) *S3Provider {
	region := c.Region
	if region == "" {
		region = defaultRegion
	}
	opts := s3.Options{
		Region:       region,
		UsePathStyle: c.PathStyle,
		AppID:        version.AppID(),
		// Backoff is owned by retry.Do so budgets come from config.
		RetryMaxAttempts: 1,
		// S3-compatible stores (RGW, MinIO) reject trailing checksums.
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	}
	if c.Endpoint != "" {
		opts.BaseEndpoint = aws.String(c.Endpoint)
	}
	if c.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")
	}
	return &S3Provider{
		client: s3.New(opts),
		bucket: c.Bucket,
		prefix: strings.Trim(c.Prefix, "/"),
		ro:     ro,
	}
}

func (p *S3Provider) Name() string { return "s3" }

func (p *S3Provider) key(k string) string { return provider.JoinKey(p.prefix, k) }

func (p *S3Provider) Validate(ctx context.Context) error {
	err := retry.Do(ctx, p.ro, isS3Retryable, func(ctx context.Context) error {
		_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
		return err
	})
	if err == nil {
		return nil
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%w: bucket %q not found", model.ErrCredentialInvalid, p.bucket)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: not authorized for bucket %q", model.ErrCredentialInvalid, p.bucket)
		}
	}
	return fmt.Errorf("head bucket %s: %w", p.bucket, err)
}

func (p *S3Provider) Put(ctx context.Context, key string, data []byte) error {
	k := p.key(key)
	sum := util.SHA256Hex(data)
	attempt := 0
	err := retry.Do(ctx, p.ro, isS3Retryable, func(ctx context.Context) error {
		attempt++
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(p.bucket),
			Key:           aws.String(k),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			Metadata:      map[string]string{"sha256": sum},
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "s3_upload").Str("bucket", p.bucket).Str("key", k).
				Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", k, err)
	}
	return nil
}

func (p *S3Provider) Get(ctx context.Context, key string) ([]byte, error) {
	k := p.key(key)
	var out []byte
	err := retry.Do(ctx, p.ro, isS3Retryable, func(ctx context.Context) error {
		resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(k)})
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if want, ok := resp.Metadata["sha256"]; ok && want != util.SHA256Hex(data) {
			return fmt.Errorf("sha256 mismatch for %s", k)
		}
		out = data
		return nil
	})
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, fmt.Errorf("%w: object %s", model.ErrNotFound, k)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", k, err)
	}
	return out, nil
}

func (p *S3Provider) DeletePrefix(ctx context.Context, prefix string) error {
	pfx := p.key(prefix) + "/"
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(pfx),
	})
	deleted := 0
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := retry.Do(ctx, p.ro, isS3Retryable, func(ctx context.Context) error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("list %s: %w", pfx, err)
		}
		if len(page.Contents) == 0 {
			break
		}
		objects := make([]s3types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			objects[i] = s3types.ObjectIdentifier{Key: obj.Key}
		}
		err = retry.Do(ctx, p.ro, isS3Retryable, func(ctx context.Context) error {
			out, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(p.bucket),
				Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return err
			}
			if len(out.Errors) > 0 {
				e := out.Errors[0]
				return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
			}
			return nil
		})
		if err != nil {
			return err
		}
		deleted += len(objects)
	}
	log.Info().Str("action", "s3_delete_prefix").Str("bucket", p.bucket).Str("prefix", pfx).
		Int("deleted", deleted).Msg("prefix removed")
	return nil
}

// isS3Retryable: timeouts, throttling and 5xx.
func isS3Retryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		}
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
	}
	return false
}
