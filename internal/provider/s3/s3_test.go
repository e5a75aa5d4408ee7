package s3

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
)

// fakeS3 serves the handful of path-style calls the provider makes.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	meta    map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<Error><Code>NoSuchBucket</Code><Message>nope</Message></Error>`)
		return
	}
	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		f.meta[key] = r.Header.Get("x-amz-meta-sha256")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key != "":
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("x-amz-meta-sha256", f.meta[key])
		_, _ = w.Write(data)
	case r.Method == http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		fmt.Fprintf(&b, `<ListBucketResult><Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><IsTruncated>false</IsTruncated>`,
			f.bucket, prefix, len(keys))
		for _, k := range keys {
			fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>%d</Size></Contents>`, k, len(f.objects[k]))
		}
		b.WriteString(`</ListBucketResult>`)
		_, _ = io.WriteString(w, b.String())
	case r.Method == http.MethodPost && r.URL.Query().Has("delete"):
		var req struct {
			Objects []struct {
				Key string `xml:"Key"`
			} `xml:"Object"`
		}
		_ = xml.NewDecoder(r.Body).Decode(&req)
		for _, o := range req.Objects {
			delete(f.objects, o.Key)
		}
		_, _ = io.WriteString(w, `<DeleteResult></DeleteResult>`)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestProvider(t *testing.T, bucket string) (*S3Provider, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "backups", objects: map[string][]byte{}, meta: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	p := New(credential.Credential{
		Provider:  "s3",
		Bucket:    bucket,
		Prefix:    "site-a",
		Endpoint:  srv.URL,
		PathStyle: true,
		AccessKey: "AKIA",
		SecretKey: "secret",
	}, retry.Options{MaxAttempts: 1})
	return p, fake
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t, "backups")

	require.NoError(t, p.Validate(ctx))
	require.NoError(t, p.Put(ctx, "vol-1/job-1/chunk-00000000", []byte("hello")))
	require.NoError(t, p.Put(ctx, "vol-1/job-1/chunk-00000001", []byte("world")))
	require.NoError(t, p.Put(ctx, "vol-1/job-2/chunk-00000000", []byte("keep")))
	assert.Contains(t, fake.objects, "site-a/vol-1/job-1/chunk-00000000")

	got, err := p.Get(ctx, "vol-1/job-1/chunk-00000001")
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	_, err = p.Get(ctx, "vol-1/job-9/chunk-00000000")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, p.DeletePrefix(ctx, "vol-1/job-1"))
	assert.Len(t, fake.objects, 1)
	assert.Contains(t, fake.objects, "site-a/vol-1/job-2/chunk-00000000")
}

func TestValidateMissingBucket(t *testing.T) {
	p, _ := newTestProvider(t, "elsewhere")
	err := p.Validate(context.Background())
	assert.ErrorIs(t, err, model.ErrCredentialInvalid)
}
