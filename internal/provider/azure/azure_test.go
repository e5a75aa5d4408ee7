package azure

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
)

func TestRegistered(t *testing.T) {
	p, err := provider.New(context.Background(), credential.Credential{
		Provider: "azure",
		Bucket:   "backups",
		Prefix:   "/cluster-a/",
		Account:  "acct",
		SASToken: "?sv=2024&sig=abc",
	}, retry.Options{})
	require.NoError(t, err)

	az, ok := p.(*AzureProvider)
	require.True(t, ok)
	assert.Equal(t, "azure", az.Name())
	assert.True(t, az.authViaSAS)
	assert.Equal(t, "sv=2024&sig=abc", az.sas)
	assert.Equal(t, "https://acct.blob.core.windows.net/", az.endpoint)
	assert.Equal(t, "cluster-a/vol-1/job/chunk-00000000", az.blob("vol-1/job/chunk-00000000"))
}

func TestIsAzRetryable(t *testing.T) {
	assert.True(t, isAzRetryable(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}))
	assert.True(t, isAzRetryable(&azcore.ResponseError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, isAzRetryable(&azcore.ResponseError{StatusCode: http.StatusOK, ErrorCode: "ServerBusy"}))
	assert.False(t, isAzRetryable(&azcore.ResponseError{StatusCode: http.StatusForbidden}))
	assert.False(t, isAzRetryable(errors.New("size mismatch")))
	assert.False(t, isAzRetryable(model.ErrCredentialInvalid))
}

func TestHeadSizeAndSHA(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/backups/vol-1/chunk", r.URL.Path)
		assert.Equal(t, "sig=abc", r.URL.RawQuery)
		w.Header().Set("Content-Length", "42")
		w.Header().Set("x-ms-meta-sha256", "deadbeef")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &AzureProvider{container: "backups", endpoint: srv.URL + "/", sas: "sig=abc", httpClient: srv.Client()}
	n, sha, err := p.headSizeAndSHA(context.Background(), "vol-1/chunk")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.Equal(t, "deadbeef", sha)
}

func TestHeadHidesSAS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := &AzureProvider{container: "backups", endpoint: srv.URL + "/", sas: "sig=secret", httpClient: srv.Client()}
	_, _, err := p.headSizeAndSHA(context.Background(), "k")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}
