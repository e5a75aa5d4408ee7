package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
)

// Build client from the credential and capture endpoint/SAS for HEAD validation.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClient(c credential.Credential) (*azblob.Client, string, string, bool, error) {
	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	// 1) SAS
	if sasRaw := strings.TrimSpace(c.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		cl, err := azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
		return cl, endpoint, sas, true, err
	}

	// 2) Service Principal
	if c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
		if err != nil {
			return nil, "", "", false, err
		}
		cl, err := azblob.NewClient(endpoint, cred, nil)
		return cl, endpoint, "", false, err
	}

	// 3) Managed Identity / DefaultAzureCredential
	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, "", "", false, err
	}
	cl, err := azblob.NewClient(endpoint, defCred, nil)
	return cl, endpoint, "", false, err
}

func init() {
	provider.Register("azure", func(_ context.Context, c credential.Credential, ro retry.Options) (provider.Provider, error) {
		client, endpoint, sas, viaSAS, err := newClient(c)
		if err != nil {
			return nil, fmt.Errorf("azure client: %w", err)
		}
		return &AzureProvider{
			client:     client,
			container:  c.Bucket,
			prefix:     strings.Trim(c.Prefix, "/"),
			endpoint:   endpoint,
			sas:        sas,
			authViaSAS: viaSAS,
			ro:         ro,
		}, nil
	})
}
