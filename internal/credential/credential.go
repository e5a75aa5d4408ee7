// Package credential resolves the cloud credentials a job references by ID.
// Jobs never copy secrets; they are looked up each time a transfer starts.
package credential

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

// Credential is the resolved material for one cloud target.
type Credential struct {
	ID       string `yaml:"-" json:"id"`
	Provider string `yaml:"provider" json:"provider"`

	// Bucket is the container (azure), bucket (s3, gcs) or base directory (fs).
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix,omitempty"`

	Endpoint  string `yaml:"endpoint" json:"endpoint,omitempty"`
	Region    string `yaml:"region" json:"region,omitempty"`
	PathStyle bool   `yaml:"path_style" json:"path_style,omitempty"`

	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`

	Account      string `yaml:"account" json:"account,omitempty"`
	SASToken     string `yaml:"sas_token" json:"-"`
	TenantID     string `yaml:"tenant_id" json:"-"`
	ClientID     string `yaml:"client_id" json:"-"`
	ClientSecret string `yaml:"client_secret" json:"-"`

	// ServiceAccountJSON is the raw key of a Google service account.
	ServiceAccountJSON string `yaml:"service_account_json" json:"-"`
}

// Resolver looks credentials up by ID.
type Resolver interface {
	Resolve(ctx context.Context, id string) (Credential, error)
}

// Validate checks the fields each provider cannot work without.
func (c Credential) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: credential %s: %s", model.ErrCredentialInvalid, c.ID, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return bad("bucket is required")
	}
	switch c.Provider {
	case "azure":
		if c.Account == "" && c.Endpoint == "" {
			return bad("azure requires account or endpoint")
		}
		sp := c.TenantID != "" || c.ClientID != "" || c.ClientSecret != ""
		if sp && (c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "") {
			return bad("azure service principal needs tenant_id, client_id and client_secret")
		}
	case "s3":
		if (c.AccessKey == "") != (c.SecretKey == "") {
			return bad("s3 needs both access_key and secret_key")
		}
		if c.Region == "" && c.Endpoint == "" {
			return bad("s3 requires region or endpoint")
		}
	case "gcs":
		if strings.TrimSpace(c.ServiceAccountJSON) == "" {
			return bad("gcs requires service_account_json")
		}
	case "fs":
	default:
		return bad("unknown provider %q", c.Provider)
	}
	return nil
}

// expand replaces "file:<path>" secret values with the file content, the way
// projected service-account tokens are mounted.
func (c *Credential) expand() error {
	for _, f := range []*string{&c.AccessKey, &c.SecretKey, &c.SASToken, &c.ClientSecret, &c.ServiceAccountJSON} {
		path, ok := strings.CutPrefix(*f, "file:")
		if !ok {
			continue
		}
		data, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return fmt.Errorf("%w: credential %s: read secret file: %v", model.ErrCredentialInvalid, c.ID, err)
		}
		*f = strings.TrimSpace(string(data))
	}
	return nil
}

// Static is an in-memory Resolver.
type Static map[string]Credential

func (s Static) Resolve(ctx context.Context, id string) (Credential, error) {
	c, ok := s[id]
	if !ok {
		return Credential{}, fmt.Errorf("%w: unknown credential %q", model.ErrCredentialInvalid, id)
	}
	c.ID = id
	if err := c.expand(); err != nil {
		return Credential{}, err
	}
	return c, c.Validate()
}
