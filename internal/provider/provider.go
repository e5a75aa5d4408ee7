package provider

import (
	"context"
	"strings"
)

// Provider defines the contract for cloud targets that hold backup objects.
// Keys are slash-separated and relative to the credential's bucket/prefix.
type Provider interface {
	// Name returns the provider identifier (e.g. "azure", "s3").
	Name() string

	// Validate checks that the target is reachable with the credential.
	Validate(ctx context.Context) error

	// Put uploads data under key, overwriting any previous object.
	Put(ctx context.Context, key string, data []byte) error

	// Get downloads the object at key. Missing objects wrap model.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// DeletePrefix removes every object under prefix. Deleting nothing is not
	// an error.
	DeletePrefix(ctx context.Context, prefix string) error
}

// JoinKey joins non-empty key segments with "/".
func JoinKey(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
