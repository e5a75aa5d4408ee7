package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
)

// Factory creates a provider instance from a resolved credential.
type Factory func(ctx context.Context, cred credential.Credential, ro retry.Options) (Provider, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register binds a provider name to its factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// New returns a provider instance for cred.Provider.
func New(ctx context.Context, cred credential.Credential, ro retry.Options) (Provider, error) {
	mu.RLock()
	f, ok := registry[cred.Provider]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider not found: %s", model.ErrCredentialInvalid, cred.Provider)
	}
	return f(ctx, cred, ro)
}

// Names lists registered providers.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
