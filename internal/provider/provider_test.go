package provider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Chapsvision-dev/cloudbackupd/internal/credential"
	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
	"github.com/Chapsvision-dev/cloudbackupd/internal/retry"
)

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "a/b/c", provider.JoinKey("/a/", "", "b", "c/"))
	assert.Equal(t, "", provider.JoinKey("", "/"))
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := provider.New(context.Background(), credential.Credential{Provider: "tape"}, retry.Options{})
	assert.ErrorIs(t, err, model.ErrCredentialInvalid)
}
