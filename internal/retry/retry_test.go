package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Options{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	var retried []int
	opts := fast
	opts.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	err := Do(context.Background(), opts, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("forbidden")
	calls := 0
	err := Do(context.Background(), fast, func(err error) bool { return !errors.Is(err, permanent) },
		func(context.Context) error {
			calls++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, nil, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	assert.EqualError(t, err, "down")
	assert.Equal(t, fast.MaxAttempts, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, opts, nil, func(context.Context) error { return errors.New("down") })
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestNormalizedDefaults(t *testing.T) {
	o := Options{}.normalized()
	assert.Equal(t, Default.MaxAttempts, o.MaxAttempts)
	assert.Equal(t, Default.InitialDelay, o.InitialDelay)
}
