package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: 1 * time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxElapsedTime:  1 * time.Second,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := RetryWithCallback(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return NewRetryableError(errors.New("upstream unavailable"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := RetryWithCallback(context.Background(), fastPolicy(3), func() error {
		calls++
		return errors.New("still failing")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestFatalErrorStopsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("bad request")
	err := RetryWithCallback(context.Background(), fastPolicy(5), func() error {
		calls++
		return NewFatalError(boom)
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestOnRetryFiresBetweenAttempts(t *testing.T) {
	var attempts []int
	err := RetryWithCallback(context.Background(), fastPolicy(3), func() error {
		return errors.New("nope")
	}, func(attempt int, err error, nextDelay time.Duration) {
		attempts = append(attempts, attempt)
		assert.Error(t, err)
		assert.Greater(t, nextDelay, time.Duration(0))
	})

	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestCanceledContextAbortsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryWithCallback(ctx, fastPolicy(10), func() error {
		calls++
		cancel()
		return NewRetryableError(errors.New("transient"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
