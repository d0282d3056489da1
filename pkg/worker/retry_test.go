package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryq/quarry/pkg/core"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0,
	}
}

func TestRetryWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), fastRetry(), func() error {
		calls++
		if calls < 3 {
			return core.ErrStoreUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), fastRetry(), func() error {
		calls++
		return core.ErrStoreUnavailable
	})
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_LeaseErrorsAreNotRetried(t *testing.T) {
	for _, sentinel := range []error{
		core.ErrLeaseExpired,
		core.ErrLeaseMismatch,
		core.ErrNotFound,
		core.ErrValidation,
		core.ErrSerialization,
	} {
		calls := 0
		err := retryWithBackoff(context.Background(), fastRetry(), func() error {
			calls++
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls, "%v must surface immediately", sentinel)
	}
}

func TestRetryWithBackoff_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryWithBackoff(ctx, fastRetry(), func() error {
		return core.ErrStoreUnavailable
	})
	assert.True(t,
		errors.Is(err, context.Canceled) || errors.Is(err, core.ErrStoreUnavailable))
}

func TestRetryAfterError_Unwraps(t *testing.T) {
	inner := errors.New("rate limited")
	err := RetryAfter(time.Minute, inner)

	var ra *RetryAfterError
	require.ErrorAs(t, err, &ra)
	assert.Equal(t, time.Minute, ra.Delay)
	assert.ErrorIs(t, err, inner)
}
