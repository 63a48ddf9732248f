package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/pkg/errors"
)

func fastConfig(attempts int) Config {
	config := DefaultConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_RetryableError(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeConnectionTimeout, "upload timed out")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_CodeListedAsRetryable(t *testing.T) {
	// STORAGE_WRITE is not retryable by default but is in the default list.
	attempts := 0
	err := New(fastConfig(2)).Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeStorageWrite, "put object")
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageWrite))
}

func TestRetryer_NonRetryableError(t *testing.T) {
	attempts := 0
	testErr := errors.NewError(errors.ErrCodeObjectNotFound, "no such image")
	err := New(fastConfig(3)).Do(func() error {
		attempts++
		return testErr
	})

	assert.Equal(t, 1, attempts)
	assert.Same(t, testErr, err)
}

func TestRetryer_PlainErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	err := New(fastConfig(4)).Do(func() error {
		attempts++
		return stderr.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeConnectionFailed, "dial tcp")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.True(t, errors.IsCode(err, errors.ErrCodeConnectionFailed))
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig(10)
	config.InitialDelay = time.Second
	config.MaxDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := New(config).DoWithContext(ctx, func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeConnectionFailed, "dial tcp")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryer_BackoffAndCallback(t *testing.T) {
	config := fastConfig(4)
	config.InitialDelay = 2 * time.Millisecond
	config.MaxDelay = 5 * time.Millisecond

	var delays []time.Duration
	retryer := New(config).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	})

	_ = retryer.Do(func() error {
		return errors.NewError(errors.ErrCodeOperationTimeout, "slow")
	})

	require.Len(t, delays, 3)
	assert.Equal(t, 2*time.Millisecond, delays[0])
	assert.Equal(t, 4*time.Millisecond, delays[1])
	assert.Equal(t, 5*time.Millisecond, delays[2], "delay is capped at MaxDelay")
}

func TestNew_AppliesDefaults(t *testing.T) {
	r := New(Config{})
	assert.Equal(t, 5, r.config.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, r.config.InitialDelay)
	assert.Equal(t, 30*time.Second, r.config.MaxDelay)
	assert.Equal(t, 2.0, r.config.Multiplier)
}

func TestRetryer_BudgetStopsRetries(t *testing.T) {
	config := fastConfig(10)
	config.InitialDelay = 50 * time.Millisecond
	config.MaxDelay = 50 * time.Millisecond
	config.Budget = 10 * time.Millisecond

	r := New(config)
	attempts := 0
	err := r.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeStorageRead, "get object")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "the first wait already overruns the budget")
	assert.Contains(t, err.Error(), "budget")
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageRead))
	assert.Equal(t, uint64(1), r.Stats().Exhausted)
}

func TestRetryer_AbortHook(t *testing.T) {
	open := false
	r := New(fastConfig(5)).WithAbort(func() bool { return open })

	attempts := 0
	err := r.Do(func() error {
		attempts++
		if attempts == 2 {
			open = true
		}
		return errors.NewError(errors.ErrCodeConnectionFailed, "dial tcp")
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, err.Error(), "aborted")
	assert.True(t, errors.IsCode(err, errors.ErrCodeConnectionFailed))
	assert.Equal(t, uint64(1), r.Stats().Aborted)
}

func TestRetryer_StatsSharedByDerivedRetryers(t *testing.T) {
	base := New(fastConfig(3))
	derived := base.WithOnRetry(func(int, error, time.Duration) {})

	calls := 0
	_ = derived.Do(func() error {
		calls++
		if calls < 2 {
			return errors.NewError(errors.ErrCodeStorageWrite, "put object")
		}
		return nil
	})
	_ = base.Do(func() error { return nil })

	stats := base.Stats()
	assert.Equal(t, uint64(2), stats.Calls)
	assert.Equal(t, uint64(3), stats.Attempts)
	assert.Equal(t, uint64(1), stats.Retries)
	assert.Zero(t, stats.Exhausted)
	assert.Equal(t, stats, derived.Stats())
}
