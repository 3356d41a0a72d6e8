package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("dial tcp: refused"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("dial tcp: refused"))
		assert.False(t, shouldRetry)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 10)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, time.Second},
			{1, 2 * time.Second},
			{3, 8 * time.Second},
			{8, 30 * time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("retries transient errors until the limit", func(t *testing.T) {
		fd := NewFixedDelay(10*time.Second, 5)

		for attempt := 0; attempt < 5; attempt++ {
			shouldRetry, delay := fd.ShouldRetry(attempt, errors.New("db unavailable"))
			assert.True(t, shouldRetry)
			assert.Equal(t, 10*time.Second, delay)
		}

		shouldRetry, _ := fd.ShouldRetry(5, errors.New("db unavailable"))
		assert.False(t, shouldRetry)
	})

	t.Run("never retries permanent errors", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, 5)

		shouldRetry, _ := fd.ShouldRetry(0, Permanent(errors.New("malformed payload")))
		assert.False(t, shouldRetry)
	})

	t.Run("zero attempts never retries", func(t *testing.T) {
		shouldRetry, _ := NewFixedDelay(time.Second, 0).ShouldRetry(0, errors.New("x"))
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), "connect", NewFixedDelay(100*time.Millisecond, 3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), "connect", NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps last error after max retries", func(t *testing.T) {
		attempts := 0
		cause := errors.New("persistent error")

		err := Retry(context.Background(), "connect", NewFixedDelay(time.Millisecond, 2), func() error {
			attempts++
			return cause
		})

		require.Error(t, err)
		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)

		var retryErr *RetryError
		require.True(t, errors.As(err, &retryErr))
		assert.Equal(t, "connect", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts int32

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, "connect", NewFixedDelay(time.Second, 5), func() error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("error")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.LessOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), "connect", NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			if attempts == 2 {
				return Permanent(errors.New("access refused"))
			}
			return errors.New("retryable error")
		})

		require.Error(t, err)
		assert.Equal(t, "access refused", err.Error())
		assert.Equal(t, 2, attempts)
	})
}

func TestSleep(t *testing.T) {
	t.Run("returns after the delay", func(t *testing.T) {
		assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	})

	t.Run("returns early when the context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		err := Sleep(ctx, time.Minute)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}

type rejection struct{ reason string }

func (r *rejection) Error() string     { return r.reason }
func (r *rejection) IsRetryable() bool { return false }

func TestIsRetryable(t *testing.T) {
	t.Run("nil error is not retryable", func(t *testing.T) {
		assert.False(t, IsRetryable(nil))
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		assert.True(t, IsRetryable(errors.New("unknown error")))
	})

	t.Run("RetryableError respects Retryable field", func(t *testing.T) {
		assert.True(t, IsRetryable(RetryableError{Err: errors.New("test"), Retryable: true}))
		assert.False(t, IsRetryable(RetryableError{Err: errors.New("test"), Retryable: false}))
	})

	t.Run("classification survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("handle order: %w", &rejection{reason: "bad json"})
		assert.False(t, IsRetryable(err))
	})

	t.Run("ErrNonRetryable is never retried", func(t *testing.T) {
		assert.False(t, IsRetryable(fmt.Errorf("x: %w", ErrNonRetryable)))
	})

	t.Run("Permanent of nil is nil", func(t *testing.T) {
		assert.NoError(t, Permanent(nil))
	})
}
