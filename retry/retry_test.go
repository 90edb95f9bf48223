package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transientError has an application-level message but unwraps to a
// connection reset so the default classifier treats it as network-class.
type transientError struct {
	msg string
}

func (e *transientError) Error() string {
	return e.msg
}

func (e *transientError) Unwrap() error {
	return syscall.ECONNRESET
}

func TestDo(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0

		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			attempts++
			return "ok", nil
		})

		assert.True(t, outcome.Success)
		assert.Equal(t, "ok", outcome.Data)
		assert.NoError(t, outcome.Err)
		assert.Equal(t, 1, outcome.Attempts)
		assert.Equal(t, 1, attempts)
		assert.GreaterOrEqual(t, outcome.TotalTime, time.Duration(0))
	})

	t.Run("retries once then succeeds", func(t *testing.T) {
		attempts := 0

		outcome := Do(context.Background(), func(ctx context.Context) (int, error) {
			attempts++
			if attempts == 1 {
				return 0, &transientError{msg: "connection reset"}
			}
			return 42, nil
		}, WithInitialDelay(5*time.Millisecond))

		assert.True(t, outcome.Success)
		assert.Equal(t, 42, outcome.Data)
		assert.Equal(t, 2, outcome.Attempts)
		assert.Equal(t, 2, attempts)
	})

	t.Run("exhausts retry budget and keeps last error verbatim", func(t *testing.T) {
		attempts := 0
		failure := &transientError{msg: "always fail"}

		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			attempts++
			return "", failure
		}, WithMaxRetries(2), WithInitialDelay(10*time.Millisecond))

		assert.False(t, outcome.Success)
		assert.Equal(t, 3, outcome.Attempts)
		assert.Equal(t, 3, attempts)
		assert.Same(t, failure, outcome.Err)
		assert.Equal(t, "always fail", outcome.Err.Error())
	})

	t.Run("non-retryable error stops after one attempt", func(t *testing.T) {
		attempts := 0
		failure := errors.New("validation failed")

		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			attempts++
			return "", failure
		}, WithMaxRetries(5), WithInitialDelay(time.Millisecond))

		assert.False(t, outcome.Success)
		assert.Equal(t, 1, outcome.Attempts)
		assert.Equal(t, 1, attempts)
		assert.Same(t, failure, outcome.Err)
	})

	t.Run("zero retries performs exactly one attempt", func(t *testing.T) {
		attempts := 0

		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			attempts++
			return "", &transientError{msg: "reset"}
		}, WithMaxRetries(0))

		assert.False(t, outcome.Success)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, outcome.Attempts)
	})

	t.Run("retryable status code is retried", func(t *testing.T) {
		attempts := 0

		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", &HTTPError{StatusCode: 503}
			}
			return "recovered", nil
		}, WithInitialDelay(2*time.Millisecond))

		assert.True(t, outcome.Success)
		assert.Equal(t, "recovered", outcome.Data)
		assert.Equal(t, 3, outcome.Attempts)
	})

	t.Run("status code outside the set is not retried", func(t *testing.T) {
		attempts := 0

		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			attempts++
			return "", &HTTPError{StatusCode: 404}
		}, WithMaxRetries(3), WithInitialDelay(time.Millisecond))

		assert.False(t, outcome.Success)
		assert.Equal(t, 1, attempts)
	})

	t.Run("server-directed delay overrides computed backoff", func(t *testing.T) {
		start := time.Now()

		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			return "", &HTTPError{StatusCode: 429, RetryAfter: 40 * time.Millisecond}
		}, WithMaxRetries(1), WithInitialDelay(time.Millisecond), WithJitter(false))

		assert.False(t, outcome.Success)
		assert.Equal(t, 2, outcome.Attempts)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})

	t.Run("server-directed delay is capped by max delay", func(t *testing.T) {
		start := time.Now()

		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			return "", &HTTPError{StatusCode: 503, RetryAfter: time.Hour}
		}, WithMaxRetries(1), WithInitialDelay(time.Millisecond), WithMaxDelay(20*time.Millisecond))

		assert.False(t, outcome.Success)
		assert.Equal(t, 2, outcome.Attempts)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("total time covers backoff delays", func(t *testing.T) {
		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			return "", &transientError{msg: "reset"}
		}, WithMaxRetries(1), WithInitialDelay(30*time.Millisecond), WithJitter(false))

		assert.False(t, outcome.Success)
		assert.Equal(t, 2, outcome.Attempts)
		assert.GreaterOrEqual(t, outcome.TotalTime, 30*time.Millisecond)
	})

	t.Run("attempt exceeding timeout fails with a timeout error", func(t *testing.T) {
		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		}, WithMaxRetries(0), WithTimeout(20*time.Millisecond))

		require.Error(t, outcome.Err)
		assert.Contains(t, outcome.Err.Error(), "timeout")
		var timeoutErr *TimeoutError
		assert.ErrorAs(t, outcome.Err, &timeoutErr)
		assert.False(t, outcome.Success)
		assert.Equal(t, 1, outcome.Attempts)
	})

	t.Run("timeouts are retried up to the budget", func(t *testing.T) {
		var attempts atomic.Int32

		outcome := Do(context.Background(), func(ctx context.Context) (string, error) {
			attempts.Add(1)
			time.Sleep(100 * time.Millisecond)
			return "", nil
		}, WithMaxRetries(2), WithTimeout(15*time.Millisecond), WithInitialDelay(2*time.Millisecond))

		assert.False(t, outcome.Success)
		assert.Equal(t, 3, outcome.Attempts)
		assert.Equal(t, int32(3), attempts.Load())
		assert.Contains(t, outcome.Err.Error(), "timeout")
	})

	t.Run("context cancellation ends the call during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0

		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		outcome := Do(ctx, func(ctx context.Context) (string, error) {
			attempts++
			return "", &transientError{msg: "reset"}
		}, WithMaxRetries(5), WithInitialDelay(500*time.Millisecond))

		assert.False(t, outcome.Success)
		assert.Equal(t, context.Canceled, outcome.Err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, outcome.Attempts)
	})

	t.Run("collector observes attempts and scheduled retries", func(t *testing.T) {
		collector := &recordingCollector{}

		Do(context.Background(), func(ctx context.Context) (string, error) {
			return "", &transientError{msg: "reset"}
		}, WithMaxRetries(2), WithInitialDelay(time.Millisecond), WithName("sync-prices"), WithCollector(collector))

		assert.Equal(t, 3, collector.started)
		assert.Equal(t, 3, collector.finished)
		assert.Equal(t, 2, collector.scheduled)
		assert.Equal(t, "sync-prices", collector.lastName)
	})
}

func TestDoWithPolicy(t *testing.T) {
	t.Run("partial policy falls back to defaults", func(t *testing.T) {
		attempts := 0
		policy := Policy{MaxRetries: 1, InitialDelay: 2 * time.Millisecond}

		outcome := DoWithPolicy(context.Background(), policy, func(ctx context.Context) (string, error) {
			attempts++
			return "", &transientError{msg: "reset"}
		})

		assert.Equal(t, 2, attempts)
		assert.False(t, outcome.Success)
	})

	t.Run("custom classifier overrides the taxonomy", func(t *testing.T) {
		attempts := 0
		policy := DefaultPolicy()
		policy.MaxRetries = 2
		policy.InitialDelay = time.Millisecond
		policy.classifier = ClassifierFunc(func(err error) Class {
			return ClassNetwork
		})

		outcome := DoWithPolicy(context.Background(), policy, func(ctx context.Context) (string, error) {
			attempts++
			return "", errors.New("always fail")
		})

		assert.False(t, outcome.Success)
		assert.Equal(t, 3, outcome.Attempts)
		assert.Equal(t, "always fail", outcome.Err.Error())
	})
}

func TestRun(t *testing.T) {
	t.Run("returns nil on success", func(t *testing.T) {
		err := Run(context.Background(), func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("returns the last error on exhaustion", func(t *testing.T) {
		failure := &transientError{msg: "reset"}

		err := Run(context.Background(), func(ctx context.Context) error {
			return failure
		}, WithMaxRetries(1), WithInitialDelay(time.Millisecond))

		assert.Same(t, failure, err)
	})
}

func TestWrap(t *testing.T) {
	t.Run("returns data on eventual success", func(t *testing.T) {
		attempts := 0
		wrapped := Wrap(func(ctx context.Context) (string, error) {
			attempts++
			if attempts < 2 {
				return "", &transientError{msg: "reset"}
			}
			return "done", nil
		}, WithInitialDelay(time.Millisecond))

		data, err := wrapped(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, "done", data)
		assert.Equal(t, 2, attempts)
	})

	t.Run("propagates the original last error", func(t *testing.T) {
		failure := errors.New("card declined")
		wrapped := Wrap(func(ctx context.Context) (int, error) {
			return 0, failure
		}, WithMaxRetries(4), WithInitialDelay(time.Millisecond))

		data, err := wrapped(context.Background())

		assert.Zero(t, data)
		assert.Same(t, failure, err)
	})

	t.Run("each invocation retries independently", func(t *testing.T) {
		attempts := 0
		wrapped := Wrap(func(ctx context.Context) (int, error) {
			attempts++
			return attempts, nil
		})

		first, err := wrapped(context.Background())
		assert.NoError(t, err)
		second, err := wrapped(context.Background())
		assert.NoError(t, err)

		assert.Equal(t, 1, first)
		assert.Equal(t, 2, second)
	})
}

type recordingCollector struct {
	started   int
	finished  int
	scheduled int
	lastName  string
}

func (c *recordingCollector) AttemptStarted(name string, attempt int) {
	c.started++
	c.lastName = name
}

func (c *recordingCollector) AttemptFinished(name string, attempt int, elapsed time.Duration, err error) {
	c.finished++
}

func (c *recordingCollector) RetryScheduled(name string, retry int, delay time.Duration) {
	c.scheduled++
}

func BenchmarkDo(b *testing.B) {
	ctx := context.Background()

	b.Run("successful operation", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			Do(ctx, func(ctx context.Context) (int, error) {
				return 1, nil
			}, WithTimeout(0))
		}
	})

	b.Run("operation with one retry", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			attempts := 0
			Do(ctx, func(ctx context.Context) (int, error) {
				attempts++
				if attempts < 2 {
					return 0, &transientError{msg: "reset"}
				}
				return 1, nil
			}, WithTimeout(0), WithInitialDelay(time.Microsecond), WithJitter(false))
		}
	})
}
