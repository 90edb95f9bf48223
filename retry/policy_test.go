package retry

import (
	"context"
	"errors"
	"math/rand"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicy(t *testing.T) {
	t.Run("carries the documented defaults", func(t *testing.T) {
		p := DefaultPolicy()

		assert.Equal(t, 3, p.MaxRetries)
		assert.Equal(t, 1*time.Second, p.InitialDelay)
		assert.Equal(t, 10*time.Second, p.MaxDelay)
		assert.Equal(t, 2.0, p.Multiplier)
		assert.True(t, p.Jitter)
		assert.Equal(t, 30*time.Second, p.Timeout)
	})

	t.Run("default status codes cover transient server failures", func(t *testing.T) {
		p := DefaultPolicy()

		for _, code := range []int{408, 429, 500, 502, 503, 504} {
			assert.True(t, p.RetryableStatusCodes[code], "expected %d to be retryable", code)
		}
		assert.False(t, p.RetryableStatusCodes[404])
		assert.False(t, p.RetryableStatusCodes[401])
	})
}

func TestPolicyDelay(t *testing.T) {
	t.Run("grows exponentially and caps at max", func(t *testing.T) {
		p := Policy{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		}

		tests := []struct {
			retry    int
			expected time.Duration
		}{
			{1, 100 * time.Millisecond},
			{2, 200 * time.Millisecond},
			{3, 400 * time.Millisecond},
			{4, 800 * time.Millisecond},
			{8, 10 * time.Second}, // capped
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, p.Delay(tt.retry), "retry %d", tt.retry)
		}
	})

	t.Run("clamps retry numbers below one", func(t *testing.T) {
		p := Policy{InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

		assert.Equal(t, 50*time.Millisecond, p.Delay(0))
		assert.Equal(t, 50*time.Millisecond, p.Delay(-3))
	})
}

func TestPolicyNextDelay(t *testing.T) {
	t.Run("without jitter equals the computed delay", func(t *testing.T) {
		p := Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0}

		assert.Equal(t, p.Delay(2), p.NextDelay(2))
	})

	t.Run("jitter stays within half to one and a half of the base", func(t *testing.T) {
		p := Policy{
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}

		delays := make([]time.Duration, 20)
		for i := range delays {
			delays[i] = p.NextDelay(1)
			assert.GreaterOrEqual(t, delays[i], 500*time.Millisecond)
			assert.Less(t, delays[i], 1500*time.Millisecond)
		}

		allSame := true
		for _, d := range delays[1:] {
			if d != delays[0] {
				allSame = false
				break
			}
		}
		assert.False(t, allSame, "jitter should vary the delay")
	})

	t.Run("seeded source makes jitter deterministic", func(t *testing.T) {
		base := Policy{
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}
		first := base
		first.rand = rand.New(rand.NewSource(7))
		second := base
		second.rand = rand.New(rand.NewSource(7))

		for i := 1; i <= 5; i++ {
			assert.Equal(t, first.NextDelay(i), second.NextDelay(i))
		}
	})
}

func TestPolicyShouldRetry(t *testing.T) {
	p := DefaultPolicy()

	t.Run("timeouts are retryable", func(t *testing.T) {
		assert.True(t, p.ShouldRetry(&TimeoutError{Timeout: time.Second}))
		assert.True(t, p.ShouldRetry(context.DeadlineExceeded))
	})

	t.Run("network failures are retryable", func(t *testing.T) {
		assert.True(t, p.ShouldRetry(syscall.ECONNREFUSED))
		assert.True(t, p.ShouldRetry(&transientError{msg: "reset"}))
	})

	t.Run("configured status codes are retryable", func(t *testing.T) {
		assert.True(t, p.ShouldRetry(&HTTPError{StatusCode: 503}))
		assert.True(t, p.ShouldRetry(&HTTPError{StatusCode: 429}))
		assert.False(t, p.ShouldRetry(&HTTPError{StatusCode: 404}))
	})

	t.Run("generic failures are not retryable", func(t *testing.T) {
		assert.False(t, p.ShouldRetry(errors.New("invalid payload")))
		assert.False(t, p.ShouldRetry(context.Canceled))
	})

	t.Run("replacing the status set changes retryability", func(t *testing.T) {
		custom := DefaultPolicy()
		WithRetryableStatusCodes(500)(&custom)

		assert.True(t, custom.ShouldRetry(&HTTPError{StatusCode: 500}))
		assert.False(t, custom.ShouldRetry(&HTTPError{StatusCode: 503}))
	})
}

func TestPolicyOptions(t *testing.T) {
	t.Run("options adjust individual fields", func(t *testing.T) {
		p := DefaultPolicy()
		for _, opt := range []Option{
			WithMaxRetries(7),
			WithInitialDelay(250 * time.Millisecond),
			WithMaxDelay(4 * time.Second),
			WithMultiplier(3.0),
			WithJitter(false),
			WithTimeout(5 * time.Second),
			WithName("charge-card"),
		} {
			opt(&p)
		}

		assert.Equal(t, 7, p.MaxRetries)
		assert.Equal(t, 250*time.Millisecond, p.InitialDelay)
		assert.Equal(t, 4*time.Second, p.MaxDelay)
		assert.Equal(t, 3.0, p.Multiplier)
		assert.False(t, p.Jitter)
		assert.Equal(t, 5*time.Second, p.Timeout)
		assert.Equal(t, "charge-card", p.name)
	})

	t.Run("WithPolicy replaces configuration but keeps collaborators", func(t *testing.T) {
		collector := &recordingCollector{}
		p := DefaultPolicy()
		WithCollector(collector)(&p)
		WithPolicy(Policy{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		})(&p)

		assert.Equal(t, 1, p.MaxRetries)
		assert.Equal(t, time.Millisecond, p.InitialDelay)
		assert.Same(t, collector, p.collector.(*recordingCollector))
	})
}

func TestPolicyWithDefaults(t *testing.T) {
	t.Run("fills unset fields", func(t *testing.T) {
		p := Policy{MaxRetries: 2}.withDefaults()

		assert.Equal(t, 2, p.MaxRetries)
		assert.Equal(t, DefaultInitialDelay, p.InitialDelay)
		assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
		assert.Equal(t, DefaultMultiplier, p.Multiplier)
		assert.NotNil(t, p.RetryableStatusCodes)
	})

	t.Run("zero max retries stays zero", func(t *testing.T) {
		p := Policy{}.withDefaults()
		assert.Equal(t, 0, p.MaxRetries)
	})

	t.Run("negative max retries becomes zero", func(t *testing.T) {
		p := Policy{MaxRetries: -1}.withDefaults()
		assert.Equal(t, 0, p.MaxRetries)
	})
}
