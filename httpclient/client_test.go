package httpclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/fortis-go/breaker"
	"github.com/glimte/fortis-go/config"
	"github.com/glimte/fortis-go/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type recordingCollector struct {
	mu       sync.Mutex
	calls    []string
	attempts []int
	retries  []int
	finished int
}

func (r *recordingCollector) CallStarted(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recordingCollector) CallFinished(name string, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func (r *recordingCollector) AttemptStarted(name string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
}

func (r *recordingCollector) AttemptFinished(name string, attempt int, elapsed time.Duration, err error) {
}

func (r *recordingCollector) RetryScheduled(name string, retry int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, retry)
}

func TestClientDo(t *testing.T) {
	t.Run("returns a successful response", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			_, _ = w.Write([]byte("hello"))
		}))
		defer srv.Close()

		client := New(WithPolicy(fastPolicy()), WithLogger(discardLogger()))
		resp, err := client.Get(context.Background(), srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("retries server errors until success", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("recovered"))
		}))
		defer srv.Close()

		client := New(WithPolicy(fastPolicy()), WithLogger(discardLogger()))
		resp, err := client.Get(context.Background(), srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "recovered", string(body))
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("returns the last response with the error after exhaustion", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
		}))
		defer srv.Close()

		policy := fastPolicy()
		policy.MaxRetries = 1
		client := New(WithPolicy(policy), WithLogger(discardLogger()))

		resp, err := client.Get(context.Background(), srv.URL)
		require.Error(t, err)
		var httpErr *retry.HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)

		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "unavailable", string(body))
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("treats plain client errors as responses", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := New(WithPolicy(fastPolicy()), WithLogger(discardLogger()))
		resp, err := client.Get(context.Background(), srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("does not retry a non-replayable body", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := New(WithPolicy(fastPolicy()), WithLogger(discardLogger()))

		// NopCloser hides the underlying strings.Reader, so the request has
		// no GetBody and cannot be replayed.
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, io.NopCloser(strings.NewReader("payload")))
		require.NoError(t, err)
		req.Header.Set(DefaultIdempotencyHeader, "order-42")

		resp, err := client.Do(req)
		require.Error(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("does not retry a post without an idempotency key", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := New(WithPolicy(fastPolicy()), WithLogger(discardLogger()))
		resp, err := client.Post(context.Background(), srv.URL, "text/plain", strings.NewReader("payload"))
		require.Error(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("retries a post with an idempotency key and replays the body", func(t *testing.T) {
		var mu sync.Mutex
		var bodies []string
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(body))
			mu.Unlock()
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client := New(WithPolicy(fastPolicy()), WithLogger(discardLogger()))

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, strings.NewReader("payload"))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set(DefaultIdempotencyHeader, "order-42")

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(2), hits.Load())
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"payload", "payload"}, bodies)
	})

	t.Run("honors retry-after capped by the max delay", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		policy := retry.Policy{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     30 * time.Millisecond,
			Multiplier:   2.0,
		}
		client := New(WithPolicy(policy), WithLogger(discardLogger()))

		start := time.Now()
		resp, err := client.Get(context.Background(), srv.URL)
		elapsed := time.Since(start)
		require.NoError(t, err)
		defer resp.Body.Close()

		// The server asked for 1s; the policy caps the wait at 30ms. Without
		// the header the backoff would have been 1ms.
		assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
		assert.Less(t, elapsed, 800*time.Millisecond)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("opens the breaker after repeated failures", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		policy := fastPolicy()
		policy.MaxRetries = 0
		client := New(
			WithPolicy(policy),
			WithBreakerOptions(breaker.WithFailureThreshold(2)),
			WithLogger(discardLogger()),
		)

		for i := 0; i < 2; i++ {
			resp, err := client.Get(context.Background(), srv.URL)
			require.Error(t, err)
			if resp != nil {
				resp.Body.Close()
			}
		}
		assert.Equal(t, int32(2), hits.Load())

		resp, err := client.Get(context.Background(), srv.URL)
		require.Error(t, err)
		assert.ErrorIs(t, err, breaker.ErrOpen)
		assert.Nil(t, resp)
		assert.Equal(t, int32(2), hits.Load(), "an open breaker must not touch the network")

		u, err := url.Parse(srv.URL)
		require.NoError(t, err)
		assert.Equal(t, breaker.StateOpen, client.Breakers().Get(u.Host).State())
	})

	t.Run("request profile overrides the endpoint key", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client := New(WithPolicy(fastPolicy()), WithLogger(discardLogger()))
		ctx := WithRequestProfile(context.Background(), "payments")
		resp, err := client.Get(ctx, srv.URL)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, []string{"payments"}, client.Breakers().Names())
	})

	t.Run("config profiles select per-endpoint settings", func(t *testing.T) {
		cfg, err := config.Parse([]byte(`
defaults:
  retry:
    max_retries: 2
    initial_delay_ms: 1
    max_delay_ms: 5
    jitter: false
endpoints:
  flaky:
    retry:
      max_retries: 0
`))
		require.NoError(t, err)

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := New(WithConfig(cfg), WithLogger(discardLogger()))

		resp, err := client.Get(WithRequestProfile(context.Background(), "flaky"), srv.URL)
		require.Error(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		assert.Equal(t, int32(1), hits.Load(), "the flaky profile disables retries")

		resp, err = client.Get(context.Background(), srv.URL)
		require.Error(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		assert.Equal(t, int32(4), hits.Load(), "the defaults profile allows two retries")
	})

	t.Run("records calls and attempts through the collector", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		collector := &recordingCollector{}
		client := New(
			WithPolicy(fastPolicy()),
			WithCollector(collector),
			WithLogger(discardLogger()),
		)
		resp, err := client.Get(context.Background(), srv.URL)
		require.NoError(t, err)
		resp.Body.Close()

		collector.mu.Lock()
		defer collector.mu.Unlock()
		assert.Len(t, collector.calls, 1)
		assert.Equal(t, []int{1, 2}, collector.attempts)
		assert.Equal(t, []int{1}, collector.retries)
		assert.Equal(t, 1, collector.finished)
	})

	t.Run("applies the user agent when the request has none", func(t *testing.T) {
		var mu sync.Mutex
		var agents []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			agents = append(agents, r.Header.Get("User-Agent"))
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client := New(
			WithPolicy(fastPolicy()),
			WithUserAgent("fortis/1.0"),
			WithLogger(discardLogger()),
		)

		resp, err := client.Get(context.Background(), srv.URL)
		require.NoError(t, err)
		resp.Body.Close()

		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		req.Header.Set("User-Agent", "custom/2.0")
		resp, err = client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"fortis/1.0", "custom/2.0"}, agents)
	})

	t.Run("per-attempt timeout bounds a stalled upstream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(200 * time.Millisecond):
			}
		}))
		defer srv.Close()

		policy := retry.Policy{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
			Timeout:      30 * time.Millisecond,
		}
		client := New(WithPolicy(policy), WithLogger(discardLogger()))

		start := time.Now()
		resp, err := client.Get(context.Background(), srv.URL)
		require.Error(t, err)
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestParseRetryAfter(t *testing.T) {
	t.Run("parses delay seconds", func(t *testing.T) {
		d, ok := parseRetryAfter("5")
		require.True(t, ok)
		assert.Equal(t, 5*time.Second, d)
	})

	t.Run("parses an http date", func(t *testing.T) {
		d, ok := parseRetryAfter(time.Now().Add(2 * time.Minute).UTC().Format(http.TimeFormat))
		require.True(t, ok)
		assert.Greater(t, d, time.Minute)
		assert.LessOrEqual(t, d, 2*time.Minute)
	})

	t.Run("ignores a past date", func(t *testing.T) {
		_, ok := parseRetryAfter(time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))
		assert.False(t, ok)
	})

	t.Run("ignores garbage and empty values", func(t *testing.T) {
		_, ok := parseRetryAfter("soon")
		assert.False(t, ok)
		_, ok = parseRetryAfter("")
		assert.False(t, ok)
		_, ok = parseRetryAfter("-3")
		assert.False(t, ok)
	})
}
