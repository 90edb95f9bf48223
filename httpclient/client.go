package httpclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/fortis-go/breaker"
	"github.com/glimte/fortis-go/config"
	"github.com/glimte/fortis-go/retry"
)

// DefaultIdempotencyHeader marks a request as safe to retry regardless of
// its method.
const DefaultIdempotencyHeader = "Idempotency-Key"

// Collector receives client lifecycle events. *metrics.PrometheusCollector
// and metrics.Noop satisfy it.
type Collector interface {
	CallStarted(name string)
	CallFinished(name string, elapsed time.Duration, err error)
	AttemptStarted(name string, attempt int)
	AttemptFinished(name string, attempt int, elapsed time.Duration, err error)
	RetryScheduled(name string, retry int, delay time.Duration)
}

type noopCollector struct{}

func (noopCollector) CallStarted(string) {}

func (noopCollector) CallFinished(string, time.Duration, error) {}

func (noopCollector) AttemptStarted(string, int) {}

func (noopCollector) AttemptFinished(string, int, time.Duration, error) {}

func (noopCollector) RetryScheduled(string, int, time.Duration) {}

// Client wraps an *http.Client with retries, per-endpoint circuit breakers,
// and response-status classification. Requests are keyed by host, or by the
// profile name set with WithRequestProfile; each key gets its own breaker
// and, when a config is attached, its own settings.
//
// The breaker sits outside the retry loop: a request that exhausts its
// retries counts as a single breaker failure, and open-circuit rejections
// fail fast without touching the network.
type Client struct {
	httpClient        *http.Client
	breakers          *breaker.Registry
	policy            retry.Policy
	cfg               *config.Config
	logger            *slog.Logger
	collector         Collector
	idempotencyHeader string
	userAgent         string

	mu         sync.Mutex
	configured map[string]bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. Leave its Timeout unset;
// per-attempt deadlines come from the retry policy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithPolicy sets the retry policy applied to every request without a
// config profile.
func WithPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithConfig attaches endpoint profiles. Requests resolve their retry
// policy and breaker settings through it, keyed by the request profile name
// or host.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithBreakerRegistry shares an existing breaker registry, typically so
// breakers are visible to health checks and other components.
func WithBreakerRegistry(r *breaker.Registry) Option {
	return func(c *Client) {
		c.breakers = r
	}
}

// WithBreakerOptions sets the default options for breakers created by the
// client's own registry. Ignored when WithBreakerRegistry is used.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(c *Client) {
		if c.breakers == nil {
			c.breakers = breaker.NewRegistry(opts...)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCollector sets the metrics collector.
func WithCollector(collector Collector) Option {
	return func(c *Client) {
		if collector != nil {
			c.collector = collector
		}
	}
}

// WithIdempotencyHeader replaces the header that marks any request method
// as retryable.
func WithIdempotencyHeader(name string) Option {
	return func(c *Client) {
		c.idempotencyHeader = name
	}
}

// WithUserAgent sets a User-Agent applied to requests that carry none.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// New creates a resilient HTTP client.
func New(opts ...Option) *Client {
	c := &Client{
		policy:            retry.DefaultPolicy(),
		logger:            slog.Default(),
		collector:         noopCollector{},
		idempotencyHeader: DefaultIdempotencyHeader,
		configured:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.breakers == nil {
		c.breakers = breaker.NewRegistry()
	}
	return c
}

// Breakers returns the breaker registry so callers can inspect or reset
// endpoint state.
func (c *Client) Breakers() *breaker.Registry {
	return c.breakers
}

// Do executes the request with retries and circuit breaking. Responses with
// a 5xx or configured retryable status become *retry.HTTPError failures;
// other statuses, including plain 4xx, are returned as responses. After
// exhaustion the last response is handed back together with the error so
// callers can inspect the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := c.endpointKey(req)
	policy := c.policyFor(key)

	if !c.canRetry(req) {
		policy.MaxRetries = 0
	}

	var (
		outcome  retry.Outcome[*http.Response]
		lastResp *http.Response
	)

	start := time.Now()
	c.collector.CallStarted(key)

	err := c.breakerFor(key).Execute(ctx, func(ctx context.Context) error {
		attempt := 0
		outcome = retry.Do(ctx, func(ctx context.Context) (*http.Response, error) {
			if lastResp != nil {
				// Free the previous connection before retrying.
				drainAndClose(lastResp)
				lastResp = nil
			}
			attempt++
			resp, err := c.attempt(ctx, req, attempt, policy)
			if err != nil {
				if resp != nil {
					lastResp = resp
				}
				return nil, err
			}
			return resp, nil
		}, c.retryOptions(key, policy)...)
		return outcome.Err
	})

	c.collector.CallFinished(key, time.Since(start), err)

	if err != nil {
		var httpErr *retry.HTTPError
		if errors.As(err, &httpErr) && lastResp != nil {
			// The caller gets the final response alongside the error.
			return lastResp, err
		}
		drainAndClose(lastResp)
		c.logger.Debug("request failed",
			"endpoint", key,
			"method", req.Method,
			"url", req.URL.String(),
			"attempts", outcome.Attempts,
			"error", err)
		return nil, err
	}

	c.logger.Debug("request completed",
		"endpoint", key,
		"method", req.Method,
		"url", req.URL.String(),
		"status", outcome.Data.StatusCode,
		"attempts", outcome.Attempts)
	return outcome.Data, nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a POST request. Bodies built from bytes or strings readers
// are replayable; POST retries additionally require an idempotency key
// header.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// attempt performs one HTTP exchange under the policy's per-attempt
// deadline. The deadline is released when the response body is closed, so
// callers can stream it without racing the timer.
func (c *Client) attempt(ctx context.Context, req *http.Request, attempt int, policy retry.Policy) (*http.Response, error) {
	var cancel context.CancelFunc
	if policy.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
	}

	r := req.Clone(ctx)
	if attempt > 1 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, err
		}
		r.Body = body
	}
	if c.userAgent != "" && r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(r)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if cancel != nil {
		resp.Body = bodyWithCancel{ReadCloser: resp.Body, cancel: cancel}
	}

	if resp.StatusCode >= 500 || policy.RetryableStatusCodes[resp.StatusCode] {
		httpErr := &retry.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			URL:        r.URL.String(),
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				httpErr.RetryAfter = d
			}
		}
		return resp, httpErr
	}
	return resp, nil
}

func (c *Client) retryOptions(key string, policy retry.Policy) []retry.Option {
	return []retry.Option{
		retry.WithPolicy(policy),
		// Attempt deadlines ride on the request context; the executor must
		// not abandon an attempt that may still hand back a body.
		retry.WithTimeout(0),
		retry.WithName(key),
		retry.WithLogger(c.logger),
		retry.WithCollector(c.collector),
	}
}

// endpointKey resolves the breaker and profile key for a request: the
// profile name from the context when set, the request host otherwise.
func (c *Client) endpointKey(req *http.Request) string {
	if name, ok := requestProfile(req.Context()); ok {
		return name
	}
	return req.URL.Host
}

func (c *Client) policyFor(key string) retry.Policy {
	p := c.policy
	if c.cfg != nil {
		p = c.cfg.ProfileFor(key).RetryPolicy()
	}
	if p.RetryableStatusCodes == nil {
		p.RetryableStatusCodes = retry.DefaultRetryableStatusCodes()
	}
	return p
}

// breakerFor returns the breaker for a key, applying the config's breaker
// settings the first time the key is seen.
func (c *Client) breakerFor(key string) *breaker.Breaker {
	c.mu.Lock()
	if !c.configured[key] {
		c.configured[key] = true
		if c.cfg != nil {
			c.breakers.Configure(key, c.cfg.ProfileFor(key).BreakerOptions()...)
		}
	}
	c.mu.Unlock()
	return c.breakers.Get(key)
}

// canRetry reports whether the request may be attempted more than once:
// the body must be replayable, and the method idempotent unless the
// request carries an idempotency key.
func (c *Client) canRetry(req *http.Request) bool {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return false
	}
	if idempotentMethods[req.Method] {
		return true
	}
	return req.Header.Get(c.idempotencyHeader) != ""
}

var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

type profileKey struct{}

// WithRequestProfile names the endpoint profile used for a request,
// overriding the default per-host key for both config lookup and the
// breaker.
func WithRequestProfile(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, profileKey{}, endpoint)
}

func requestProfile(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(profileKey{}).(string)
	return name, ok && name != ""
}

// bodyWithCancel releases the attempt deadline when the caller finishes
// with the response body.
type bodyWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b bodyWithCancel) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// drainAndClose discards the rest of a response body so the underlying
// connection can be reused, then closes it.
func drainAndClose(resp *http.Response) {
	if resp == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// parseRetryAfter reads a Retry-After header, either delay seconds or an
// HTTP date.
func parseRetryAfter(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}
