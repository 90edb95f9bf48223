// Package fortis ties the resilience toolkit together behind one client:
// retries with exponential backoff, per-endpoint circuit breakers, profile
// configuration, and logging and metrics threaded through every layer.
//
// The zero-config path works out of the box:
//
//	client := fortis.New()
//	err := client.Execute(ctx, "erp", func(ctx context.Context) error {
//		return syncOrder(ctx)
//	})
//
// Execute composes the two core pieces in the recommended order: the named
// circuit breaker guards the whole retry loop, so an exhausted call counts
// as a single breaker failure and open-circuit rejections fail fast without
// burning the retry budget.
//
// Per-endpoint tuning comes from a config.Config installed with WithConfig;
// endpoints without a profile use the client's default policy. The breaker
// registry is shared by every surface the client hands out, so the HTTP
// client, the interceptor chain, and Execute all observe the same endpoint
// state.
package fortis

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/fortis-go/breaker"
	"github.com/glimte/fortis-go/config"
	"github.com/glimte/fortis-go/health"
	"github.com/glimte/fortis-go/httpclient"
	"github.com/glimte/fortis-go/interceptors"
	"github.com/glimte/fortis-go/metrics"
	"github.com/glimte/fortis-go/retry"
)

// Client is the package facade. It owns the breaker registry, the default
// retry policy, and the observability stack handed to every layer it
// builds.
type Client struct {
	policy    retry.Policy
	cfg       *config.Config
	logger    *slog.Logger
	collector metrics.Collector
	breakers  *breaker.Registry

	// breakerDefaults is collected by options and consumed by New.
	breakerDefaults []breaker.Option

	mu         sync.Mutex
	configured map[string]bool

	healthOnce sync.Once
	health     *health.Registry
}

// New builds a client. Without options it retries 3 times with jittered
// exponential backoff, opens a breaker after 5 consecutive failures, logs
// through slog.Default, and collects no metrics.
func New(opts ...Option) *Client {
	c := &Client{
		policy:     retry.DefaultPolicy(),
		logger:     slog.Default(),
		collector:  metrics.NewNoop(),
		configured: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}

	defaults := make([]breaker.Option, 0, len(c.breakerDefaults)+2)
	defaults = append(defaults,
		breaker.WithLogger(c.logger),
		breaker.WithCollector(c.collector))
	defaults = append(defaults, c.breakerDefaults...)
	c.breakers = breaker.NewRegistry(defaults...)
	return c
}

// Execute runs op under the named endpoint's protections: the endpoint's
// circuit breaker around the endpoint's retry policy. Open-circuit
// rejections return an error matching breaker.ErrOpen without invoking op;
// an exhausted retry budget returns the last attempt's error.
func (c *Client) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return c.Breaker(name).Execute(ctx, func(ctx context.Context) error {
		return retry.Run(ctx, op, c.retryOptions(name)...)
	})
}

// Execute is the generic counterpart of Client.Execute for operations that
// produce a value. On failure it returns the zero value alongside the
// error.
func Execute[T any](ctx context.Context, c *Client, name string, op retry.Operation[T]) (T, error) {
	return breaker.Do(ctx, c.Breaker(name), func(ctx context.Context) (T, error) {
		outcome := retry.Do(ctx, op, c.retryOptions(name)...)
		return outcome.Data, outcome.Err
	})
}

// Breaker returns the named circuit breaker, applying the endpoint's
// configured settings the first time the name is seen.
func (c *Client) Breaker(name string) *breaker.Breaker {
	c.mu.Lock()
	if !c.configured[name] {
		c.configured[name] = true
		if c.cfg != nil {
			c.breakers.Configure(name, c.cfg.ProfileFor(name).BreakerOptions()...)
		}
	}
	c.mu.Unlock()
	return c.breakers.Get(name)
}

// Breakers returns the breaker registry shared by every surface the client
// hands out.
func (c *Client) Breakers() *breaker.Registry {
	return c.breakers
}

// Policy returns the retry policy for an endpoint: the endpoint's profile
// when configuration is installed, the client default otherwise.
func (c *Client) Policy(name string) retry.Policy {
	p := c.policy
	if c.cfg != nil {
		p = c.cfg.ProfileFor(name).RetryPolicy()
	}
	if p.RetryableStatusCodes == nil {
		p.RetryableStatusCodes = retry.DefaultRetryableStatusCodes()
	}
	return p
}

// HTTPClient returns an HTTP client wired to the facade's policy, breaker
// registry, configuration, logger, and collector. Options are applied
// after the shared stack so callers can override any part of it.
func (c *Client) HTTPClient(opts ...httpclient.Option) *httpclient.Client {
	base := []httpclient.Option{
		httpclient.WithPolicy(c.policy),
		httpclient.WithBreakerRegistry(c.breakers),
		httpclient.WithLogger(c.logger),
		httpclient.WithCollector(c.collector),
	}
	if c.cfg != nil {
		base = append(base, httpclient.WithConfig(c.cfg))
	}
	return httpclient.New(append(base, opts...)...)
}

// Chain returns an interceptor chain builder preloaded for the named
// endpoint: logging, metrics, the profile's rate limit when one is set,
// then the breaker outside the retry loop. Callers append their own
// interceptors before Build.
func (c *Client) Chain(name string) *interceptors.ChainBuilder {
	// Apply the profile's breaker settings before the chain first runs.
	c.Breaker(name)

	b := interceptors.NewChainBuilder(c.logger).
		AddLogging().
		AddMetrics(c.collector)

	if c.cfg != nil {
		if rl := c.cfg.ProfileFor(name).RateLimit; rl.RequestsPerSecond > 0 {
			burst := rl.Burst
			if burst < 1 {
				burst = 1
			}
			mode := interceptors.RateLimitWait
			if rl.Mode == "reject" {
				mode = interceptors.RateLimitReject
			}
			b.Add(interceptors.NewRateLimitInterceptor(rl.RequestsPerSecond, burst, mode))
		}
	}

	return b.AddCircuitBreaker(c.breakers).
		AddRetry(c.Policy(name),
			retry.WithLogger(c.logger),
			retry.WithCollector(c.collector))
}

// Health returns the client's health registry, created on first use with
// the breaker checker registered. Callers register their own checkers and
// mount health.NewHandler over the result.
func (c *Client) Health() *health.Registry {
	c.healthOnce.Do(func() {
		c.health = health.NewRegistry()
		c.health.Register(health.NewBreakerChecker(c.breakers))
	})
	return c.health
}

func (c *Client) retryOptions(name string) []retry.Option {
	return []retry.Option{
		retry.WithPolicy(c.Policy(name)),
		retry.WithName(name),
		retry.WithLogger(c.logger),
		retry.WithCollector(c.collector),
	}
}
