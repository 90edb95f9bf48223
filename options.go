package fortis

import (
	"log/slog"

	"github.com/glimte/fortis-go/breaker"
	"github.com/glimte/fortis-go/config"
	"github.com/glimte/fortis-go/metrics"
	"github.com/glimte/fortis-go/retry"
)

// Option configures a Client.
type Option func(*Client)

// WithConfig installs endpoint profiles. Policy, Breaker, and Chain
// resolve per-endpoint settings through it; endpoints without an entry use
// the file's defaults.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger handed to every layer the client builds.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCollector sets the metrics collector handed to every layer the
// client builds.
func WithCollector(collector metrics.Collector) Option {
	return func(c *Client) {
		if collector != nil {
			c.collector = collector
		}
	}
}

// WithDefaultPolicy replaces the retry policy used for endpoints without a
// configured profile.
func WithDefaultPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithBreakerDefaults appends options applied to every breaker the
// registry creates. Per-endpoint profile settings are applied after them
// and win on overlap.
func WithBreakerDefaults(opts ...breaker.Option) Option {
	return func(c *Client) {
		c.breakerDefaults = append(c.breakerDefaults, opts...)
	}
}
