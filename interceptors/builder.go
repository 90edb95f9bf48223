package interceptors

import (
	"log/slog"
	"time"

	"github.com/glimte/fortis-go/breaker"
	"github.com/glimte/fortis-go/retry"
)

// ChainBuilder assembles a chain fluently. Interceptors run outermost-first
// in the order added, which decides the failure accounting: AddCircuitBreaker
// followed by AddRetry places the breaker outside the retry loop, so an
// exhausted call counts as a single breaker failure and open-circuit
// rejections are not retried. Reversed, the breaker counts every attempt.
// Breaker outside retry is the recommended order.
type ChainBuilder struct {
	chain  *Chain
	logger *slog.Logger
}

// NewChainBuilder creates a new builder.
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainBuilder{
		chain:  NewChain(),
		logger: logger,
	}
}

// Add appends a custom interceptor.
func (b *ChainBuilder) Add(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// AddLogging appends a logging interceptor using the builder's logger.
func (b *ChainBuilder) AddLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// AddMetrics appends a metrics interceptor.
func (b *ChainBuilder) AddMetrics(collector CallCollector) *ChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// AddTimeout bounds everything below it in the chain to timeout.
func (b *ChainBuilder) AddTimeout(timeout time.Duration) *ChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// AddRetry appends a retry interceptor with the given policy.
func (b *ChainBuilder) AddRetry(policy retry.Policy, opts ...retry.Option) *ChainBuilder {
	b.chain.Add(NewRetryInterceptor(policy, opts...))
	return b
}

// AddCircuitBreaker appends a circuit breaker interceptor backed by the
// given registry.
func (b *ChainBuilder) AddCircuitBreaker(registry *breaker.Registry) *ChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(registry))
	return b
}

// AddRateLimit appends a per-endpoint token bucket limiter in wait mode.
// Use Add with NewRateLimitInterceptor for reject mode.
func (b *ChainBuilder) AddRateLimit(rps float64, burst int) *ChainBuilder {
	b.chain.Add(NewRateLimitInterceptor(rps, burst, RateLimitWait))
	return b
}

// Build returns the assembled chain.
func (b *ChainBuilder) Build() *Chain {
	return b.chain
}
