package interceptors

import (
	"context"

	"github.com/glimte/fortis-go/breaker"
)

// CircuitBreakerInterceptor guards the rest of the chain with one breaker
// per call name, drawn from a shared registry. While a breaker is open,
// calls are rejected with a *breaker.OpenError before the next handler
// runs; the default retry classifier treats the rejection as non-retryable.
type CircuitBreakerInterceptor struct {
	registry *breaker.Registry
}

// NewCircuitBreakerInterceptor creates a circuit breaker interceptor backed
// by registry. A nil registry gets a fresh one with default settings.
func NewCircuitBreakerInterceptor(registry *breaker.Registry) *CircuitBreakerInterceptor {
	if registry == nil {
		registry = breaker.NewRegistry()
	}
	return &CircuitBreakerInterceptor{registry: registry}
}

// Intercept implements Interceptor.
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, call *Call, next Handler) error {
	return i.registry.Get(call.Name).Execute(ctx, func(ctx context.Context) error {
		return next.Handle(ctx, call)
	})
}

// Name implements Interceptor.
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// Registry exposes the backing registry for inspection and manual resets.
func (i *CircuitBreakerInterceptor) Registry() *breaker.Registry {
	return i.registry
}
