package interceptors

import (
	"context"

	"github.com/glimte/fortis-go/retry"
)

// RetryInterceptor retries the rest of the chain under a retry policy. The
// call's Attempt field tracks the running attempt so inner interceptors and
// the final handler see the real number.
//
// Position matters: placed after a CircuitBreakerInterceptor the breaker
// observes one outcome per call; placed before it the breaker counts every
// attempt. See ChainBuilder for the recommended order.
type RetryInterceptor struct {
	policy retry.Policy
	opts   []retry.Option
}

// NewRetryInterceptor creates a retry interceptor with the given policy.
// Options such as retry.WithCollector or retry.WithLogger apply on top; the
// operation name defaults to the call name.
func NewRetryInterceptor(policy retry.Policy, opts ...retry.Option) *RetryInterceptor {
	return &RetryInterceptor{policy: policy, opts: opts}
}

// Intercept implements Interceptor.
func (r *RetryInterceptor) Intercept(ctx context.Context, call *Call, next Handler) error {
	base := call.Attempt
	if base < 1 {
		base = 1
	}

	opts := make([]retry.Option, 0, len(r.opts)+2)
	opts = append(opts, retry.WithPolicy(r.policy), retry.WithName(call.Name))
	opts = append(opts, r.opts...)

	attempt := 0
	return retry.Run(ctx, func(ctx context.Context) error {
		call.Attempt = base + attempt
		attempt++
		return next.Handle(ctx, call)
	}, opts...)
}

// Name implements Interceptor.
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
