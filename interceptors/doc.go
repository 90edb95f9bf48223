// Package interceptors provides composable middleware around outbound
// calls.
//
// A Chain runs a Call through an ordered list of interceptors into a final
// handler, letting cross-cutting concerns wrap the call without touching
// the code that performs it:
//   - Interceptor interface and chain management
//   - Built-in interceptors for logging, metrics, timeouts, retries,
//     circuit breaking, and rate limiting
//   - Builder pattern for easy chain construction
//
// Interceptors wrap in reverse registration order: the first added runs
// outermost. Order decides failure accounting. With the circuit breaker
// outside the retry loop, an exhausted call counts as one breaker failure
// and open-circuit rejections are not retried; with retry outside, the
// breaker sees every attempt. Breaker outside retry is the recommended
// order and what the examples below use.
//
// Example usage:
//
//	chain := interceptors.NewChainBuilder(logger).
//		AddLogging().
//		AddMetrics(collector).
//		AddCircuitBreaker(registry).
//		AddRetry(policy).
//		Build()
//
//	call := &interceptors.Call{Name: "payment.charge", Endpoint: chargeURL}
//	err := chain.Execute(ctx, call, interceptors.HandlerFunc(doCharge))
//
// Custom interceptors implement the Interceptor interface:
//
//	type CustomInterceptor struct{}
//
//	func (i *CustomInterceptor) Intercept(ctx context.Context, call *interceptors.Call, next interceptors.Handler) error {
//		// pre-processing
//		err := next.Handle(ctx, call)
//		// post-processing
//		return err
//	}
//
//	func (i *CustomInterceptor) Name() string {
//		return "CustomInterceptor"
//	}
package interceptors
