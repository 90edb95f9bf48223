// Package breaker implements a three-state circuit breaker that stops
// invoking a chronically failing operation for a cooldown window, then
// probes recovery.
//
// State machine:
//   - closed: calls pass through; consecutive failures are counted and
//     reaching the threshold opens the breaker
//   - open: calls are rejected immediately with ErrOpen until the reset
//     timeout has elapsed since the last failure
//   - half-open: exactly one probe call is allowed through; success closes
//     the breaker, failure reopens it
//
// A breaker guards one logical operation or endpoint. Use a Registry to
// manage one breaker per endpoint; sharing a single breaker across
// unrelated operations lets failures on one trip the breaker for all.
//
// The breaker never retries internally. Compose it with the retry package
// and document the order at the call site: a breaker outside the retry
// loop counts one failure per exhausted call, a breaker inside counts one
// per attempt.
//
// Example usage:
//
//	b := breaker.New(
//	    breaker.WithName("liqpay"),
//	    breaker.WithFailureThreshold(5),
//	    breaker.WithResetTimeout(30*time.Second),
//	)
//
//	err := b.Execute(ctx, func(ctx context.Context) error {
//	    return notifyProvider(ctx)
//	})
package breaker
