// Package httpclient provides an HTTP client hardened for calling flaky
// upstreams: automatic retries with exponential backoff, per-endpoint
// circuit breakers, and Retry-After awareness.
//
//	client := httpclient.New(
//		httpclient.WithPolicy(retry.Policy{MaxRetries: 3, InitialDelay: time.Second}),
//	)
//	resp, err := client.Get(ctx, "https://api.example.com/orders")
//
// Requests are keyed by host unless a profile name is set on the context:
//
//	ctx = httpclient.WithRequestProfile(ctx, "payments")
//
// The key selects the circuit breaker and, when a config.Config is
// attached, the endpoint profile whose retry and breaker settings apply.
//
// Only idempotent methods are retried by default. Other methods retry when
// the request carries an Idempotency-Key header, and never when the body
// cannot be replayed.
package httpclient
