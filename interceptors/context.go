package interceptors

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const callContextKey contextKey = "fortis:interceptors:call"

// ContextWithCall returns a context carrying the call. Chain.Execute does
// this automatically before the first interceptor runs.
func ContextWithCall(ctx context.Context, call *Call) context.Context {
	return context.WithValue(ctx, callContextKey, call)
}

// CallFromContext returns the call in flight, if any. Code below the chain,
// such as an HTTP transport, can use it to annotate logs with the operation
// name and attempt number.
func CallFromContext(ctx context.Context) (*Call, bool) {
	call, ok := ctx.Value(callContextKey).(*Call)
	return call, ok
}
