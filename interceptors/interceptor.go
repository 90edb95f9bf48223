package interceptors

import (
	"context"
	"fmt"
	"time"
)

// Call describes one outbound operation travelling through a chain. All
// interceptors see the same value; RetryInterceptor bumps Attempt before
// each pass so inner stages observe the current attempt number.
type Call struct {
	// Name is the logical operation, e.g. "payment.charge". Breakers and
	// metrics are keyed by it.
	Name string

	// Endpoint is the remote target: a URL, queue, or upstream name.
	Endpoint string

	// Attempt is the 1-based attempt number.
	Attempt int

	// Metadata carries free-form key/value pairs between interceptors.
	Metadata map[string]string

	// StartedAt is stamped by Chain.Execute before the first interceptor
	// runs.
	StartedAt time.Time
}

// SetMeta stores a metadata value, allocating the map on first use.
func (c *Call) SetMeta(key, value string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
}

// Meta returns the metadata value for key, or "" when absent.
func (c *Call) Meta(key string) string {
	return c.Metadata[key]
}

// Handler is the terminal stage of a chain: the code that performs the
// call.
type Handler interface {
	Handle(ctx context.Context, call *Call) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, call *Call) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, call *Call) error {
	return f(ctx, call)
}

// Interceptor processes calls on their way to the final handler.
type Interceptor interface {
	// Intercept processes a call and invokes the next handler in the
	// chain. Returning without calling next drops the call.
	Intercept(ctx context.Context, call *Call, next Handler) error

	// Name returns the interceptor name for logging and debugging.
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor.
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, call *Call, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor.
func NewInterceptorFunc(name string, fn func(ctx context.Context, call *Call, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor.
func (i *InterceptorFunc) Intercept(ctx context.Context, call *Call, next Handler) error {
	return i.fn(ctx, call, next)
}

// Name implements Interceptor.
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain runs a call through an ordered list of interceptors into a final
// handler. Execution wraps in reverse registration order, so the first
// interceptor added runs outermost.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain from the given interceptors.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor to the chain.
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors in the chain.
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute runs call through every interceptor and into final. StartedAt and
// Attempt are stamped when unset, and the call is made reachable through
// CallFromContext for code below the chain.
func (c *Chain) Execute(ctx context.Context, call *Call, final Handler) error {
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now()
	}
	if call.Attempt == 0 {
		call.Attempt = 1
	}
	ctx = ContextWithCall(ctx, call)

	if len(c.interceptors) == 0 {
		return final.Handle(ctx, call)
	}

	// Build the chain in reverse order so the first added runs outermost.
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		nextHandler := handler
		handler = HandlerFunc(func(ctx context.Context, call *Call) error {
			return interceptor.Intercept(ctx, call, nextHandler)
		})
	}

	return handler.Handle(ctx, call)
}

// Predicate reports whether an interceptor applies to a call.
type Predicate func(call *Call) bool

// ConditionalInterceptor applies an inner interceptor only to calls
// matching a predicate; everything else passes straight through. Useful for
// scoping a rate limit or timeout to specific endpoints.
type ConditionalInterceptor struct {
	predicate   Predicate
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor.
func NewConditionalInterceptor(predicate Predicate, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		predicate:   predicate,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor.
func (i *ConditionalInterceptor) Intercept(ctx context.Context, call *Call, next Handler) error {
	if i.predicate(call) {
		return i.interceptor.Intercept(ctx, call, next)
	}
	return next.Handle(ctx, call)
}

// Name implements Interceptor.
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
