package interceptors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned in reject mode when a call arrives above the
// configured rate.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMode selects how calls above the limit are treated.
type RateLimitMode int

const (
	// RateLimitWait blocks until the limiter grants a token or the context
	// ends.
	RateLimitWait RateLimitMode = iota
	// RateLimitReject fails immediately with ErrRateLimited.
	RateLimitReject
)

// RateLimitInterceptor throttles calls with one token bucket per endpoint.
// Limiters are created lazily on first use and kept for the lifetime of the
// interceptor.
type RateLimitInterceptor struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
	mode     RateLimitMode
}

// NewRateLimitInterceptor creates a limiter allowing rps requests per
// second with the given burst, per endpoint.
func NewRateLimitInterceptor(rps float64, burst int, mode RateLimitMode) *RateLimitInterceptor {
	return &RateLimitInterceptor{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
		mode:     mode,
	}
}

// Intercept implements Interceptor.
func (i *RateLimitInterceptor) Intercept(ctx context.Context, call *Call, next Handler) error {
	limiter := i.limiter(limitKey(call))

	switch i.mode {
	case RateLimitReject:
		if !limiter.Allow() {
			return fmt.Errorf("%s: %w", limitKey(call), ErrRateLimited)
		}
	default:
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	return next.Handle(ctx, call)
}

// Name implements Interceptor.
func (i *RateLimitInterceptor) Name() string {
	return "RateLimitInterceptor"
}

func (i *RateLimitInterceptor) limiter(key string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	l, ok := i.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(i.rps), i.burst)
		i.limiters[key] = l
	}
	return l
}

func limitKey(call *Call) string {
	if call.Endpoint != "" {
		return call.Endpoint
	}
	return call.Name
}
