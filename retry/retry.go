package retry

import (
	"context"
	"time"
)

// Operation is a unit of work run under retry. The context carries the
// per-attempt deadline; operations doing I/O should honor it.
type Operation[T any] func(ctx context.Context) (T, error)

// Outcome reports the result of a retried call.
type Outcome[T any] struct {
	// Success is true when some attempt returned without error.
	Success bool
	// Data is the value from the successful attempt, zero otherwise.
	Data T
	// Err is the last failure, verbatim. Nil when Success is true.
	Err error
	// Attempts is the number of invocations made, at least 1.
	Attempts int
	// TotalTime is the wall-clock duration of the whole call, delays
	// included.
	TotalTime time.Duration
}

// Collector receives executor lifecycle events.
type Collector interface {
	AttemptStarted(name string, attempt int)
	AttemptFinished(name string, attempt int, elapsed time.Duration, err error)
	RetryScheduled(name string, retry int, delay time.Duration)
}

type noopCollector struct{}

func (noopCollector) AttemptStarted(string, int) {}

func (noopCollector) AttemptFinished(string, int, time.Duration, error) {}

func (noopCollector) RetryScheduled(string, int, time.Duration) {}

// Do runs op with the default policy adjusted by opts and reports the
// outcome. Attempts are strictly sequential; between failed attempts the
// executor waits for the backoff delay or until ctx is done, whichever
// comes first.
func Do[T any](ctx context.Context, op Operation[T], opts ...Option) Outcome[T] {
	p := DefaultPolicy()
	for _, opt := range opts {
		opt(&p)
	}
	return DoWithPolicy(ctx, p, op)
}

// DoWithPolicy runs op under an explicit policy. Unset policy fields fall
// back to defaults, except MaxRetries where zero means no retries.
func DoWithPolicy[T any](ctx context.Context, p Policy, op Operation[T]) Outcome[T] {
	p = p.withDefaults()
	logger := p.loggerOrDefault()
	collector := p.collectorOrNoop()
	start := time.Now()

	var lastErr error
	for attempt := 1; ; attempt++ {
		attemptStart := time.Now()
		collector.AttemptStarted(p.name, attempt)
		data, err := runAttempt(ctx, p, op)
		collector.AttemptFinished(p.name, attempt, time.Since(attemptStart), err)

		if err == nil {
			return Outcome[T]{
				Success:   true,
				Data:      data,
				Attempts:  attempt,
				TotalTime: time.Since(start),
			}
		}
		lastErr = err

		// Retry only while budget remains and the failure class allows it.
		if attempt > p.MaxRetries || !p.ShouldRetry(err) {
			return Outcome[T]{
				Err:       lastErr,
				Attempts:  attempt,
				TotalTime: time.Since(start),
			}
		}

		delay := p.NextDelay(attempt)
		// A server-directed delay (Retry-After) overrides computed backoff,
		// without jitter, capped at MaxDelay.
		if hint, ok := delayHint(err); ok {
			if hint > p.MaxDelay {
				hint = p.MaxDelay
			}
			delay = hint
		}
		logger.Debug("retrying operation",
			"operation", p.name,
			"attempt", attempt,
			"delay", delay,
			"class", p.Classify(err).String(),
			"error", err)
		collector.RetryScheduled(p.name, attempt, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Outcome[T]{
				Err:       ctx.Err(),
				Attempts:  attempt,
				TotalTime: time.Since(start),
			}
		}
	}
}

// Run is the error-only form of Do for operations without a return value.
func Run(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	outcome := Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return outcome.Err
}

// Wrap returns an operation that retries op on each invocation. On success
// it returns the data; once retries are exhausted or a non-retryable
// failure occurs it returns the original last error, never a wrapper.
func Wrap[T any](op Operation[T], opts ...Option) Operation[T] {
	return func(ctx context.Context) (T, error) {
		outcome := Do(ctx, op, opts...)
		if outcome.Success {
			return outcome.Data, nil
		}
		var zero T
		return zero, outcome.Err
	}
}

// runAttempt invokes op once under the per-attempt deadline. An attempt
// that does not settle in time fails with a TimeoutError; the abandoned
// invocation finishes into a buffered channel and is discarded.
func runAttempt[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	if p.Timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	type result struct {
		data T
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := op(attemptCtx)
		done <- result{data: data, err: err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-attemptCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			// The caller's context ended, not the attempt budget.
			return zero, err
		}
		return zero, &TimeoutError{Op: p.name, Timeout: p.Timeout}
	}
}
