package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/fortis-go/retry"
)

// LoggingInterceptor logs call execution with timing and outcome.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor.
func (i *LoggingInterceptor) Intercept(ctx context.Context, call *Call, next Handler) error {
	start := time.Now()

	i.logger.Info("call started",
		"call", call.Name,
		"endpoint", call.Endpoint,
		"attempt", call.Attempt,
	)

	err := next.Handle(ctx, call)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("call failed",
			"call", call.Name,
			"endpoint", call.Endpoint,
			"attempt", call.Attempt,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("call completed",
			"call", call.Name,
			"endpoint", call.Endpoint,
			"attempt", call.Attempt,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor.
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// CallCollector receives call timing events. *metrics.PrometheusCollector
// and metrics.Noop satisfy it.
type CallCollector interface {
	CallStarted(name string)
	CallFinished(name string, elapsed time.Duration, err error)
}

// MetricsInterceptor reports call counts and durations to a collector.
type MetricsInterceptor struct {
	collector CallCollector
}

// NewMetricsInterceptor creates a new metrics interceptor.
func NewMetricsInterceptor(collector CallCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor.
func (i *MetricsInterceptor) Intercept(ctx context.Context, call *Call, next Handler) error {
	start := time.Now()
	i.collector.CallStarted(call.Name)

	err := next.Handle(ctx, call)
	i.collector.CallFinished(call.Name, time.Since(start), err)

	return err
}

// Name implements Interceptor.
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// TimeoutInterceptor bounds how long the rest of the chain may take. On
// expiry it fails with a retry.TimeoutError, which the default classifier
// treats as retryable. The abandoned handler keeps running until it
// observes the cancelled context; its eventual result is discarded.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor.
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, call *Call, next Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Handle(timeoutCtx, call)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if err := ctx.Err(); err != nil {
			// The caller's context ended, not the interceptor budget.
			return err
		}
		return &retry.TimeoutError{Op: call.Name, Timeout: i.timeout}
	}
}

// Name implements Interceptor.
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
