package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by New.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// StateChangeListener receives state change notifications. Callbacks run on
// their own goroutine and must not call back into the breaker.
type StateChangeListener interface {
	OnStateChange(name string, from, to State, reason string)
}

// Collector receives breaker lifecycle events.
type Collector interface {
	BreakerStateChanged(name string, from, to State)
	BreakerRejected(name string)
}

type noopCollector struct{}

func (noopCollector) BreakerStateChanged(string, State, State) {}

func (noopCollector) BreakerRejected(string) {}

// Breaker is a three-state circuit breaker guarding one logical operation.
// The zero value is not usable; construct with New. A Breaker is safe for
// concurrent use and is meant to be created once and reused for the process
// lifetime.
type Breaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	probing         bool
	lastFailureTime time.Time
	lastTransition  time.Time
	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64

	name             string
	failureThreshold int
	resetTimeout     time.Duration
	clock            func() time.Time
	logger           *slog.Logger
	collector        Collector
	listeners        []StateChangeListener
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures that open the breaker.
func WithFailureThreshold(threshold int) Option {
	return func(b *Breaker) {
		if threshold > 0 {
			b.failureThreshold = threshold
		}
	}
}

// WithResetTimeout sets the cooldown before a half-open probe is allowed.
func WithResetTimeout(timeout time.Duration) Option {
	return func(b *Breaker) {
		if timeout > 0 {
			b.resetTimeout = timeout
		}
	}
}

// WithName sets the breaker name used in errors, logs, and metrics.
func WithName(name string) Option {
	return func(b *Breaker) {
		b.name = name
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithCollector sets the metrics collector.
func WithCollector(c Collector) Option {
	return func(b *Breaker) {
		if c != nil {
			b.collector = c
		}
	}
}

// WithClock sets the time source. Intended for tests that step through the
// cooldown without sleeping.
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithStateChangeListener registers a state change listener.
func WithStateChangeListener(l StateChangeListener) Option {
	return func(b *Breaker) {
		if l != nil {
			b.listeners = append(b.listeners, l)
		}
	}
}

// New creates a closed breaker with the given options.
func New(options ...Option) *Breaker {
	b := &Breaker{
		state:            StateClosed,
		failureThreshold: DefaultFailureThreshold,
		resetTimeout:     DefaultResetTimeout,
		clock:            time.Now,
		logger:           slog.Default(),
		collector:        noopCollector{},
	}

	for _, opt := range options {
		opt(b)
	}

	b.lastTransition = b.clock()
	return b
}

// Execute runs op under the breaker. While open it rejects immediately with
// an *OpenError and never invokes op; after the cooldown exactly one probe
// is let through. The operation's own error always propagates verbatim; the
// breaker never retries.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}

	// The caller may already be gone; an invocation that never happened
	// says nothing about the operation's health.
	select {
	case <-ctx.Done():
		b.release(probe)
		return ctx.Err()
	default:
	}

	err = op(ctx)
	b.record(probe, err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Counts is a point-in-time snapshot of breaker counters.
type Counts struct {
	State               State
	ConsecutiveFailures int
	TotalRequests       int64
	TotalSuccesses      int64
	TotalFailures       int64
	TotalRejections     int64
	LastFailure         time.Time
	LastTransition      time.Time
}

// Counts returns a snapshot of the breaker counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		TotalRequests:       b.totalRequests,
		TotalSuccesses:      b.totalSuccesses,
		TotalFailures:       b.totalFailures,
		TotalRejections:     b.totalRejections,
		LastFailure:         b.lastFailureTime,
		LastTransition:      b.lastTransition,
	}
}

// Reset forces the breaker closed, zeroing the consecutive failure count
// and clearing the failure timestamp.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.lastFailureTime = time.Time{}
	if b.state != StateClosed {
		b.transition(StateClosed, "manual reset")
	}
}

// acquire decides whether a call may proceed. It returns probe=true when
// the caller holds the single half-open probe slot and must report its
// result via record or release.
func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		retryAt := b.lastFailureTime.Add(b.resetTimeout)
		now := b.clock()
		if now.Before(retryAt) {
			b.totalRejections++
			b.collector.BreakerRejected(b.name)
			return false, &OpenError{Name: b.name, RetryAfter: retryAt.Sub(now)}
		}
		b.transition(StateHalfOpen, "cooldown elapsed")
		b.probing = true
		return true, nil

	case StateHalfOpen:
		if b.probing {
			b.totalRejections++
			b.collector.BreakerRejected(b.name)
			return false, &OpenError{Name: b.name}
		}
		// A previous probe slot was released without a result.
		b.probing = true
		return true, nil

	default:
		return false, fmt.Errorf("circuit breaker %q in unknown state %d", b.name, b.state)
	}
}

// release returns an unused probe slot. The next caller becomes the probe.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// record applies an execution result to the state machine.
func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if err != nil {
		b.totalFailures++
		b.lastFailureTime = b.clock()

		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.failureThreshold {
				b.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", b.failures, b.failureThreshold))
			}
		case StateHalfOpen:
			// The probe failed: the breaker is fully open again until a
			// fresh cooldown elapses.
			b.failures = b.failureThreshold
			b.transition(StateOpen, "probe failed")
		}
		// A failure landing while already open only refreshes
		// lastFailureTime, extending the cooldown.
		return
	}

	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		// The count tracks consecutive failures only.
		b.failures = 0
	case StateHalfOpen:
		b.failures = 0
		b.transition(StateClosed, "probe succeeded")
	}
}

// transition moves the state machine and notifies observers. Callers hold
// the mutex.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = b.clock()

	b.logger.Info("circuit breaker state changed",
		"breaker", b.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
	b.collector.BreakerStateChanged(b.name, from, to)

	// Listeners run off the lock so a slow callback cannot stall calls.
	listeners := make([]StateChangeListener, len(b.listeners))
	copy(listeners, b.listeners)
	for _, l := range listeners {
		go l.OnStateChange(b.name, from, to, reason)
	}
}
