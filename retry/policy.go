package retry

import (
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Defaults applied by DefaultPolicy.
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultMultiplier   = 2.0
	DefaultTimeout      = 30 * time.Second
)

// Jitter multiplies the computed delay by a uniform factor in this range.
const (
	jitterMin = 0.5
	jitterMax = 1.5
)

// DefaultRetryableStatusCodes returns the status codes retried by default.
func DefaultRetryableStatusCodes() map[int]bool {
	return map[int]bool{
		408: true,
		429: true,
		500: true,
		502: true,
		503: true,
		504: true,
	}
}

// Policy describes how an operation is retried. A Policy is a plain value;
// it carries no state between calls and may be reused freely.
//
// The zero value behaves as a no-retry policy with default delays and
// timeout filled in; DefaultPolicy returns the standard configuration.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration
	// Multiplier is the backoff growth factor per retry, at least 1.
	Multiplier float64
	// Jitter randomizes each delay so concurrent callers spread out.
	Jitter bool
	// Timeout is the wall-clock budget for a single attempt. Zero means
	// no per-attempt deadline.
	Timeout time.Duration
	// RetryableStatusCodes are the status codes treated as retryable when
	// a failure carries one.
	RetryableStatusCodes map[int]bool

	name       string
	classifier Classifier
	logger     *slog.Logger
	collector  Collector
	rand       *rand.Rand
}

// DefaultPolicy returns the standard policy: 3 retries, 1s initial delay
// doubling up to 10s, jitter on, 30s per-attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:           DefaultMaxRetries,
		InitialDelay:         DefaultInitialDelay,
		MaxDelay:             DefaultMaxDelay,
		Multiplier:           DefaultMultiplier,
		Jitter:               true,
		Timeout:              DefaultTimeout,
		RetryableStatusCodes: DefaultRetryableStatusCodes(),
	}
}

// Option adjusts a Policy.
type Option func(*Policy)

// WithMaxRetries sets the retry budget after the first attempt.
func WithMaxRetries(n int) Option {
	return func(p *Policy) {
		p.MaxRetries = n
	}
}

// WithInitialDelay sets the base delay before the first retry.
func WithInitialDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.InitialDelay = d
	}
}

// WithMaxDelay caps the computed backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.MaxDelay = d
	}
}

// WithMultiplier sets the backoff growth factor.
func WithMultiplier(m float64) Option {
	return func(p *Policy) {
		p.Multiplier = m
	}
}

// WithJitter enables or disables delay randomization.
func WithJitter(enabled bool) Option {
	return func(p *Policy) {
		p.Jitter = enabled
	}
}

// WithTimeout sets the per-attempt wall-clock budget. Zero disables the
// per-attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Policy) {
		p.Timeout = d
	}
}

// WithRetryableStatusCodes replaces the set of retryable status codes.
func WithRetryableStatusCodes(codes ...int) Option {
	return func(p *Policy) {
		set := make(map[int]bool, len(codes))
		for _, code := range codes {
			set[code] = true
		}
		p.RetryableStatusCodes = set
	}
}

// WithPolicy replaces the configuration fields wholesale while keeping any
// logger, collector, or classifier set by other options. Apply it before
// options that tune individual fields.
func WithPolicy(policy Policy) Option {
	return func(p *Policy) {
		p.MaxRetries = policy.MaxRetries
		p.InitialDelay = policy.InitialDelay
		p.MaxDelay = policy.MaxDelay
		p.Multiplier = policy.Multiplier
		p.Jitter = policy.Jitter
		p.Timeout = policy.Timeout
		p.RetryableStatusCodes = policy.RetryableStatusCodes
	}
}

// WithName labels the operation in logs and metrics.
func WithName(name string) Option {
	return func(p *Policy) {
		p.name = name
	}
}

// WithClassifier replaces the failure classifier.
func WithClassifier(c Classifier) Option {
	return func(p *Policy) {
		p.classifier = c
	}
}

// WithLogger sets the logger used for retry events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// WithCollector sets the metrics collector.
func WithCollector(c Collector) Option {
	return func(p *Policy) {
		p.collector = c
	}
}

// WithRand sets the random source used for jitter. Intended for tests that
// need deterministic delays; the source must not be shared across
// goroutines.
func WithRand(r *rand.Rand) Option {
	return func(p *Policy) {
		p.rand = r
	}
}

// Delay returns the backoff delay for the given retry (1-based) before
// jitter: min(MaxDelay, InitialDelay * Multiplier^(retry-1)).
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// NextDelay returns the delay for the given retry with jitter applied when
// enabled.
func (p Policy) NextDelay(retry int) time.Duration {
	delay := p.Delay(retry)
	if !p.Jitter || delay <= 0 {
		return delay
	}
	factor := jitterMin + p.randomFloat()*(jitterMax-jitterMin)
	return time.Duration(float64(delay) * factor)
}

// ShouldRetry reports whether err is worth retrying under this policy.
// Timeouts and network failures always are; status-coded failures are when
// the code is in RetryableStatusCodes; everything else is not.
func (p Policy) ShouldRetry(err error) bool {
	switch p.Classify(err) {
	case ClassTimeout, ClassNetwork:
		return true
	case ClassStatus:
		code, ok := StatusCode(err)
		return ok && p.RetryableStatusCodes[code]
	default:
		return false
	}
}

// Classify assigns err a failure class using the policy's classifier.
func (p Policy) Classify(err error) Class {
	if p.classifier != nil {
		return p.classifier.Classify(err)
	}
	return DefaultClassifier{}.Classify(err)
}

// withDefaults fills unset fields so a partially built Policy behaves like
// an override of the defaults. MaxRetries keeps its value: zero means no
// retries.
func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Timeout < 0 {
		p.Timeout = 0
	}
	if p.RetryableStatusCodes == nil {
		p.RetryableStatusCodes = DefaultRetryableStatusCodes()
	}
	return p
}

func (p Policy) randomFloat() float64 {
	if p.rand != nil {
		return p.rand.Float64()
	}
	return rand.Float64()
}

func (p Policy) loggerOrDefault() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

func (p Policy) collectorOrNoop() Collector {
	if p.collector != nil {
		return p.collector
	}
	return noopCollector{}
}
