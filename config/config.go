// Package config loads resilience profiles from YAML. A profile bundles
// retry, breaker, and rate limit settings for one endpoint; endpoint
// profiles inherit anything they leave unset from the file's defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/glimte/fortis-go/breaker"
	"github.com/glimte/fortis-go/retry"
)

// RetrySettings configures the retry policy for an endpoint. Durations are
// milliseconds on the wire. Unset fields inherit from the defaults profile;
// MaxRetries and Jitter are pointers because zero and false are meaningful
// values.
type RetrySettings struct {
	MaxRetries           *int    `yaml:"max_retries,omitempty" validate:"omitempty,min=0,max=100"`
	InitialDelayMs       int     `yaml:"initial_delay_ms,omitempty" validate:"omitempty,min=1"`
	MaxDelayMs           int     `yaml:"max_delay_ms,omitempty" validate:"omitempty,min=1"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier,omitempty" validate:"omitempty,min=1"`
	Jitter               *bool   `yaml:"jitter,omitempty"`
	TimeoutMs            int     `yaml:"timeout_ms,omitempty" validate:"omitempty,min=1"`
	RetryableStatusCodes []int   `yaml:"retryable_status_codes,omitempty" validate:"omitempty,dive,min=100,max=599"`
}

// BreakerSettings configures the circuit breaker for an endpoint.
type BreakerSettings struct {
	FailureThreshold int `yaml:"failure_threshold,omitempty" validate:"omitempty,min=1"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms,omitempty" validate:"omitempty,min=1"`
}

// RateSettings configures the outbound rate limit for an endpoint. A zero
// RequestsPerSecond disables limiting.
type RateSettings struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" validate:"omitempty,gt=0"`
	Burst             int     `yaml:"burst,omitempty" validate:"omitempty,min=1"`
	Mode              string  `yaml:"mode,omitempty" validate:"omitempty,oneof=wait reject"`
}

// Profile bundles the resilience settings for one endpoint.
type Profile struct {
	Retry     RetrySettings   `yaml:"retry"`
	Breaker   BreakerSettings `yaml:"breaker"`
	RateLimit RateSettings    `yaml:"rate_limit"`
}

// Config is a parsed profile file: global defaults plus per-endpoint
// overrides keyed by endpoint name.
type Config struct {
	Defaults  Profile            `yaml:"defaults"`
	Endpoints map[string]Profile `yaml:"endpoints"`
}

// DefaultProfile returns the standard profile: 3 retries starting at 1s
// doubling up to 10s with jitter, 30s attempt timeout, breaker opening
// after 5 consecutive failures with a 30s cooldown, no rate limit.
func DefaultProfile() Profile {
	maxRetries := retry.DefaultMaxRetries
	jitter := true
	return Profile{
		Retry: RetrySettings{
			MaxRetries:           &maxRetries,
			InitialDelayMs:       int(retry.DefaultInitialDelay / time.Millisecond),
			MaxDelayMs:           int(retry.DefaultMaxDelay / time.Millisecond),
			BackoffMultiplier:    retry.DefaultMultiplier,
			Jitter:               &jitter,
			TimeoutMs:            int(retry.DefaultTimeout / time.Millisecond),
			RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
		},
		Breaker: BreakerSettings{
			FailureThreshold: breaker.DefaultFailureThreshold,
			ResetTimeoutMs:   int(breaker.DefaultResetTimeout / time.Millisecond),
		},
	}
}

// Load reads and parses a profile file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals a profile document, fills unset fields from the standard
// defaults, and validates the result. Endpoint profiles inherit from the
// file's defaults section.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	cfg.Defaults = mergeProfile(DefaultProfile(), cfg.Defaults)
	for name, profile := range cfg.Endpoints {
		cfg.Endpoints[name] = mergeProfile(cfg.Defaults, profile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every profile against the field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed rule %q", fe.StructNamespace(), fe.Tag()))
			}
			return fmt.Errorf("config validation failed: %s: %w", strings.Join(msgs, "; "), err)
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// ProfileFor returns the profile for an endpoint, falling back to the
// defaults when the endpoint has no entry.
func (c *Config) ProfileFor(endpoint string) Profile {
	if p, ok := c.Endpoints[endpoint]; ok {
		return p
	}
	return c.Defaults
}

// RetryOptions bridges the profile to retry policy options.
func (p Profile) RetryOptions() []retry.Option {
	opts := []retry.Option{
		retry.WithInitialDelay(time.Duration(p.Retry.InitialDelayMs) * time.Millisecond),
		retry.WithMaxDelay(time.Duration(p.Retry.MaxDelayMs) * time.Millisecond),
		retry.WithMultiplier(p.Retry.BackoffMultiplier),
		retry.WithTimeout(time.Duration(p.Retry.TimeoutMs) * time.Millisecond),
		retry.WithRetryableStatusCodes(p.Retry.RetryableStatusCodes...),
	}
	if p.Retry.MaxRetries != nil {
		opts = append(opts, retry.WithMaxRetries(*p.Retry.MaxRetries))
	}
	if p.Retry.Jitter != nil {
		opts = append(opts, retry.WithJitter(*p.Retry.Jitter))
	}
	return opts
}

// RetryPolicy returns the profile's retry settings as a policy value.
func (p Profile) RetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	for _, opt := range p.RetryOptions() {
		opt(&policy)
	}
	return policy
}

// BreakerOptions bridges the profile to breaker options.
func (p Profile) BreakerOptions() []breaker.Option {
	return []breaker.Option{
		breaker.WithFailureThreshold(p.Breaker.FailureThreshold),
		breaker.WithResetTimeout(time.Duration(p.Breaker.ResetTimeoutMs) * time.Millisecond),
	}
}

var validate = validator.New()

// mergeProfile overlays override on base, field by field. Zero fields in
// the override inherit the base value.
func mergeProfile(base, override Profile) Profile {
	merged := base

	if override.Retry.MaxRetries != nil {
		merged.Retry.MaxRetries = override.Retry.MaxRetries
	}
	if override.Retry.InitialDelayMs > 0 {
		merged.Retry.InitialDelayMs = override.Retry.InitialDelayMs
	}
	if override.Retry.MaxDelayMs > 0 {
		merged.Retry.MaxDelayMs = override.Retry.MaxDelayMs
	}
	if override.Retry.BackoffMultiplier > 0 {
		merged.Retry.BackoffMultiplier = override.Retry.BackoffMultiplier
	}
	if override.Retry.Jitter != nil {
		merged.Retry.Jitter = override.Retry.Jitter
	}
	if override.Retry.TimeoutMs > 0 {
		merged.Retry.TimeoutMs = override.Retry.TimeoutMs
	}
	if override.Retry.RetryableStatusCodes != nil {
		merged.Retry.RetryableStatusCodes = override.Retry.RetryableStatusCodes
	}

	if override.Breaker.FailureThreshold > 0 {
		merged.Breaker.FailureThreshold = override.Breaker.FailureThreshold
	}
	if override.Breaker.ResetTimeoutMs > 0 {
		merged.Breaker.ResetTimeoutMs = override.Breaker.ResetTimeoutMs
	}

	if override.RateLimit.RequestsPerSecond > 0 {
		merged.RateLimit.RequestsPerSecond = override.RateLimit.RequestsPerSecond
	}
	if override.RateLimit.Burst > 0 {
		merged.RateLimit.Burst = override.RateLimit.Burst
	}
	if override.RateLimit.Mode != "" {
		merged.RateLimit.Mode = override.RateLimit.Mode
	}

	return merged
}
