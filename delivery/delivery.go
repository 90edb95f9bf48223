package delivery

import (
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is how many delivery attempts a webhook gets before it
// is handed to the failure store.
const DefaultMaxAttempts = 5

var (
	// ErrInvalidEndpoint is returned when a delivery's endpoint is not an
	// absolute http or https URL.
	ErrInvalidEndpoint = errors.New("delivery: invalid endpoint url")
)

// Delivery is one webhook delivery job. It is JSON-encoded on the wire and
// travels through the ready queue and the delay tiers unchanged except for
// the attempt counter and the last error.
type Delivery struct {
	ID          string            `json:"id"`
	Endpoint    string            `json:"endpoint"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"maxAttempts"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
	NotBefore   time.Time         `json:"notBefore,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
}

// NewDelivery creates a delivery for endpoint carrying payload, with a fresh
// ID and the default attempt budget.
func NewDelivery(endpoint string, payload []byte) *Delivery {
	return &Delivery{
		ID:          uuid.New().String(),
		Endpoint:    endpoint,
		Payload:     payload,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now(),
	}
}

// Validate checks the delivery is well formed enough to enqueue.
func (d *Delivery) Validate() error {
	if d.ID == "" {
		return errors.New("delivery: missing id")
	}
	u, err := url.Parse(d.Endpoint)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidEndpoint
	}
	if d.MaxAttempts < 1 {
		return errors.New("delivery: max attempts must be at least 1")
	}
	return nil
}

// Collector receives delivery lifecycle events. metrics.Collector satisfies
// it; the default discards everything.
type Collector interface {
	DeliveryEnqueued(endpoint string)
	DeliveryScheduled(endpoint string, delay time.Duration)
	DeliveryDelivered(endpoint string, attempts int)
	DeliveryDeadLettered(endpoint string)
}

type noopCollector struct{}

func (noopCollector) DeliveryEnqueued(string)                 {}
func (noopCollector) DeliveryScheduled(string, time.Duration) {}
func (noopCollector) DeliveryDelivered(string, int)           {}
func (noopCollector) DeliveryDeadLettered(string)             {}

// Attempt is one recorded delivery attempt. The dispatcher hands these to
// its AttemptRecorder; internal/journal keeps them queryable.
type Attempt struct {
	DeliveryID string
	Endpoint   string
	Attempt    int
	StatusCode int
	Error      string
	Duration   time.Duration
	Timestamp  time.Time
}

// Success reports whether the attempt delivered.
func (a Attempt) Success() bool {
	return a.Error == "" && a.StatusCode >= 200 && a.StatusCode < 300
}

// AttemptRecorder records delivery attempts as they happen.
type AttemptRecorder interface {
	RecordAttempt(a Attempt)
}

// AttemptStats summarizes recorded attempts, used by health checks to watch
// the delivery error rate.
type AttemptStats struct {
	Total     int
	Delivered int
	Failed    int
	Oldest    time.Time
	Newest    time.Time
}

// FailureRate is the fraction of recorded attempts that failed, zero when
// nothing has been recorded.
func (s AttemptStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

type noopRecorder struct{}

func (noopRecorder) RecordAttempt(Attempt) {}
