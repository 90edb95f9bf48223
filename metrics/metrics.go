// Package metrics provides the metrics collector used across the toolkit.
//
// Core packages declare small consumer-side collector interfaces (retry,
// breaker, delivery); PrometheusCollector implements all of them from one
// place, and Noop stands in when metrics are not wanted. The combined
// Collector interface exists for wiring code that passes one collector
// everywhere.
package metrics

import (
	"time"

	"github.com/glimte/fortis-go/breaker"
	"github.com/glimte/fortis-go/retry"
)

// Collector is the union of every event the toolkit emits.
type Collector interface {
	retry.Collector
	breaker.Collector

	// Call pipeline events.
	CallStarted(name string)
	CallFinished(name string, elapsed time.Duration, err error)

	// Webhook delivery events.
	DeliveryEnqueued(endpoint string)
	DeliveryScheduled(endpoint string, delay time.Duration)
	DeliveryDelivered(endpoint string, attempts int)
	DeliveryDeadLettered(endpoint string)
}

// Noop discards every event. It is the default collector so callers never
// nil-check.
type Noop struct{}

// NewNoop returns a collector that discards everything.
func NewNoop() Noop {
	return Noop{}
}

func (Noop) AttemptStarted(string, int) {}

func (Noop) AttemptFinished(string, int, time.Duration, error) {}

func (Noop) RetryScheduled(string, int, time.Duration) {}

func (Noop) BreakerStateChanged(string, breaker.State, breaker.State) {}

func (Noop) BreakerRejected(string) {}

func (Noop) CallStarted(string) {}

func (Noop) CallFinished(string, time.Duration, error) {}

func (Noop) DeliveryEnqueued(string) {}

func (Noop) DeliveryScheduled(string, time.Duration) {}

func (Noop) DeliveryDelivered(string, int) {}

func (Noop) DeliveryDeadLettered(string) {}
