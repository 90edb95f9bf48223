package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/fortis-go/breaker"
	"github.com/glimte/fortis-go/delivery"
)

// BreakerChecker reports on a breaker registry. Open breakers degrade the
// status rather than failing it: the endpoints behind them are cooling
// down, the instance itself is fine.
type BreakerChecker struct {
	registry *breaker.Registry
}

// NewBreakerChecker creates a checker over registry.
func NewBreakerChecker(registry *breaker.Registry) *BreakerChecker {
	return &BreakerChecker{registry: registry}
}

// Name implements Checker.
func (c *BreakerChecker) Name() string { return "breakers" }

// Check implements Checker.
func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]any),
	}

	states := c.registry.States()
	byName := make(map[string]string, len(states))
	open := 0
	for name, state := range states {
		byName[name] = state.String()
		if state == breaker.StateOpen {
			open++
		}
	}
	result.Details["breakers"] = byName
	result.Details["open"] = open

	if open > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d breakers open", open, len(states))
	} else {
		result.Message = "no open breakers"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueDepther reports how many messages sit in a queue. The mq topology
// manager satisfies it.
type QueueDepther interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// StatsSource summarizes recorded delivery attempts. The attempt journal
// satisfies it.
type StatsSource interface {
	Stats() delivery.AttemptStats
}

// Default thresholds for the delivery checker.
const (
	DefaultDepthWarning       = 10000
	DefaultFailureRateWarning = 0.5
)

// Failure rates over fewer attempts than this are ignored as noise.
const rateSampleFloor = 10

// DeliveryChecker watches the delivery pipeline: queue backlogs against a
// depth threshold, and the journal's failure rate.
type DeliveryChecker struct {
	queues     QueueDepther
	stats      StatsSource
	queueNames []string
	depthWarn  int
	rateWarn   float64
}

// DeliveryCheckerOption configures the delivery checker.
type DeliveryCheckerOption func(*DeliveryChecker)

// WithQueues names the queues whose depth is inspected, typically the
// scheduler's tier queues.
func WithQueues(names ...string) DeliveryCheckerOption {
	return func(c *DeliveryChecker) {
		c.queueNames = names
	}
}

// WithDepthWarning sets the backlog size that degrades the status.
func WithDepthWarning(n int) DeliveryCheckerOption {
	return func(c *DeliveryChecker) {
		if n > 0 {
			c.depthWarn = n
		}
	}
}

// WithFailureRateWarning sets the journal failure rate that degrades the
// status.
func WithFailureRateWarning(rate float64) DeliveryCheckerOption {
	return func(c *DeliveryChecker) {
		if rate > 0 && rate <= 1 {
			c.rateWarn = rate
		}
	}
}

// NewDeliveryChecker creates a checker over the delivery pipeline. Either
// source may be nil, skipping that half of the check.
func NewDeliveryChecker(queues QueueDepther, stats StatsSource, options ...DeliveryCheckerOption) *DeliveryChecker {
	c := &DeliveryChecker{
		queues:    queues,
		stats:     stats,
		depthWarn: DefaultDepthWarning,
		rateWarn:  DefaultFailureRateWarning,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Name implements Checker.
func (c *DeliveryChecker) Name() string { return "delivery" }

// Check implements Checker.
func (c *DeliveryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if c.queues != nil {
		depths := make(map[string]int, len(c.queueNames))
		for _, queue := range c.queueNames {
			depth, err := c.queues.QueueDepth(ctx, queue)
			if err != nil {
				result.Status = StatusUnhealthy
				result.Message = fmt.Sprintf("queue %s not inspectable", queue)
				result.Error = err.Error()
				result.Duration = time.Since(start)
				return result
			}
			depths[queue] = depth
			if depth > c.depthWarn && result.Status == StatusHealthy {
				result.Status = StatusDegraded
				result.Message = fmt.Sprintf("queue %s backlog at %d", queue, depth)
			}
		}
		result.Details["queues"] = depths
	}

	if c.stats != nil {
		stats := c.stats.Stats()
		rate := stats.FailureRate()
		result.Details["attempts"] = stats.Total
		result.Details["failed"] = stats.Failed
		result.Details["failureRate"] = rate

		if stats.Total >= rateSampleFloor && rate > c.rateWarn && result.Status == StatusHealthy {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("delivery failure rate at %.0f%%", rate*100)
		}
	}

	if result.Status == StatusHealthy {
		result.Message = "delivery pipeline is healthy"
	}
	result.Duration = time.Since(start)
	return result
}

// PingChecker adapts a plain ping func into a Checker; a nil error means
// healthy.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker wraps ping under the given check name.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// Name implements Checker.
func (c *PingChecker) Name() string { return c.name }

// Check implements Checker.
func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "ok",
		Timestamp: start,
	}
	if err := c.ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
