package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/fortis-go/internal/mq"
)

// DefaultExchange is the direct exchange the delivery topology hangs off.
const DefaultExchange = "fortis.delivery"

const readyRoutingKey = "ready"

// DefaultTiers returns the standard delay tiers. Retries are parked in the
// smallest tier that covers the computed backoff.
func DefaultTiers() []time.Duration {
	return []time.Duration{
		5 * time.Second,
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
	}
}

// Publisher publishes one message in confirm mode. *mq.Publisher implements
// it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Scheduler routes deliveries into the broker topology: immediate attempts
// go to the ready queue, retries to a TTL delay tier that dead-letters back
// to the ready queue when the delay elapses.
type Scheduler struct {
	publisher Publisher
	topology  *mq.TopologyManager
	exchange  string
	tiers     []time.Duration
	logger    *slog.Logger
	collector Collector
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithExchange sets the exchange name; queue names derive from it.
func WithExchange(name string) SchedulerOption {
	return func(s *Scheduler) {
		if name != "" {
			s.exchange = name
		}
	}
}

// WithTiers replaces the delay tiers. Tiers are kept sorted ascending.
func WithTiers(tiers ...time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if len(tiers) == 0 {
			return
		}
		sorted := make([]time.Duration, len(tiers))
		copy(sorted, tiers)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.tiers = sorted
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedulerCollector sets the metrics collector.
func WithSchedulerCollector(collector Collector) SchedulerOption {
	return func(s *Scheduler) {
		if collector != nil {
			s.collector = collector
		}
	}
}

// NewScheduler creates a scheduler publishing through publisher. The
// topology manager is only needed by Initialize and may be nil when the
// topology is declared elsewhere.
func NewScheduler(publisher Publisher, topology *mq.TopologyManager, options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		publisher: publisher,
		topology:  topology,
		exchange:  DefaultExchange,
		tiers:     DefaultTiers(),
		logger:    slog.Default(),
		collector: noopCollector{},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ReadyQueue is the queue the dispatcher consumes.
func (s *Scheduler) ReadyQueue() string {
	return s.exchange + ".ready"
}

// Tiers returns the configured delay tiers.
func (s *Scheduler) Tiers() []time.Duration {
	tiers := make([]time.Duration, len(s.tiers))
	copy(tiers, s.tiers)
	return tiers
}

// TierQueues returns the delay queue name for every tier, ready-queue
// first. Used by ops tooling to inspect depths.
func (s *Scheduler) TierQueues() []string {
	names := []string{s.ReadyQueue()}
	for _, tier := range s.tiers {
		names = append(names, s.tierQueue(tier))
	}
	return names
}

// Initialize declares the exchange, the ready queue, and one delay queue
// per tier, each dead-lettering back to the ready queue.
func (s *Scheduler) Initialize(ctx context.Context) error {
	if s.topology == nil {
		return fmt.Errorf("delivery: scheduler has no topology manager")
	}

	topology := mq.Topology{
		Exchanges: []mq.ExchangeDeclaration{
			{Name: s.exchange, Type: "direct", Durable: true},
		},
		Queues: []mq.QueueDeclaration{
			{Name: s.ReadyQueue(), Durable: true},
		},
		Bindings: []mq.Binding{
			{Queue: s.ReadyQueue(), Exchange: s.exchange, RoutingKey: readyRoutingKey},
		},
	}
	for _, tier := range s.tiers {
		name := s.tierQueue(tier)
		topology.Queues = append(topology.Queues, mq.DelayQueue(name, tier, s.exchange, readyRoutingKey))
		topology.Bindings = append(topology.Bindings, mq.Binding{
			Queue:      name,
			Exchange:   s.exchange,
			RoutingKey: name,
		})
	}

	if err := s.topology.Declare(ctx, topology); err != nil {
		return fmt.Errorf("delivery: declare topology: %w", err)
	}

	s.logger.Info("delivery topology declared",
		"exchange", s.exchange,
		"tiers", len(s.tiers))
	return nil
}

// Enqueue publishes the delivery for an immediate attempt.
func (s *Scheduler) Enqueue(ctx context.Context, d *Delivery) error {
	if err := d.Validate(); err != nil {
		return err
	}

	if err := s.publish(ctx, readyRoutingKey, d); err != nil {
		return err
	}

	s.collector.DeliveryEnqueued(d.Endpoint)
	s.logger.Debug("delivery enqueued",
		"deliveryId", d.ID,
		"endpoint", d.Endpoint,
		"attempt", d.Attempt)
	return nil
}

// Schedule parks the delivery in the smallest tier covering delay; when the
// tier's TTL elapses the broker dead-letters it back to the ready queue.
func (s *Scheduler) Schedule(ctx context.Context, d *Delivery, delay time.Duration) error {
	if err := d.Validate(); err != nil {
		return err
	}

	tier := s.tierFor(delay)
	d.NotBefore = time.Now().Add(tier)

	if err := s.publish(ctx, s.tierQueue(tier), d); err != nil {
		return err
	}

	s.collector.DeliveryScheduled(d.Endpoint, tier)
	s.logger.Debug("delivery scheduled",
		"deliveryId", d.ID,
		"endpoint", d.Endpoint,
		"attempt", d.Attempt,
		"tier", tier,
		"notBefore", d.NotBefore)
	return nil
}

// tierFor picks the smallest tier at or above delay, falling back to the
// largest for delays beyond the last tier.
func (s *Scheduler) tierFor(delay time.Duration) time.Duration {
	for _, tier := range s.tiers {
		if tier >= delay {
			return tier
		}
	}
	return s.tiers[len(s.tiers)-1]
}

func (s *Scheduler) tierQueue(tier time.Duration) string {
	return fmt.Sprintf("%s.delay.%ds", s.exchange, int(tier.Seconds()))
}

func (s *Scheduler) publish(ctx context.Context, routingKey string, d *Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("delivery: marshal: %w", err)
	}

	return s.publisher.Publish(ctx, s.exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.ID,
		Timestamp:    time.Now(),
		Body:         body,
		Headers: amqp.Table{
			"x-delivery-attempt":      d.Attempt,
			"x-delivery-max-attempts": d.MaxAttempts,
			"x-delivery-endpoint":     d.Endpoint,
		},
	})
}
