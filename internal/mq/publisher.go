package mq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/fortis-go/retry"
)

// Publisher publishes messages in confirm mode. Transient failures are
// retried under a retry.Policy; caller cancellation is not.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	policy         retry.Policy
	logger         *slog.Logger
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishPolicy sets the retry policy for failed publishes.
func WithPublishPolicy(policy retry.Policy) PublisherOption {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a confirm-mode publisher over the channel pool.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		policy: retry.Policy{
			MaxRetries:   2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends one message and waits for the broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return retry.Run(ctx, func(ctx context.Context) error {
		return p.publishOnce(ctx, exchange, routingKey, msg)
	},
		retry.WithPolicy(p.policy),
		retry.WithName("mq.publish"),
		retry.WithLogger(p.logger),
		retry.WithClassifier(retry.ClassifierFunc(classifyPublish)),
	)
}

// classifyPublish treats every broker failure as transient; only caller
// cancellation stops the retry loop.
func classifyPublish(err error) retry.Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.ClassGeneric
	}
	return retry.ClassNetwork
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	defer p.pool.Put(ch)

	if err := ch.Confirm(false); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	// Deferred confirmations keep pooled channels free of accumulated
	// NotifyPublish listeners.
	dc, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	select {
	case <-dc.Done():
		if !dc.Acked() {
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        ErrPublishNacked,
				Timestamp:  time.Now(),
			}
		}
		return nil

	case <-time.After(p.confirmTimeout):
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        ErrConfirmTimeout,
			Timestamp:  time.Now(),
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}
