package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one consumed message. A nil return acks the message;
// an error nacks it, requeueing only if the consumer is configured to.
type Handler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes queues with prefetch and manual acknowledgment.
type Consumer struct {
	pool           *ChannelPool
	prefetchCount  int
	prefetchSize   int
	autoAck        bool
	exclusive      bool
	consumerTag    string
	requeueOnError bool
	handlerTimeout time.Duration
	logger         *slog.Logger
	active         sync.Map
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets how many unacked messages the broker pushes.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables broker-side auto acknowledgment.
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive requests exclusive consumer access to the queue.
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithRequeueOnError requeues messages whose handler failed. Off by
// default: a pipeline that schedules its own redelivery must not have the
// broker redeliver behind its back.
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeueOnError = requeue
	}
}

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = d
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a consumer over the channel pool.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

type subscription struct {
	queue   string
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscribe starts consuming the queue, invoking handler per message until
// ctx ends or Unsubscribe is called.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler Handler) error {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumeError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, c.prefetchSize, false); err != nil {
		c.pool.Put(ch)
		return &ConsumeError{Queue: queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		c.autoAck,
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return &ConsumeError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.active.Store(queue, sub)

	go c.run(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"prefetch", c.prefetchCount)
	return nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler Handler) {
	// done closes last so a caller waiting in Unsubscribe sees the active
	// entry already gone and can immediately resubscribe the queue.
	defer func() {
		c.active.Delete(sub.queue)
		c.pool.Put(sub.channel)
		c.logger.Info("consumer stopped", "queue", sub.queue)
		close(sub.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery stream closed", "queue", sub.queue)
				return
			}
			if err := c.handle(ctx, delivery, handler); err != nil {
				c.logger.Error("message handling failed",
					"queue", sub.queue,
					"messageId", delivery.MessageId,
					"error", err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery, handler Handler) error {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)

	if !c.autoAck {
		if err != nil {
			if nackErr := delivery.Nack(false, c.requeueOnError); nackErr != nil {
				c.logger.Error("nack failed", "error", nackErr, "handlerError", err)
			}
		} else {
			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Error("ack failed", "error", ackErr)
			}
		}
	}
	return err
}

// Unsubscribe stops the consumer on a queue and waits for it to wind down.
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.active.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue %s", queue)
	}
	sub := value.(*subscription)
	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every active consumer.
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup
	c.active.Range(func(key, _ any) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("unsubscribe failed", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})
	wg.Wait()
	return nil
}

// ActiveQueues lists the queues with a running consumer.
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.active.Range(func(key, _ any) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
