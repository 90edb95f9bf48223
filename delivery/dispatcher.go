package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/fortis-go/breaker"
	"github.com/glimte/fortis-go/config"
	"github.com/glimte/fortis-go/httpclient"
	"github.com/glimte/fortis-go/internal/mq"
	"github.com/glimte/fortis-go/retry"
)

// Headers stamped on every outbound delivery request.
const (
	DeliveryIDHeader      = "X-Delivery-ID"
	DeliveryAttemptHeader = "X-Delivery-Attempt"
	SignatureHeader       = "X-Webhook-Signature"
	SignatureSHA256Header = "X-Webhook-Signature-256"
)

// DefaultRedeliveryPolicy spaces redeliveries so the computed delays land on
// the default tiers: 5s, 20s, 80s, 320s.
func DefaultRedeliveryPolicy() retry.Policy {
	return retry.Policy{
		InitialDelay:         5 * time.Second,
		MaxDelay:             10 * time.Minute,
		Multiplier:           4.0,
		RetryableStatusCodes: retry.DefaultRetryableStatusCodes(),
	}
}

// Dispatcher consumes the ready queue and makes one delivery attempt per
// consumed message. Failed attempts are rescheduled through the Scheduler
// with the attempt counter incremented; once the budget is spent, or the
// failure is not retryable, the delivery goes to the failure store.
type Dispatcher struct {
	scheduler *Scheduler
	consumer  *mq.Consumer
	client    *httpclient.Client
	store     FailureStore
	recorder  AttemptRecorder
	cfg       *config.Config
	policy    retry.Policy
	secret    string
	logger    *slog.Logger
	collector Collector

	subMu sync.Mutex
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithFailureStore sets where exhausted deliveries land. Defaults to a
// bounded in-memory store.
func WithFailureStore(store FailureStore) DispatcherOption {
	return func(d *Dispatcher) {
		if store != nil {
			d.store = store
		}
	}
}

// WithAttemptRecorder sets the recorder invoked for every attempt.
func WithAttemptRecorder(recorder AttemptRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		if recorder != nil {
			d.recorder = recorder
		}
	}
}

// WithHTTPClient replaces the outbound client. The client must not retry on
// its own: the dispatcher owns redelivery, one consumed message is one
// attempt.
func WithHTTPClient(client *httpclient.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithDeliveryConfig supplies per-endpoint profiles. Only the delay fields,
// timeout, and retryable status codes of a profile are consulted; the
// attempt budget rides on the delivery itself.
func WithDeliveryConfig(cfg *config.Config) DispatcherOption {
	return func(d *Dispatcher) {
		d.cfg = cfg
	}
}

// WithRedeliveryPolicy sets the fallback policy for endpoints without a
// config profile.
func WithRedeliveryPolicy(policy retry.Policy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// WithSigningSecret enables HMAC-SHA256 payload signatures on outbound
// requests.
func WithSigningSecret(secret string) DispatcherOption {
	return func(d *Dispatcher) {
		d.secret = secret
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherCollector sets the metrics collector.
func WithDispatcherCollector(collector Collector) DispatcherOption {
	return func(d *Dispatcher) {
		if collector != nil {
			d.collector = collector
		}
	}
}

// NewDispatcher creates a dispatcher over the scheduler's topology. The
// consumer may be nil when the dispatcher is only used for Redeliver.
func NewDispatcher(scheduler *Scheduler, consumer *mq.Consumer, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		scheduler: scheduler,
		consumer:  consumer,
		store:     NewInMemoryFailureStore(),
		recorder:  noopRecorder{},
		policy:    DefaultRedeliveryPolicy(),
		logger:    slog.Default(),
		collector: noopCollector{},
	}
	for _, opt := range options {
		opt(d)
	}

	if d.client == nil {
		policy := retry.DefaultPolicy()
		policy.MaxRetries = 0
		// The attempt deadline rides on the request context set per
		// delivery from the endpoint's profile.
		policy.Timeout = 0
		d.client = httpclient.New(
			httpclient.WithPolicy(policy),
			httpclient.WithLogger(d.logger),
		)
	}
	return d
}

// Store returns the failure store, for ops surfaces listing dead letters.
func (d *Dispatcher) Store() FailureStore {
	return d.store
}

// Start subscribes the dispatcher to the ready queue. It is a no-op when
// the subscription is already up.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil {
		return fmt.Errorf("delivery: dispatcher has no consumer")
	}

	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.subscribed() {
		return nil
	}
	return d.consumer.Subscribe(ctx, d.scheduler.ReadyQueue(), d.handle)
}

// Stop winds down the ready-queue subscription.
func (d *Dispatcher) Stop() error {
	if d.consumer == nil {
		return nil
	}
	return d.consumer.UnsubscribeAll()
}

// AttachReconnect re-subscribes the dispatcher whenever manager reports a
// fresh connection; the previous subscription died with the old one.
func (d *Dispatcher) AttachReconnect(ctx context.Context, manager *mq.ConnectionManager) {
	manager.AddStateListener(&reconnectListener{dispatcher: d, ctx: ctx})
}

func (d *Dispatcher) subscribed() bool {
	queue := d.scheduler.ReadyQueue()
	for _, active := range d.consumer.ActiveQueues() {
		if active == queue {
			return true
		}
	}
	return false
}

// resubscribe tears down any existing ready-queue subscription and starts a
// fresh one on the current connection.
func (d *Dispatcher) resubscribe(ctx context.Context) error {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	queue := d.scheduler.ReadyQueue()
	if d.subscribed() {
		// The old subscription may be a husk on a dead channel; winding
		// it down first keeps the active set single-entry.
		_ = d.consumer.Unsubscribe(queue)
	}
	return d.consumer.Subscribe(ctx, queue, d.handle)
}

type reconnectListener struct {
	dispatcher *Dispatcher
	ctx        context.Context
}

func (l *reconnectListener) OnConnected() {
	if err := l.dispatcher.resubscribe(l.ctx); err != nil {
		l.dispatcher.logger.Error("resubscribe after reconnect failed", "error", err)
		return
	}
	l.dispatcher.logger.Info("resubscribed after reconnect",
		"queue", l.dispatcher.scheduler.ReadyQueue())
}

func (l *reconnectListener) OnDisconnected(err error) {
	l.dispatcher.logger.Warn("broker connection lost", "error", err)
}

func (l *reconnectListener) OnReconnecting(attempt int) {
	l.dispatcher.logger.Debug("broker reconnecting", "attempt", attempt)
}

// handle decodes one consumed message. Undecodable messages are dropped:
// there is nothing to reschedule and requeueing would loop them forever.
func (d *Dispatcher) handle(ctx context.Context, msg amqp.Delivery) error {
	var del Delivery
	if err := json.Unmarshal(msg.Body, &del); err != nil {
		d.logger.Error("dropping undecodable delivery",
			"messageId", msg.MessageId,
			"error", err)
		return nil
	}
	return d.process(ctx, &del)
}

// process makes one attempt and routes the outcome: ack on success, tier
// reschedule on a retryable failure with budget left, failure store once
// spent. A non-nil return requeues the message, reserved for infrastructure
// failures where losing it would be worse.
func (d *Dispatcher) process(ctx context.Context, del *Delivery) error {
	attempt := del.Attempt + 1
	start := time.Now()
	status, err := d.deliver(ctx, del, attempt)
	elapsed := time.Since(start)

	del.Attempt = attempt

	record := Attempt{
		DeliveryID: del.ID,
		Endpoint:   del.Endpoint,
		Attempt:    attempt,
		StatusCode: status,
		Duration:   elapsed,
		Timestamp:  start,
	}
	if err != nil {
		record.Error = err.Error()
	}
	d.recorder.RecordAttempt(record)

	if err == nil {
		d.collector.DeliveryDelivered(del.Endpoint, attempt)
		d.logger.Info("delivery succeeded",
			"deliveryId", del.ID,
			"endpoint", del.Endpoint,
			"attempt", attempt,
			"status", status)
		return nil
	}

	// Shutdown mid-attempt: hand the message back to the broker.
	if errors.Is(err, context.Canceled) {
		return err
	}

	del.LastError = err.Error()
	policy := d.policyFor(del.Endpoint)

	if attempt >= del.MaxAttempts || !d.retryable(policy, err) {
		return d.deadLetter(ctx, del, err)
	}

	delay := d.redeliveryDelay(policy, attempt, err)
	if schedErr := d.scheduler.Schedule(ctx, del, delay); schedErr != nil {
		d.logger.Error("delivery reschedule failed",
			"deliveryId", del.ID,
			"endpoint", del.Endpoint,
			"error", schedErr)
		return schedErr
	}

	d.logger.Warn("delivery failed, rescheduled",
		"deliveryId", del.ID,
		"endpoint", del.Endpoint,
		"attempt", attempt,
		"maxAttempts", del.MaxAttempts,
		"delay", delay,
		"error", err)
	return nil
}

// deliver makes a single HTTP attempt. Non-2xx responses come back as
// *retry.HTTPError so the caller classifies them uniformly.
func (d *Dispatcher) deliver(ctx context.Context, del *Delivery, attempt int) (int, error) {
	policy := d.policyFor(del.Endpoint)
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}
	ctx = httpclient.WithRequestProfile(ctx, del.Endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.Endpoint, bytes.NewReader(del.Payload))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range del.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(httpclient.DefaultIdempotencyHeader, del.ID)
	req.Header.Set(DeliveryIDHeader, del.ID)
	req.Header.Set(DeliveryAttemptHeader, strconv.Itoa(attempt))
	if d.secret != "" {
		signature := Sign(del.Payload, d.secret)
		req.Header.Set(SignatureHeader, signature)
		req.Header.Set(SignatureSHA256Header, "sha256="+signature)
	}

	resp, err := d.client.Do(req)
	if resp != nil {
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
	}
	if err != nil {
		status := 0
		if code, ok := retry.StatusCode(err); ok {
			status = code
		}
		return status, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &retry.HTTPError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		URL:        del.Endpoint,
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, del *Delivery, cause error) error {
	failure := Failure{
		Delivery: *del,
		Error:    cause.Error(),
		FailedAt: time.Now(),
	}
	if err := d.store.Store(ctx, failure); err != nil {
		d.logger.Error("failure store rejected delivery",
			"deliveryId", del.ID,
			"error", err)
		return err
	}

	d.collector.DeliveryDeadLettered(del.Endpoint)
	d.logger.Error("delivery dead-lettered",
		"deliveryId", del.ID,
		"endpoint", del.Endpoint,
		"attempts", del.Attempt,
		"cause", cause)
	return nil
}

// Redeliver pulls a stored failure and enqueues it again with a fresh
// attempt budget, then removes it from the store.
func (d *Dispatcher) Redeliver(ctx context.Context, id string) error {
	failure, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}

	del := failure.Delivery
	del.Attempt = 0
	del.LastError = ""
	del.NotBefore = time.Time{}
	del.EnqueuedAt = time.Now()

	if err := d.scheduler.Enqueue(ctx, &del); err != nil {
		return err
	}
	if err := d.store.Delete(ctx, id); err != nil {
		d.logger.Warn("redelivered but could not remove stored failure",
			"deliveryId", id,
			"error", err)
	}

	d.logger.Info("failure re-enqueued", "deliveryId", id, "endpoint", del.Endpoint)
	return nil
}

func (d *Dispatcher) policyFor(endpoint string) retry.Policy {
	policy := d.policy
	if d.cfg != nil {
		policy = d.cfg.ProfileFor(endpoint).RetryPolicy()
	}
	if policy.RetryableStatusCodes == nil {
		policy.RetryableStatusCodes = retry.DefaultRetryableStatusCodes()
	}
	return policy
}

// retryable reports whether the failure is worth another delivery. A
// tripped breaker is: the endpoint is cooling down, not gone.
func (d *Dispatcher) retryable(policy retry.Policy, err error) bool {
	if errors.Is(err, breaker.ErrOpen) {
		return true
	}
	return policy.ShouldRetry(err)
}

// redeliveryDelay prefers a server-directed Retry-After, capped by the
// policy's MaxDelay, over the computed backoff.
func (d *Dispatcher) redeliveryDelay(policy retry.Policy, attempt int, err error) time.Duration {
	var httpErr *retry.HTTPError
	if errors.As(err, &httpErr) {
		if hint, ok := httpErr.DelayHint(); ok {
			if policy.MaxDelay > 0 && hint > policy.MaxDelay {
				hint = policy.MaxDelay
			}
			return hint
		}
	}
	return policy.NextDelay(attempt)
}

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
// Receivers use it to authenticate inbound webhooks.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
