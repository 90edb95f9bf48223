// Package delivery implements webhook delivery with scheduled redelivery.
//
// A Scheduler publishes deliveries into a RabbitMQ topology: immediate
// attempts land on a ready queue, retries are parked in TTL delay tiers
// that dead-letter back to the ready queue when the delay elapses. A
// Dispatcher consumes the ready queue and makes exactly one HTTP attempt
// per consumed message; failed attempts are rescheduled with an
// incremented counter until the delivery's budget is spent, after which
// the delivery lands in a FailureStore for inspection and manual
// Redeliver.
//
// Outbound requests carry X-Delivery-ID and X-Delivery-Attempt headers,
// an idempotency key equal to the delivery ID, and, when a signing secret
// is configured, an HMAC-SHA256 payload signature receivers can check
// with VerifySignature.
package delivery
