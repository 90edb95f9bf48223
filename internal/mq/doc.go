// Package mq wraps the AMQP plumbing that scheduled redelivery rides on:
// a self-healing connection, a channel pool, topology declaration helpers
// including TTL delay queues, a confirm-mode publisher, and a manual-ack
// consumer. Reconnection backoff and publish retries reuse the retry
// package's policies.
package mq
