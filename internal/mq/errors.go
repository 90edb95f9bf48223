package mq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrNotConnected       = errors.New("mq: not connected")
	ErrConnectionClosed   = errors.New("mq: connection is closed")
	ErrDialTimeout        = errors.New("mq: dial timeout")
	ErrReconnectExhausted = errors.New("mq: reconnection attempts exhausted")

	// Channel pool errors
	ErrPoolClosed    = errors.New("mq: channel pool is closed")
	ErrPoolExhausted = errors.New("mq: channel pool exhausted")

	// Publisher errors
	ErrPublishNacked  = errors.New("mq: publish nacked by broker")
	ErrConfirmTimeout = errors.New("mq: timeout waiting for publish confirmation")

	// General errors
	ErrInvalidConfiguration = errors.New("mq: invalid configuration")
)

// ConnectionError reports a failed connection operation.
type ConnectionError struct {
	Op        string
	URL       string // sanitized
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("mq connection error: %s to %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("mq connection error: %s to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError reports a failed channel operation.
type ChannelError struct {
	Op        string
	ChannelID string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("mq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError reports a failed publish.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("mq publish error: publish to %s/%s failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumeError reports a failed consumer operation.
type ConsumeError struct {
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("mq consume error: %s on queue %s failed: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumeError) Unwrap() error {
	return e.Err
}

// SanitizeURL masks the password in a broker URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid url)"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
