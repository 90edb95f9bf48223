package mq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/fortis-go/retry"
)

// StateListener receives connection state change notifications. Callbacks
// run on their own goroutines and must not block forever.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// DefaultReconnectPolicy is the backoff applied between reconnection
// attempts: 1s doubling up to 1m, with jitter.
func DefaultReconnectPolicy() retry.Policy {
	return retry.Policy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ConnectionManager maintains a broker connection and re-establishes it
// after failures, spacing attempts with a retry.Policy's backoff.
type ConnectionManager struct {
	url         string
	dialTimeout time.Duration
	backoff     retry.Policy
	maxAttempts int
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	connected   bool
	notifyClose chan *amqp.Error

	done      chan struct{}
	closeOnce sync.Once

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectPolicy sets the backoff policy for reconnection attempts.
func WithReconnectPolicy(p retry.Policy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = p
	}
}

// WithMaxReconnects bounds reconnection attempts per disconnect. Zero or
// negative means unbounded.
func WithMaxReconnects(n int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxAttempts = n
	}
}

// WithDialTimeout sets the budget for a single dial.
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = d
	}
}

// NewConnectionManager creates a connection manager for the broker URL.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		backoff:     DefaultReconnectPolicy(),
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect establishes the initial connection and starts the watchdog that
// reconnects after broker-side closes.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.adopt(conn)
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.watch()
	return nil
}

// Connection returns the live connection.
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrNotConnected
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close shuts the manager down and closes the connection. Safe to call
// more than once.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()
		cm.connected = false
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
	})
	return err
}

// AddStateListener registers a connection state listener.
func (cm *ConnectionManager) AddStateListener(l StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, l)
}

// RemoveStateListener unregisters a previously added listener.
func (cm *ConnectionManager) RemoveStateListener(l StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	for i, registered := range cm.listeners {
		if registered == l {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			break
		}
	}
}

// dial attempts one connection within the dial timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connCh := make(chan *amqp.Connection, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-dialCtx.Done():
		// Close the connection the abandoned dial may still produce.
		go func() {
			select {
			case conn := <-connCh:
				_ = conn.Close()
			case <-errCh:
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrDialTimeout
	}
}

// adopt installs a fresh connection. Callers hold mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(cm.notifyClose)
}

// watch waits for broker-side closes and drives reconnection until the
// manager is closed or attempts are exhausted.
func (cm *ConnectionManager) watch() {
	for {
		cm.mu.RLock()
		closeCh := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case amqpErr := <-closeCh:
			select {
			case <-cm.done:
				return
			default:
			}

			if amqpErr != nil {
				cm.logger.Error("connection lost", "error", amqpErr)
			}

			cm.mu.Lock()
			cm.connected = false
			cm.conn = nil
			cm.mu.Unlock()

			var cause error
			if amqpErr != nil {
				cause = amqpErr
			}
			cm.notifyDisconnected(cause)

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect retries the dial, spacing attempts with the backoff policy.
// Returns false when the manager is closed or attempts are exhausted.
func (cm *ConnectionManager) reconnect() bool {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		select {
		case <-cm.done:
			return false
		default:
		}

		if cm.maxAttempts > 0 && attempt > cm.maxAttempts {
			cm.logger.Error("giving up on reconnection",
				"attempts", attempt-1,
				"elapsed", time.Since(start))
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrReconnectExhausted,
				Timestamp: time.Now(),
				Attempts:  attempt - 1,
			})
			return false
		}

		cm.notifyReconnecting(attempt)

		if attempt > 1 {
			select {
			case <-time.After(cm.backoff.NextDelay(attempt - 1)):
			case <-cm.done:
				return false
			}
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Warn("reconnection attempt failed",
				"attempt", attempt,
				"error", err)
			continue
		}

		cm.mu.Lock()
		cm.adopt(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker",
			"attempts", attempt,
			"elapsed", time.Since(start))
		cm.notifyConnected()
		return true
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnReconnecting(attempt)
	}
}
