package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when no stored failure matches the id.
var ErrNotFound = errors.New("delivery: failure not found")

// Failure is a delivery that exhausted its attempts or failed permanently.
type Failure struct {
	Delivery Delivery  `json:"delivery"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Endpoint string
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f Filter) matches(failure Failure) bool {
	if f.Endpoint != "" && failure.Delivery.Endpoint != f.Endpoint {
		return false
	}
	if !f.Since.IsZero() && failure.FailedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && failure.FailedAt.After(f.Until) {
		return false
	}
	return true
}

// FailureStore persists exhausted deliveries for inspection and manual
// redelivery.
type FailureStore interface {
	Store(ctx context.Context, f Failure) error
	Get(ctx context.Context, id string) (Failure, error)
	List(ctx context.Context, filter Filter) ([]Failure, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// DefaultStoreCapacity bounds the in-memory store.
const DefaultStoreCapacity = 1000

// InMemoryFailureStore keeps failures in memory with a capacity bound,
// evicting the oldest once full. Meant for tests and development; use
// RedisFailureStore in production.
type InMemoryFailureStore struct {
	mu       sync.RWMutex
	failures map[string]Failure
	order    []string
	capacity int
}

// StoreOption configures the in-memory store.
type StoreOption func(*InMemoryFailureStore)

// WithStoreCapacity sets the bound.
func WithStoreCapacity(n int) StoreOption {
	return func(s *InMemoryFailureStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// NewInMemoryFailureStore creates an empty bounded store.
func NewInMemoryFailureStore(options ...StoreOption) *InMemoryFailureStore {
	s := &InMemoryFailureStore{
		failures: make(map[string]Failure),
		capacity: DefaultStoreCapacity,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Store implements FailureStore. Storing an id again replaces the entry.
func (s *InMemoryFailureStore) Store(_ context.Context, f Failure) error {
	if f.Delivery.ID == "" {
		return fmt.Errorf("delivery: failure has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.failures[f.Delivery.ID]; !exists {
		if len(s.order) >= s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.failures, oldest)
		}
		s.order = append(s.order, f.Delivery.ID)
	}
	s.failures[f.Delivery.ID] = f
	return nil
}

// Get implements FailureStore.
func (s *InMemoryFailureStore) Get(_ context.Context, id string) (Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.failures[id]
	if !ok {
		return Failure{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, nil
}

// List implements FailureStore, newest first.
func (s *InMemoryFailureStore) List(_ context.Context, filter Filter) ([]Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Failure
	for i := len(s.order) - 1; i >= 0; i-- {
		f, ok := s.failures[s.order[i]]
		if !ok || !filter.matches(f) {
			continue
		}
		results = append(results, f)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// Delete implements FailureStore.
func (s *InMemoryFailureStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.failures[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.failures, id)
	for i, stored := range s.order {
		if stored == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Count implements FailureStore.
func (s *InMemoryFailureStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.failures), nil
}
