// Package journal keeps a bounded in-memory history of delivery attempts,
// indexed two ways for the ops surfaces: by delivery id to trace one
// webhook, by endpoint to spot a failing receiver.
package journal

import (
	"sync"
	"time"

	"github.com/glimte/fortis-go/delivery"
)

// DefaultMaxEntries bounds the journal before rotation kicks in.
const DefaultMaxEntries = 10000

const defaultRotateFraction = 0.2

// AttemptJournal records delivery attempts. It implements
// delivery.AttemptRecorder; once the bound is reached the oldest fraction
// of entries is dropped and the indexes rebuilt.
type AttemptJournal struct {
	mu             sync.RWMutex
	entries        []*delivery.Attempt
	byDelivery     map[string][]*delivery.Attempt
	byEndpoint     map[string][]*delivery.Attempt
	maxEntries     int
	rotateFraction float64
}

var _ delivery.AttemptRecorder = (*AttemptJournal)(nil)

// Option configures the journal.
type Option func(*AttemptJournal)

// WithMaxEntries sets the entry bound.
func WithMaxEntries(n int) Option {
	return func(j *AttemptJournal) {
		if n > 0 {
			j.maxEntries = n
		}
	}
}

// WithRotateFraction sets the share of oldest entries dropped when the
// bound is reached.
func WithRotateFraction(f float64) Option {
	return func(j *AttemptJournal) {
		if f > 0 && f <= 1 {
			j.rotateFraction = f
		}
	}
}

// New creates an empty journal.
func New(options ...Option) *AttemptJournal {
	j := &AttemptJournal{
		byDelivery:     make(map[string][]*delivery.Attempt),
		byEndpoint:     make(map[string][]*delivery.Attempt),
		maxEntries:     DefaultMaxEntries,
		rotateFraction: defaultRotateFraction,
	}
	for _, opt := range options {
		opt(j)
	}
	return j
}

// RecordAttempt implements delivery.AttemptRecorder.
func (j *AttemptJournal) RecordAttempt(a delivery.Attempt) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	entry := &a

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}

	j.entries = append(j.entries, entry)
	if entry.DeliveryID != "" {
		j.byDelivery[entry.DeliveryID] = append(j.byDelivery[entry.DeliveryID], entry)
	}
	if entry.Endpoint != "" {
		j.byEndpoint[entry.Endpoint] = append(j.byEndpoint[entry.Endpoint], entry)
	}
}

// ByDelivery returns the attempts recorded for one delivery, oldest first.
func (j *AttemptJournal) ByDelivery(id string) []delivery.Attempt {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyAttempts(j.byDelivery[id])
}

// ByEndpoint returns the attempts against an endpoint, oldest first, capped
// to the most recent limit when limit > 0.
func (j *AttemptJournal) ByEndpoint(endpoint string, limit int) []delivery.Attempt {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries := j.byEndpoint[endpoint]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return copyAttempts(entries)
}

// Between returns the attempts recorded strictly inside (start, end).
func (j *AttemptJournal) Between(start, end time.Time) []delivery.Attempt {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var results []delivery.Attempt
	for _, entry := range j.entries {
		if entry.Timestamp.After(start) && entry.Timestamp.Before(end) {
			results = append(results, *entry)
		}
	}
	return results
}

// Stats summarizes the recorded attempts, feeding the delivery health
// check.
func (j *AttemptJournal) Stats() delivery.AttemptStats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var stats delivery.AttemptStats
	stats.Total = len(j.entries)
	for _, entry := range j.entries {
		if entry.Success() {
			stats.Delivered++
		} else {
			stats.Failed++
		}
		if stats.Oldest.IsZero() || entry.Timestamp.Before(stats.Oldest) {
			stats.Oldest = entry.Timestamp
		}
		if entry.Timestamp.After(stats.Newest) {
			stats.Newest = entry.Timestamp
		}
	}
	return stats
}

// Clear drops entries older than olderThan and reports how many went.
func (j *AttemptJournal) Clear(olderThan time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := make([]*delivery.Attempt, 0, len(j.entries))
	for _, entry := range j.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}

	removed := len(j.entries) - len(kept)
	if removed == 0 {
		return 0
	}
	j.entries = kept
	j.rebuildIndexes()
	return removed
}

// rotate drops the oldest fraction of entries. Caller holds the write lock.
func (j *AttemptJournal) rotate() {
	drop := int(float64(j.maxEntries) * j.rotateFraction)
	if drop < 1 {
		drop = 1
	}
	if drop > len(j.entries) {
		drop = len(j.entries)
	}

	j.entries = append(make([]*delivery.Attempt, 0, len(j.entries)-drop), j.entries[drop:]...)
	j.rebuildIndexes()
}

func (j *AttemptJournal) rebuildIndexes() {
	j.byDelivery = make(map[string][]*delivery.Attempt)
	j.byEndpoint = make(map[string][]*delivery.Attempt)
	for _, entry := range j.entries {
		if entry.DeliveryID != "" {
			j.byDelivery[entry.DeliveryID] = append(j.byDelivery[entry.DeliveryID], entry)
		}
		if entry.Endpoint != "" {
			j.byEndpoint[entry.Endpoint] = append(j.byEndpoint[entry.Endpoint], entry)
		}
	}
}

func copyAttempts(entries []*delivery.Attempt) []delivery.Attempt {
	if len(entries) == 0 {
		return nil
	}
	out := make([]delivery.Attempt, len(entries))
	for i, entry := range entries {
		out[i] = *entry
	}
	return out
}
