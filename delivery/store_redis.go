package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultFailureTTL is how long a stored failure lives in Redis.
const DefaultFailureTTL = 7 * 24 * time.Hour

// RedisFailureStore persists failures in Redis: one hash per failure plus
// an index set of ids. Hashes expire after the TTL; index entries for
// expired hashes are pruned lazily on Get and List, so Count can briefly
// overshoot.
type RedisFailureStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisStoreOption configures the Redis store.
type RedisStoreOption func(*RedisFailureStore)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisFailureStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithFailureTTL sets how long stored failures live. Zero disables expiry.
func WithFailureTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisFailureStore) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisFailureStore creates a store over client.
func NewRedisFailureStore(client *redis.Client, options ...RedisStoreOption) *RedisFailureStore {
	s := &RedisFailureStore{
		client: client,
		prefix: "fortis:delivery",
		ttl:    DefaultFailureTTL,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *RedisFailureStore) failureKey(id string) string {
	return fmt.Sprintf("%s:failure:%s", s.prefix, id)
}

func (s *RedisFailureStore) indexKey() string {
	return s.prefix + ":index"
}

// Store implements FailureStore.
func (s *RedisFailureStore) Store(ctx context.Context, f Failure) error {
	if f.Delivery.ID == "" {
		return fmt.Errorf("delivery: failure has no id")
	}

	payload, err := json.Marshal(f.Delivery)
	if err != nil {
		return fmt.Errorf("delivery: marshal failure: %w", err)
	}

	key := s.failureKey(f.Delivery.ID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"delivery", payload,
		"error", f.Error,
		"failedAt", f.FailedAt.Format(time.RFC3339Nano),
	)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	pipe.SAdd(ctx, s.indexKey(), f.Delivery.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delivery: store failure: %w", err)
	}
	return nil
}

// Get implements FailureStore.
func (s *RedisFailureStore) Get(ctx context.Context, id string) (Failure, error) {
	fields, err := s.client.HGetAll(ctx, s.failureKey(id)).Result()
	if err != nil {
		return Failure{}, fmt.Errorf("delivery: get failure: %w", err)
	}
	if len(fields) == 0 {
		// Expired or never stored; clear any stale index entry.
		s.client.SRem(ctx, s.indexKey(), id)
		return Failure{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeFailure(fields)
}

// List implements FailureStore, newest first.
func (s *RedisFailureStore) List(ctx context.Context, filter Filter) ([]Failure, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("delivery: list failures: %w", err)
	}

	var results []Failure
	for _, id := range ids {
		f, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.matches(f) {
			results = append(results, f)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].FailedAt.After(results[j].FailedAt)
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Delete implements FailureStore.
func (s *RedisFailureStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	delCmd := pipe.Del(ctx, s.failureKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delivery: delete failure: %w", err)
	}
	if delCmd.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Count implements FailureStore.
func (s *RedisFailureStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("delivery: count failures: %w", err)
	}
	return int(n), nil
}

func decodeFailure(fields map[string]string) (Failure, error) {
	var f Failure
	if err := json.Unmarshal([]byte(fields["delivery"]), &f.Delivery); err != nil {
		return Failure{}, fmt.Errorf("delivery: decode stored failure: %w", err)
	}
	f.Error = fields["error"]
	if raw := fields["failedAt"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Failure{}, fmt.Errorf("delivery: decode stored failure: %w", err)
		}
		f.FailedAt = t
	}
	return f, nil
}
