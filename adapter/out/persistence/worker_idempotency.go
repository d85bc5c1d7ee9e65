package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailsync_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

// IdempotencyKeyPrefix namespaces claim keys in Redis.
const IdempotencyKeyPrefix = "mailsync:claim:"

var (
	_ out.IdempotencyStore = (*RedisIdempotencyStore)(nil)
	_ out.IdempotencyStore = (*MemoryIdempotencyStore)(nil)
)

// RedisIdempotencyStore claims keys with SET NX so redeliveries across
// replicas collapse to one.
type RedisIdempotencyStore struct {
	client *redis.Client
}

func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errors.New("claim key cannot be empty")
	}
	ok, err := s.client.SetNX(ctx, IdempotencyKeyPrefix+key, time.Now().UTC().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, IdempotencyKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// MemoryIdempotencyStore is the single-process fallback used when Redis is
// not configured, and by tests.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errors.New("claim key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expires, ok := s.entries[key]; ok && now.Before(expires) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)

	// sweep lazily so the map does not grow without bound
	if len(s.entries) > 1024 {
		for k, exp := range s.entries {
			if !now.Before(exp) {
				delete(s.entries, k)
			}
		}
	}
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}
