// Package ratelimit provides fixed-window request limiting with pluggable stores.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store counts hits for a key within the window that starts at windowStart.
type Store interface {
	// Incr increments the counter for key and returns the new count.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Close() error
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns seconds until the current window resets.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter is a fixed-window limiter keyed by caller-supplied keys
// (typically client IP + route).
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewLimiter creates a limiter allowing limit hits per window.
func NewLimiter(store Store, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}
}

// Allow records a hit for key and reports whether it is within the limit.
// Store errors fail open.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	bucket := fmt.Sprintf("%s:%d", key, windowStart.Unix())

	count, err := l.store.Incr(ctx, bucket, l.window)
	decision := Decision{
		Limit:   l.limit,
		ResetAt: windowStart.Add(l.window),
	}
	if err != nil {
		decision.Allowed = true
		decision.Remaining = l.limit
		return decision, err
	}

	decision.Allowed = count <= int64(l.limit)
	decision.Remaining = l.limit - int(count)
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision, nil
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore keeps counters in process. Expired buckets are swept by a
// janitor goroutine that stops on Close.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	stop     chan struct{}
	once     sync.Once
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an in-process store sweeping every sweepInterval.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &MemoryStore{
		counters: make(map[string]*counter),
		stop:     make(chan struct{}),
	}
	go s.janitor(sweepInterval)
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &counter{expiresAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, c := range s.counters {
		if now.After(c.expiresAt) {
			delete(s.counters, key)
		}
	}
}

// =============================================================================
// RedisStore
// =============================================================================

// fixedWindowScript increments and sets the expiry on first hit atomically.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisStore shares counters across instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. The client is owned by the caller.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64()
}

func (s *RedisStore) Close() error { return nil }
