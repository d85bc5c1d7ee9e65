// Package metrics provides in-process counters for the ingestion pipeline.
package metrics

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names
const (
	MessagesIngested      = "messages_ingested"
	MessagesDuplicate     = "messages_duplicate"
	MessagesFailed        = "messages_failed"
	ThreadsCreated        = "threads_created"
	SignatureRejected     = "signature_rejected"
	ValidationRejected    = "validation_rejected"
	NotificationsReceived = "notifications_received"
	NotificationsDeduped  = "notifications_deduped"
	SyncRuns              = "sync_runs"
	SyncFailures          = "sync_failures"
	TokenRefreshes        = "token_refreshes"
	TokenRefreshFailures  = "token_refresh_failures"
	SubscriptionsRenewed  = "subscriptions_renewed"
)

// Registry holds named monotonic counters.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*int64
	started  time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*int64), started: time.Now()}
}

func (r *Registry) counter(name string) *int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = new(int64)
	r.counters[name] = c
	return c
}

// Add increments name by delta.
func (r *Registry) Add(name string, delta int64) {
	atomic.AddInt64(r.counter(name), delta)
}

// Inc increments name by one.
func (r *Registry) Inc(name string) { r.Add(name, 1) }

// Get returns the current value of name.
func (r *Registry) Get(name string) int64 {
	return atomic.LoadInt64(r.counter(name))
}

// Snapshot returns all counters plus uptime.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.counters)+1)
	for name, c := range r.counters {
		out[name] = atomic.LoadInt64(c)
	}
	out["uptime_sec"] = int64(time.Since(r.started).Seconds())
	return out
}

var global = NewRegistry()

// Global returns the process-wide registry.
func Global() *Registry { return global }

func Inc(name string)              { global.Inc(name) }
func Add(name string, delta int64) { global.Add(name, delta) }

// DBPoolStats holds database connection pool statistics.
type DBPoolStats struct {
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	MaxOpenConnections int           `json:"max_open_connections"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// GetDBPoolStats retrieves pool statistics from a sql.DB instance.
func GetDBPoolStats(db *sql.DB) DBPoolStats {
	if db == nil {
		return DBPoolStats{}
	}

	stats := db.Stats()
	return DBPoolStats{
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		MaxOpenConnections: stats.MaxOpenConnections,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
	}
}
