package worker

import (
	"time"

	"mailsync_server/core/port/in"

	"github.com/rs/zerolog"
)

// =============================================================================
// Sync Scheduler - polling backstop
// =============================================================================
//
// Polls every syncable account even when push subscriptions are active, so
// missed or expired notifications are picked up on the next sweep.

const (
	DefaultSyncInterval     = 5 * time.Minute
	syncSchedulerStartDelay = 30 * time.Second
)

// NewSyncScheduler creates the scheduled sync sweep.
func NewSyncScheduler(orchestrator in.SyncOrchestrator, interval time.Duration, log zerolog.Logger) *SweepScheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	s := newSweepScheduler("sync_scheduler", interval, orchestrator.ScheduledSync, log)
	// Let the API settle before the first sweep.
	s.SetInitialDelay(syncSchedulerStartDelay)
	return s
}
