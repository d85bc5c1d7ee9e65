package worker

import (
	"time"

	"mailsync_server/core/port/in"

	"github.com/rs/zerolog"
)

// DefaultTokenRefreshInterval runs the proactive refresh more often than
// the sync sweep so tokens rarely expire in the middle of a fetch.
const DefaultTokenRefreshInterval = 10 * time.Minute

// NewTokenRefreshScheduler creates the proactive token refresh sweep.
func NewTokenRefreshScheduler(orchestrator in.SyncOrchestrator, interval time.Duration, log zerolog.Logger) *SweepScheduler {
	if interval <= 0 {
		interval = DefaultTokenRefreshInterval
	}
	return newSweepScheduler("token_refresh_scheduler", interval, orchestrator.ScheduledTokenRefresh, log)
}
