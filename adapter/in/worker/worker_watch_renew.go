package worker

import (
	"time"

	"mailsync_server/core/port/in"

	"github.com/rs/zerolog"
)

// =============================================================================
// Subscription Renew Scheduler
// =============================================================================
//
// Gmail watches lapse after seven days and Graph mail subscriptions after
// about three; renewal is never automatic on the provider side.

const DefaultRenewInterval = time.Hour

// NewSubscriptionRenewScheduler creates the subscription renewal sweep. It
// checks once at start.
func NewSubscriptionRenewScheduler(orchestrator in.SyncOrchestrator, interval time.Duration, log zerolog.Logger) *SweepScheduler {
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	return newSweepScheduler("subscription_renew_scheduler", interval, orchestrator.RenewSubscriptions, log)
}
