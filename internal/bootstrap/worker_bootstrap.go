package bootstrap

import (
	"context"

	"mailsync_server/adapter/in/worker"
	"mailsync_server/pkg/logger"

	"github.com/rs/zerolog"
)

// Worker runs the scheduled sweeps: polling sync, proactive token refresh
// and push subscription renewal.
type Worker struct {
	deps       *Dependencies
	schedulers []*worker.SweepScheduler
	ctx        context.Context
	cancel     context.CancelFunc
	zlog       zerolog.Logger
}

func NewWorker(deps *Dependencies) *Worker {
	cfg := deps.Config
	zlog := deps.ZLog.With().Str("component", "worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if !cfg.SchedulerEnabled {
		logger.Warn("Schedulers disabled (SCHEDULER_ENABLED=false)")
		return w
	}

	w.schedulers = []*worker.SweepScheduler{
		worker.NewSyncScheduler(deps.Orchestrator, cfg.SyncInterval, zlog),
		worker.NewTokenRefreshScheduler(deps.Orchestrator, cfg.TokenRefreshInterval, zlog),
		worker.NewSubscriptionRenewScheduler(deps.Orchestrator, cfg.SubscriptionRenewInterval, zlog),
	}
	logger.Info("Sync schedulers configured (sync, token refresh, subscription renew)")
	return w
}

// Start starts the schedulers and blocks until Stop.
func (w *Worker) Start() {
	for _, s := range w.schedulers {
		s.Start()
	}
	w.zlog.Info().Int("schedulers", len(w.schedulers)).Msg("worker started")

	<-w.ctx.Done()
}

// Stop stops the schedulers, waiting for running sweeps.
func (w *Worker) Stop() {
	for _, s := range w.schedulers {
		s.Stop()
	}
	w.cancel()
	w.zlog.Info().Msg("worker stopped")
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
