// Package worker runs the background sweeps and the push notification pool.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mailsync_server/core/domain"

	"github.com/rs/zerolog"
)

// SweepFunc runs one sweep over the connected accounts.
type SweepFunc func(ctx context.Context) (*domain.SweepResult, error)

// SweepScheduler runs a sweep on a fixed interval. A tick that arrives
// while the previous sweep is still running is skipped.
type SweepScheduler struct {
	name          string
	sweep         SweepFunc
	checkInterval time.Duration
	initialDelay  time.Duration
	timeout       time.Duration

	running atomic.Bool
	runs    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func newSweepScheduler(name string, interval time.Duration, sweep SweepFunc, log zerolog.Logger) *SweepScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &SweepScheduler{
		name:          name,
		sweep:         sweep,
		checkInterval: interval,
		timeout:       5 * time.Minute,
		ctx:           ctx,
		cancel:        cancel,
		log:           log.With().Str("component", name).Logger(),
	}
}

// Start starts the scheduler loop.
func (s *SweepScheduler) Start() {
	s.log.Info().Dur("interval", s.checkInterval).Dur("initial_delay", s.initialDelay).Msg("scheduler starting")
	s.wg.Add(1)
	go s.run()
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *SweepScheduler) Stop() {
	s.log.Info().Msg("scheduler stopping")
	s.cancel()
	s.wg.Wait()
}

func (s *SweepScheduler) run() {
	defer s.wg.Done()

	if s.initialDelay > 0 {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.initialDelay):
		}
	}

	s.RunOnce()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce runs a single sweep unless one is already in progress.
func (s *SweepScheduler) RunOnce() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn().Msg("previous sweep still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	res, err := s.sweep(ctx)
	s.runs.Add(1)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if res == nil {
		return
	}

	ev := s.log.Info()
	if res.Failures() > 0 {
		ev = s.log.Warn()
	}
	ev.Int("accounts", len(res.Results)).
		Int("failures", res.Failures()).
		Dur("elapsed", res.Finished.Sub(res.Started)).
		Msg("sweep completed")
}

// Runs reports how many sweeps have completed.
func (s *SweepScheduler) Runs() int64 {
	return s.runs.Load()
}

// SetCheckInterval sets the check interval (for testing).
func (s *SweepScheduler) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}

// SetInitialDelay sets the wait before the first sweep.
func (s *SweepScheduler) SetInitialDelay(d time.Duration) {
	s.initialDelay = d
}

// SetTimeout bounds a single sweep.
func (s *SweepScheduler) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}
