package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailsync_server/core/domain"

	"github.com/rs/zerolog"
)

type fakeNotificationService struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]bool
	delay time.Duration
}

func (f *fakeNotificationService) HandleNotification(ctx context.Context, n domain.Notification) (*domain.SyncResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, n.DedupKey())
	if f.fail[n.DedupKey()] {
		return nil, errors.New("sync failed")
	}
	return &domain.SyncResult{AccountID: "acct", MessagesSynced: 2}, nil
}

func (f *fakeNotificationService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func gmailNote(id uint64) domain.GmailNotification {
	return domain.GmailNotification{EmailAddress: "me@y.com", HistoryID: domain.HistoryID(id)}
}

func TestNotificationPool(t *testing.T) {
	svc := &fakeNotificationService{fail: map[string]bool{gmailNote(3).DedupKey(): true}}
	p := NewNotificationPool(svc, &PoolConfig{Workers: 2, QueueSize: 10, JobTimeout: time.Second}, zerolog.Nop())

	if p.Dispatch(gmailNote(0)) {
		t.Fatal("dispatch before Start should be refused")
	}

	p.Start()
	for i := uint64(1); i <= 5; i++ {
		if !p.Dispatch(gmailNote(i)) {
			t.Fatalf("dispatch %d refused", i)
		}
	}
	p.Stop()

	if got := svc.count(); got != 5 {
		t.Fatalf("handled = %d, want 5", got)
	}
	m := p.GetMetrics()
	if m.JobsProcessed != 4 || m.JobsFailed != 1 || m.MessagesSynced != 8 || m.QueueSize != 0 {
		t.Errorf("metrics = %+v", m)
	}
	if p.Dispatch(gmailNote(6)) {
		t.Error("dispatch after Stop should be refused")
	}
}

func TestNotificationPool_QueueFull(t *testing.T) {
	svc := &fakeNotificationService{delay: 50 * time.Millisecond}
	p := NewNotificationPool(svc, &PoolConfig{Workers: 1, QueueSize: 2, JobTimeout: time.Second}, zerolog.Nop())
	p.Start()
	defer p.Stop()

	accepted := 0
	for i := uint64(1); i <= 5; i++ {
		if p.Dispatch(gmailNote(i)) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
	if p.GetMetrics().JobsDropped != 3 {
		t.Errorf("dropped = %d, want 3", p.GetMetrics().JobsDropped)
	}
}

func TestSweepScheduler(t *testing.T) {
	var calls atomic.Int32
	fired := make(chan struct{}, 10)
	sweep := func(ctx context.Context) (*domain.SweepResult, error) {
		n := calls.Add(1)
		fired <- struct{}{}
		if n == 2 {
			return nil, errors.New("list accounts failed")
		}
		now := time.Now()
		return &domain.SweepResult{
			Name:     "test",
			Started:  now,
			Finished: now,
			Results:  []domain.AccountResult{{AccountID: "a", Success: true}, {AccountID: "b", Error: "boom"}},
		}, nil
	}

	s := newSweepScheduler("test_scheduler", 10*time.Millisecond, sweep, zerolog.Nop())
	s.Start()
	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("sweep %d did not run", i+1)
		}
	}
	s.Stop()

	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != after {
		t.Error("sweeps ran after Stop")
	}
	if s.Runs() < 3 {
		t.Errorf("Runs = %d", s.Runs())
	}
}

func TestSweepScheduler_SkipsOverlap(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	s := newSweepScheduler("overlap", time.Hour, func(ctx context.Context) (*domain.SweepResult, error) {
		calls.Add(1)
		<-release
		return nil, nil
	}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.RunOnce()
		close(done)
	}()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	s.RunOnce()
	close(release)
	<-done

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSchedulerConstructors(t *testing.T) {
	o := &fakeOrchestrator{}
	tests := []struct {
		name      string
		scheduler *SweepScheduler
		interval  time.Duration
		delay     time.Duration
	}{
		{"sync", NewSyncScheduler(o, 0, zerolog.Nop()), DefaultSyncInterval, syncSchedulerStartDelay},
		{"token", NewTokenRefreshScheduler(o, time.Minute, zerolog.Nop()), time.Minute, 0},
		{"renew", NewSubscriptionRenewScheduler(o, 0, zerolog.Nop()), DefaultRenewInterval, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.scheduler.checkInterval != tt.interval || tt.scheduler.initialDelay != tt.delay {
				t.Errorf("interval = %v delay = %v", tt.scheduler.checkInterval, tt.scheduler.initialDelay)
			}
			tt.scheduler.RunOnce()
		})
	}
	if o.sync.Load() != 1 || o.refresh.Load() != 1 || o.renew.Load() != 1 {
		t.Errorf("calls = %d/%d/%d", o.sync.Load(), o.refresh.Load(), o.renew.Load())
	}
}

type fakeOrchestrator struct {
	sync, refresh, renew atomic.Int32
}

func (f *fakeOrchestrator) ScheduledSync(ctx context.Context) (*domain.SweepResult, error) {
	f.sync.Add(1)
	return &domain.SweepResult{}, nil
}

func (f *fakeOrchestrator) ScheduledTokenRefresh(ctx context.Context) (*domain.SweepResult, error) {
	f.refresh.Add(1)
	return &domain.SweepResult{}, nil
}

func (f *fakeOrchestrator) RenewSubscriptions(ctx context.Context) (*domain.SweepResult, error) {
	f.renew.Add(1)
	return &domain.SweepResult{}, nil
}
