package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// =============================================================================
// Notification Pool (go-pkgz/pool)
// =============================================================================
//
// Push endpoints acknowledge right away and hand the notification to this
// pool; providers redeliver on slow answers.

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers         int
	QueueSize       int
	JobTimeout      time.Duration
	MetricsInterval time.Duration
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:         4,
		QueueSize:       500,
		JobTimeout:      2 * time.Minute,
		MetricsInterval: time.Minute,
	}
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed  int64
	JobsFailed     int64
	JobsDropped    int64
	MessagesSynced int64
	AvgProcessTime int64 // milliseconds
	QueueSize      int32
}

type notificationJob struct {
	notification domain.Notification
	receivedAt   time.Time
}

// notificationWorker implements pool.Worker.
type notificationWorker struct {
	pool *NotificationPool
}

func (w *notificationWorker) Do(ctx context.Context, job *notificationJob) error {
	return w.pool.process(ctx, job)
}

// NotificationPool runs push notifications through the notification
// service on a fixed set of workers.
type NotificationPool struct {
	handler in.NotificationService
	config  *PoolConfig

	group *pool.WorkerGroup[*notificationJob]

	ctx    context.Context
	cancel context.CancelFunc

	metrics PoolMetrics
	log     zerolog.Logger

	started bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewNotificationPool creates a pool; call Start before dispatching.
func NewNotificationPool(handler in.NotificationService, config *PoolConfig, log zerolog.Logger) *NotificationPool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NotificationPool{
		handler: handler,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With().Str("component", "notification_pool").Logger(),
	}
}

// Start starts the workers.
func (p *NotificationPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.group = pool.New[*notificationJob](p.config.Workers, &notificationWorker{pool: p}).
		WithBatchSize(1).
		WithWorkerChanSize(p.config.QueueSize).
		WithContinueOnError()

	if err := p.group.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start notification pool")
		return
	}
	p.started = true

	if p.config.MetricsInterval > 0 {
		p.wg.Add(1)
		go p.metricsReporter()
	}

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("queue_size", p.config.QueueSize).
		Msg("notification pool started")
}

// Stop drains queued notifications, waiting up to 30 seconds.
func (p *NotificationPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	p.log.Info().Msg("stopping notification pool...")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := p.group.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing notification pool")
	}

	p.cancel()
	p.wg.Wait()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("notification pool stopped")
}

// Dispatch queues n. It returns false when the pool is stopped or the
// queue is full; the caller then handles the notification itself.
func (p *NotificationPool) Dispatch(n domain.Notification) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return false
	}
	if int(atomic.LoadInt32(&p.metrics.QueueSize)) >= p.config.QueueSize {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().
			Str("kind", string(n.Kind())).
			Str("key", n.DedupKey()).
			Msg("notification queue full")
		return false
	}

	atomic.AddInt32(&p.metrics.QueueSize, 1)
	p.group.Submit(&notificationJob{notification: n, receivedAt: time.Now()})
	return true
}

func (p *NotificationPool) process(ctx context.Context, job *notificationJob) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.QueueSize, -1)

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	res, err := p.handler.HandleNotification(jobCtx, job.notification)
	p.updateAvgProcessTime(time.Since(start).Milliseconds())

	if err != nil {
		atomic.AddInt64(&p.metrics.JobsFailed, 1)
		p.log.Error().
			Err(err).
			Str("kind", string(job.notification.Kind())).
			Str("key", job.notification.DedupKey()).
			Dur("queued", start.Sub(job.receivedAt)).
			Msg("notification handling failed")
		// Failures are recorded on the account; the polling sweep retries.
		return nil
	}

	atomic.AddInt64(&p.metrics.JobsProcessed, 1)
	if res != nil {
		atomic.AddInt64(&p.metrics.MessagesSynced, int64(res.MessagesSynced))
		p.log.Debug().
			Str("account_id", res.AccountID).
			Int("synced", res.MessagesSynced).
			Int("failed", res.Failed).
			Msg("notification handled")
	}
	return nil
}

// updateAvgProcessTime keeps a simple moving average.
func (p *NotificationPool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessTime, (current*9+elapsed)/10)
}

func (p *NotificationPool) metricsReporter() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("dropped", m.JobsDropped).
				Int64("messages_synced", m.MessagesSynced).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("queue_size", m.QueueSize).
				Msg("notification pool metrics")
		}
	}
}

// GetMetrics returns current pool metrics.
func (p *NotificationPool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:  atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:     atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:    atomic.LoadInt64(&p.metrics.JobsDropped),
		MessagesSynced: atomic.LoadInt64(&p.metrics.MessagesSynced),
		AvgProcessTime: atomic.LoadInt64(&p.metrics.AvgProcessTime),
		QueueSize:      atomic.LoadInt32(&p.metrics.QueueSize),
	}
}

var _ in.NotificationDispatcher = (*NotificationPool)(nil)
