package http

import (
	"context"
	"time"

	"mailsync_server/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// BreakerReporter reports per-provider circuit breaker states.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

type HealthHandler struct {
	db        *sqlx.DB
	redis     redis.UniversalClient
	providers BreakerReporter
	// stats adds component statistics (worker pool, webhooks) to /metrics.
	stats map[string]func() any
}

func NewHealthHandler(db *sqlx.DB, redis redis.UniversalClient, providers BreakerReporter) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redis,
		providers: providers,
		stats:     make(map[string]func() any),
	}
}

// AddStats exposes fn under name on the metrics endpoint.
func (h *HealthHandler) AddStats(name string, fn func() any) {
	h.stats[name] = fn
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", h.Metrics)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "not configured"
	}

	// Redis only backs dedup and rate limiting, which fall back to memory.
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "degraded: " + err.Error()
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	if h.providers != nil {
		for name, state := range h.providers.BreakerStates() {
			checks["provider_"+name] = state
		}
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Metrics(c *fiber.Ctx) error {
	body := fiber.Map{
		"counters": metrics.Global().Snapshot(),
	}
	if h.db != nil {
		body["db_pool"] = metrics.GetDBPoolStats(h.db.DB)
	}
	for name, fn := range h.stats {
		body[name] = fn()
	}
	return c.JSON(body)
}
