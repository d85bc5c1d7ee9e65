package bootstrap

import (
	"context"
	"strings"

	"mailsync_server/adapter/in/http"
	"mailsync_server/adapter/in/worker"
	"mailsync_server/infra/database"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// API is the HTTP server plus the notification pool its push endpoints
// feed.
type API struct {
	App     *fiber.App
	Pool    *worker.NotificationPool
	limiter *ratelimit.Limiter
}

func NewAPI(deps *Dependencies) (*API, error) {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		Prefork:               false,
		StrictRouting:         false,
		CaseSensitive:         false,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		// go-json for encoding and decoding
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: cfg.BodyLimit,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())                  // 1. Panic recovery
	app.Use(middleware.RequestID())                // 2. Request ID
	app.Use(middleware.SecurityHeaders())          // 3. Security headers
	app.Use(middleware.MaxBodySize(cfg.BodyLimit)) // 4. Body size
	app.Use(middleware.RequestLogger())            // 5. Request logging

	// CORS only matters for the account API; webhooks are server to server.
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset,Retry-After",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	limiter := ratelimit.NewLimiter(deps.RateStore, cfg.RateLimitMax, cfg.RateLimitWindow)
	rateLimit := middleware.RateLimit(limiter)

	// Notification pool
	pool := worker.NewNotificationPool(deps.Subscriptions, &worker.PoolConfig{
		Workers:         cfg.NotificationWorkers,
		QueueSize:       cfg.NotificationQueueSize,
		JobTimeout:      cfg.NotificationJobTimeout,
		MetricsInterval: cfg.NotificationMetricsInterval,
	}, deps.ZLog)

	// Health check (no auth required)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis, deps.Providers)
	healthHandler.AddStats("notification_pool", func() any { return pool.GetMetrics() })
	if deps.Redis != nil {
		healthHandler.AddStats("redis_pool", func() any { return database.GetRedisStats(deps.Redis) })
	}

	// Webhooks (signed or provider-originated, no JWT)
	webhookHandler := http.NewWebhookHandler(deps.IngestService, deps.Subscriptions, pool)
	webhookHandler.Register(app.Group("/webhooks"), middleware.VerifySignature(deps.Verifier), rateLimit)
	healthHandler.AddStats("webhooks", func() any { return webhookHandler.GetMetrics() })
	healthHandler.Register(app)

	// Account API
	blacklist := middleware.NewTokenBlacklist(deps.Redis)
	jwtAuth := middleware.JWTAuth(cfg.JWTSecret, blacklist)

	api := app.Group("/api/v1", rateLimit)
	http.NewAuthHandler(blacklist).Register(api, jwtAuth)
	http.NewOAuthHandler(deps.Connect, cfg.OAuthSuccessRedirect).Register(api, jwtAuth)
	http.NewAccountHandler(deps.Accounts).Register(api, jwtAuth)
	http.NewThreadHandler(deps.Threads).Register(api, jwtAuth)

	logger.Info("API server initialized successfully")

	return &API{App: app, Pool: pool, limiter: limiter}, nil
}

// Listen starts the notification pool and serves until Shutdown.
func (a *API) Listen(addr string) error {
	a.Pool.Start()
	logger.Info("Starting API server on %s", addr)
	return a.App.Listen(addr)
}

// Shutdown stops accepting requests, then drains the notification pool.
func (a *API) Shutdown(ctx context.Context) error {
	err := a.App.ShutdownWithContext(ctx)
	a.Pool.Stop()
	if cerr := a.limiter.Close(); cerr != nil {
		logger.WithError(cerr).Warn("Rate limiter close failed")
	}
	return err
}
