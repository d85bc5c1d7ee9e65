package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string

	// Secrets
	EncryptionKey        string
	InboundWebhookSecret string
	SignatureMaxSkew     time.Duration
	JWTSecret            string

	// Ingestion
	DefaultTeamID   string
	LocalMailDomain string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string
	GmailPushTopic     string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Outlook push
	OutlookNotificationURL string
	OutlookClientState     string

	// OAuthSuccessRedirect, when set, receives the browser after the
	// OAuth callback.
	OAuthSuccessRedirect string

	// Sync
	SyncInterval                time.Duration
	TokenRefreshInterval        time.Duration
	SubscriptionRenewInterval   time.Duration
	SyncPageSize                int
	SyncConcurrency             int
	TokenRefreshWindow          time.Duration
	SubscriptionRenewWindow     time.Duration
	NotificationWorkers         int
	NotificationQueueSize       int
	NotificationJobTimeout      time.Duration
	NotificationMetricsInterval time.Duration

	// Worker
	WorkerID string

	// Rate limiting
	RateLimitMax    int
	RateLimitWindow time.Duration

	// HTTP
	BodyLimit      int
	AllowedOrigins []string

	// Scheduler
	SchedulerEnabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Database
		DatabaseDriver: getEnv("DATABASE_DRIVER", "pgx"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", ""),

		// Secrets
		EncryptionKey:        getEnv("ENCRYPTION_KEY", ""),
		InboundWebhookSecret: getEnv("INBOUND_WEBHOOK_SECRET", ""),
		SignatureMaxSkew:     getEnvDuration("SIGNATURE_MAX_SKEW_SEC", 5*time.Minute),
		JWTSecret:            getEnv("JWT_SECRET", ""),

		// Ingestion
		DefaultTeamID:   getEnv("DEFAULT_TEAM_ID", ""),
		LocalMailDomain: getEnv("LOCAL_MAIL_DOMAIN", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		GmailPushTopic:     getEnv("GMAIL_PUSH_TOPIC", ""),

		// OAuth - Microsoft
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		OutlookNotificationURL: getEnv("OUTLOOK_NOTIFICATION_URL", ""),
		OutlookClientState:     getEnv("OUTLOOK_CLIENT_STATE", ""),
		OAuthSuccessRedirect:   getEnv("OAUTH_SUCCESS_REDIRECT", ""),

		// Sync
		SyncInterval:                getEnvDuration("SYNC_INTERVAL_SEC", 5*time.Minute),
		TokenRefreshInterval:        getEnvDuration("TOKEN_REFRESH_INTERVAL_SEC", 10*time.Minute),
		SubscriptionRenewInterval:   getEnvDuration("SUBSCRIPTION_RENEW_INTERVAL_SEC", time.Hour),
		SyncPageSize:                getEnvInt("SYNC_PAGE_SIZE", 50),
		SyncConcurrency:             getEnvInt("SYNC_CONCURRENCY", 4),
		TokenRefreshWindow:          getEnvDuration("TOKEN_REFRESH_WINDOW_SEC", 30*time.Minute),
		SubscriptionRenewWindow:     getEnvDuration("SUBSCRIPTION_RENEW_WINDOW_SEC", 24*time.Hour),
		NotificationWorkers:         getEnvInt("NOTIFICATION_WORKERS", 4),
		NotificationQueueSize:       getEnvInt("NOTIFICATION_QUEUE_SIZE", 500),
		NotificationJobTimeout:      getEnvDuration("NOTIFICATION_JOB_TIMEOUT_SEC", 2*time.Minute),
		NotificationMetricsInterval: getEnvDuration("NOTIFICATION_METRICS_INTERVAL_SEC", time.Minute),

		// Worker
		WorkerID: getEnv("WORKER_ID", generateWorkerID()),

		// Rate limiting
		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 120),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW_SEC", time.Minute),

		// HTTP
		BodyLimit:      getEnvInt("BODY_LIMIT_BYTES", 10*1024*1024),
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		// Scheduler
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}

	if cfg.OutlookClientState == "" {
		cfg.OutlookClientState = cfg.InboundWebhookSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with. A missing
// webhook secret is not fatal: the verifier rejects signed requests instead.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "pgx", "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be pgx, postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("DATABASE_URL is required for driver %s", c.DatabaseDriver)
	}
	if c.SyncPageSize <= 0 || c.SyncPageSize > 500 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be between 1 and 500, got %d", c.SyncPageSize)
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive, got %d", c.SyncConcurrency)
	}
	if c.IsProduction() && c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required in production")
	}
	return nil
}

// Warnings lists settings that degrade behavior without preventing startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.InboundWebhookSecret == "" {
		if c.IsProduction() {
			warnings = append(warnings, "INBOUND_WEBHOOK_SECRET not set: signed webhooks will be rejected")
		} else {
			warnings = append(warnings, "INBOUND_WEBHOOK_SECRET not set: signature checks disabled")
		}
	}
	if c.JWTSecret == "" {
		warnings = append(warnings, "JWT_SECRET not set: account API rejects all tokens")
	}
	if c.RedisURL == "" {
		warnings = append(warnings, "REDIS_URL not set: dedup and rate limits are per process")
	}
	if c.GoogleClientID == "" && c.MicrosoftClientID == "" {
		warnings = append(warnings, "no provider OAuth client configured")
	}
	if c.MicrosoftClientID != "" && c.OutlookNotificationURL == "" {
		warnings = append(warnings, "OUTLOOK_NOTIFICATION_URL not set: outlook accounts are polled only")
	}
	return warnings
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration reads a whole number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if sec, err := strconv.Atoi(value); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
