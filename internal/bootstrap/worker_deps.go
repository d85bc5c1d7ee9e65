package bootstrap

import (
	"context"
	"os"

	"mailsync_server/adapter/out/persistence"
	"mailsync_server/adapter/out/provider"
	"mailsync_server/config"
	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/core/service/mail"
	"mailsync_server/core/service/normalize"
	"mailsync_server/core/service/signature"
	syncer "mailsync_server/core/service/sync"
	"mailsync_server/core/service/thread"
	"mailsync_server/infra/database"
	"mailsync_server/pkg/crypto"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Dependencies struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  *redis.Client
	ZLog   zerolog.Logger

	// Repositories
	AccountRepo out.AccountRepository
	MailRepo    out.MailRepository
	Claims      out.IdempotencyStore
	RateStore   ratelimit.Store

	// Providers
	Providers *provider.Registry

	// Services
	Verifier      *signature.Verifier
	Normalizer    *normalize.Normalizer
	Resolver      *thread.Resolver
	IngestService *mail.IngestService
	Threads       *mail.ThreadQueryService
	Credentials   *auth.CredentialManager
	Connect       *auth.ConnectService
	ProviderSync  *syncer.ProviderSync
	Subscriptions *syncer.SubscriptionManager
	Orchestrator  *syncer.Orchestrator
	Accounts      *syncer.AccountService
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config: cfg,
		ZLog: zerolog.New(os.Stdout).With().
			Timestamp().
			Str("service", "mailsync").
			Str("worker_id", cfg.WorkerID).
			Logger(),
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Database
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	if err := persistence.Migrate(context.Background(), db); err != nil {
		cleanup()
		return nil, nil, err
	}
	logger.Info("Database connected (driver=%s)", cfg.DatabaseDriver)

	// Redis (optional)
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process stores: %v", err)
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
			logger.Info("Redis connected")
		}
	}

	if deps.Redis != nil {
		deps.Claims = persistence.NewRedisIdempotencyStore(deps.Redis)
		deps.RateStore = ratelimit.NewRedisStore(deps.Redis, "ratelimit:")
	} else {
		deps.Claims = persistence.NewMemoryIdempotencyStore()
		deps.RateStore = ratelimit.NewMemoryStore(0)
	}

	// Token encryption
	var cipher crypto.Cipher
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cipher = enc
	}

	deps.AccountRepo = persistence.NewAccountAdapter(db, cipher)
	deps.MailRepo = persistence.NewMailAdapter(db)

	// Providers
	deps.Providers = provider.NewRegistryFromConfig(&provider.RegistryConfig{
		Gmail: &provider.GmailConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			ProjectID:    cfg.GoogleProjectID,
			PushTopic:    cfg.GmailPushTopic,
		},
		Outlook: &provider.OutlookConfig{
			ClientID:        cfg.MicrosoftClientID,
			ClientSecret:    cfg.MicrosoftClientSecret,
			RedirectURL:     cfg.MicrosoftRedirectURL,
			TenantID:        cfg.MicrosoftTenantID,
			NotificationURL: cfg.OutlookNotificationURL,
			ClientState:     cfg.OutlookClientState,
		},
	})

	// Ingestion
	deps.Verifier = signature.NewVerifier(signature.Config{
		Secret:     cfg.InboundWebhookSecret,
		Production: cfg.IsProduction(),
		MaxSkew:    cfg.SignatureMaxSkew,
	})
	deps.Normalizer = normalize.NewNormalizer(cfg.LocalMailDomain)
	deps.Resolver = thread.NewResolver(deps.MailRepo)
	deps.IngestService = mail.NewIngestService(
		deps.Normalizer,
		deps.Resolver,
		deps.AccountRepo,
		deps.MailRepo,
		cfg.DefaultTeamID,
	)
	deps.Threads = mail.NewThreadQueryService(deps.MailRepo, cfg.DefaultTeamID)

	// Sync
	deps.Credentials = auth.NewCredentialManager(deps.AccountRepo, deps.Providers)
	deps.ProviderSync = syncer.NewProviderSync(deps.Providers, deps.Credentials, deps.IngestService, deps.AccountRepo)
	deps.Subscriptions = syncer.NewSubscriptionManager(
		deps.AccountRepo,
		deps.Providers,
		deps.Credentials,
		deps.ProviderSync,
		deps.Claims,
		cfg.OutlookClientState,
	)
	deps.Orchestrator = syncer.NewOrchestrator(
		deps.AccountRepo,
		deps.Credentials,
		deps.ProviderSync,
		deps.Subscriptions,
		syncer.OrchestratorConfig{
			PageSize:           cfg.SyncPageSize,
			Concurrency:        cfg.SyncConcurrency,
			TokenRefreshWindow: cfg.TokenRefreshWindow,
			RenewWindow:        cfg.SubscriptionRenewWindow,
		},
	)
	deps.Accounts = syncer.NewAccountService(deps.AccountRepo, deps.Orchestrator, deps.Subscriptions)

	// OAuth connect
	deps.Connect = auth.NewConnectService(deps.AccountRepo, deps.Providers, auth.NewStateSigner([]byte(cfg.JWTSecret)))
	deps.Connect.SetReplayStore(deps.Claims)
	deps.Connect.SetWebhookSetup(func(ctx context.Context, account *domain.ConnectedAccount) error {
		_, err := deps.Subscriptions.SetupSubscription(ctx, account)
		return err
	})

	logger.Info("Dependencies initialized")
	return deps, cleanup, nil
}
