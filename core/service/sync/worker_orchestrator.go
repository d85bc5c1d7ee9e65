package syncer

import (
	"context"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConcurrency bounds how many accounts a sweep works on at once.
	DefaultConcurrency = 4
	// DefaultTokenRefreshWindow is the look-ahead of the token sweep.
	DefaultTokenRefreshWindow = 30 * time.Minute
)

// OrchestratorConfig tunes the scheduled sweeps. Zero values use defaults.
type OrchestratorConfig struct {
	PageSize           int
	Concurrency        int
	TokenRefreshWindow time.Duration
	RenewWindow        time.Duration
}

// Orchestrator runs the scheduled sweeps over all connected accounts.
// A failing account is recorded in the sweep result and never aborts it.
type Orchestrator struct {
	accounts      out.AccountRepository
	credentials   *auth.CredentialManager
	syncer        *ProviderSync
	subscriptions *SubscriptionManager
	cfg           OrchestratorConfig
	now           func() time.Time
}

func NewOrchestrator(
	accounts out.AccountRepository,
	credentials *auth.CredentialManager,
	syncer *ProviderSync,
	subscriptions *SubscriptionManager,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.TokenRefreshWindow <= 0 {
		cfg.TokenRefreshWindow = DefaultTokenRefreshWindow
	}
	if cfg.RenewWindow <= 0 {
		cfg.RenewWindow = DefaultRenewWindow
	}
	if subscriptions != nil {
		subscriptions.concurrency = cfg.Concurrency
		subscriptions.SetPageSize(cfg.PageSize)
	}
	return &Orchestrator{
		accounts:      accounts,
		credentials:   credentials,
		syncer:        syncer,
		subscriptions: subscriptions,
		cfg:           cfg,
		now:           time.Now,
	}
}

// ScheduledSync is the polling backstop: every syncable account gets a
// proactive token check and one bounded fetch.
func (o *Orchestrator) ScheduledSync(ctx context.Context) (*domain.SweepResult, error) {
	accounts, err := o.accounts.ListSyncable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list syncable accounts: %w", err)
	}
	res := sweep(ctx, "scheduled_sync", o.cfg.Concurrency, accounts, o.now, func(ctx context.Context, acct *domain.ConnectedAccount) (int, error) {
		result, err := o.SyncAccount(ctx, acct)
		if result == nil {
			return 0, err
		}
		return result.MessagesSynced, err
	})
	return res, nil
}

// SyncAccount refreshes the token when it expires within five minutes and
// then fetches one page, delta when a cursor exists.
func (o *Orchestrator) SyncAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.SyncResult, error) {
	if !account.CanSync() {
		return nil, fmt.Errorf("account %s is %s", account.ID, account.SyncStatus)
	}

	account, refreshed, err := o.credentials.EnsureFresh(ctx, account, auth.ProactiveRefreshBuffer)
	if err != nil {
		return nil, err
	}

	mode := domain.SyncModeDelta
	if account.Cursor == "" {
		mode = domain.SyncModeRecent
	}
	result, err := o.syncer.Sync(ctx, account, mode, o.cfg.PageSize)
	if result != nil && refreshed {
		result.Refreshed = true
	}
	return result, err
}

// ScheduledTokenRefresh refreshes every token expiring within the window.
func (o *Orchestrator) ScheduledTokenRefresh(ctx context.Context) (*domain.SweepResult, error) {
	accounts, err := o.credentials.GetExpiringAccounts(ctx, o.cfg.TokenRefreshWindow)
	if err != nil {
		return nil, err
	}
	return sweep(ctx, "token_refresh", o.cfg.Concurrency, accounts, o.now, func(ctx context.Context, acct *domain.ConnectedAccount) (int, error) {
		_, err := o.credentials.RefreshTokens(ctx, acct)
		return 0, err
	}), nil
}

// RenewSubscriptions renews push subscriptions nearing expiry.
func (o *Orchestrator) RenewSubscriptions(ctx context.Context) (*domain.SweepResult, error) {
	if o.subscriptions == nil {
		return &domain.SweepResult{Name: "subscription_renewal", Started: o.now().UTC(), Finished: o.now().UTC()}, nil
	}
	return o.subscriptions.RenewExpiring(ctx, o.cfg.RenewWindow)
}

// sweep runs fn for every account on a bounded pool and collects one
// result per account in input order.
func sweep(
	ctx context.Context,
	name string,
	limit int,
	accounts []*domain.ConnectedAccount,
	now func() time.Time,
	fn func(ctx context.Context, acct *domain.ConnectedAccount) (int, error),
) *domain.SweepResult {
	res := &domain.SweepResult{
		Name:    name,
		Started: now().UTC(),
		Results: make([]domain.AccountResult, len(accounts)),
	}
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, acct := range accounts {
		g.Go(func() error {
			entry := domain.AccountResult{AccountID: acct.ID, Email: acct.Email}
			if err := ctx.Err(); err != nil {
				entry.Error = err.Error()
				res.Results[i] = entry
				return nil
			}
			n, err := fn(ctx, acct)
			entry.MessagesSynced = n
			entry.Success = err == nil
			if err != nil {
				entry.Error = err.Error()
			}
			res.Results[i] = entry
			return nil
		})
	}
	_ = g.Wait()
	res.Finished = now().UTC()

	logger.WithFields(map[string]any{
		"sweep":    name,
		"accounts": len(accounts),
		"failures": res.Failures(),
		"duration": res.Finished.Sub(res.Started).String(),
	}).Info("[Orchestrator.sweep] Sweep finished")
	return res
}
