package syncer

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
	"mailsync_server/pkg/retry"
)

const (
	// NotificationDedupTTL is how long a notification key stays claimed.
	NotificationDedupTTL = 10 * time.Minute
	// DefaultRenewWindow renews subscriptions expiring within a day.
	DefaultRenewWindow = 24 * time.Hour
)

var _ in.NotificationService = (*SubscriptionManager)(nil)

// SubscriptionManager registers provider push subscriptions and turns
// incoming notifications into delta syncs.
type SubscriptionManager struct {
	accounts    out.AccountRepository
	providers   out.ProviderRegistry
	credentials *auth.CredentialManager
	syncer      *ProviderSync
	claims      out.IdempotencyStore
	clientState string
	pageSize    int
	concurrency int
	policy      retry.Policy
	now         func() time.Time
}

func NewSubscriptionManager(
	accounts out.AccountRepository,
	providers out.ProviderRegistry,
	credentials *auth.CredentialManager,
	syncer *ProviderSync,
	claims out.IdempotencyStore,
	clientState string,
) *SubscriptionManager {
	return &SubscriptionManager{
		accounts:    accounts,
		providers:   providers,
		credentials: credentials,
		syncer:      syncer,
		claims:      claims,
		clientState: clientState,
		pageSize:    DefaultPageSize,
		concurrency: DefaultConcurrency,
		policy:      retry.ProviderPolicy(out.IsTransient),
		now:         time.Now,
	}
}

// SetRetryPolicy replaces the policy used for subscription registration.
func (m *SubscriptionManager) SetRetryPolicy(p retry.Policy) {
	m.policy = p
}

// SetPageSize bounds the fetch triggered by a notification.
func (m *SubscriptionManager) SetPageSize(n int) {
	if n > 0 {
		m.pageSize = n
	}
}

// =============================================================================
// Registration
// =============================================================================

// SetupSubscription creates or renews the push subscription of account and
// persists the returned descriptor.
func (m *SubscriptionManager) SetupSubscription(ctx context.Context, account *domain.ConnectedAccount) (*domain.SubscriptionDescriptor, error) {
	if !account.CanSync() {
		return nil, apperr.BadRequest(fmt.Sprintf("account is %s, reconnect required", account.SyncStatus))
	}

	account, _, err := m.credentials.EnsureFresh(ctx, account, auth.ProactiveRefreshBuffer)
	if err != nil {
		return nil, err
	}

	provider, err := m.providers.Lookup(account.Provider)
	if err != nil {
		return nil, err
	}

	policy := m.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("[SubscriptionManager.SetupSubscription] Retry %d for %s in %v: %v", attempt, account.ID, delay, err)
	}
	desc, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*domain.SubscriptionDescriptor, error) {
		cctx, cancel := context.WithTimeout(ctx, ProviderCallTimeout)
		defer cancel()
		return provider.RegisterSubscription(cctx, account)
	})
	if err != nil {
		if out.IsTransient(err) {
			return nil, apperr.ProviderUnavailable(string(account.Provider), err)
		}
		return nil, fmt.Errorf("register subscription: %w", err)
	}

	// Gmail's watch returns the history id to sync from; Outlook keeps the
	// existing delta cursor.
	if desc.Kind == domain.SubscriptionHistory && account.Cursor == "" {
		account.Cursor = desc.Cursor
	}
	if desc.Cursor == "" {
		desc.Cursor = account.Cursor
	}
	account.Subscription = desc
	account.UpdatedAt = m.now().UTC()
	if err := m.accounts.Update(ctx, account); err != nil {
		return nil, fmt.Errorf("persist subscription: %w", err)
	}

	metrics.Inc(metrics.SubscriptionsRenewed)
	logger.WithFields(map[string]any{
		"account_id": account.ID,
		"kind":       desc.Kind,
		"expires_at": desc.ExpiresAt.Format(time.RFC3339),
	}).Info("[SubscriptionManager.SetupSubscription] Subscription registered")
	return desc, nil
}

// RenewExpiring renews every subscription that is missing or expires
// within window.
func (m *SubscriptionManager) RenewExpiring(ctx context.Context, window time.Duration) (*domain.SweepResult, error) {
	if window <= 0 {
		window = DefaultRenewWindow
	}
	accounts, err := m.accounts.ListSubscriptionExpiring(ctx, m.now().Add(window))
	if err != nil {
		return nil, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	return sweep(ctx, "subscription_renewal", m.concurrency, accounts, m.now, func(ctx context.Context, acct *domain.ConnectedAccount) (int, error) {
		_, err := m.SetupSubscription(ctx, acct)
		return 0, err
	}), nil
}

// =============================================================================
// Notifications
// =============================================================================

// HandleNotification syncs the account a notification refers to. It
// returns a nil result when the notification was a redelivery or its
// account cannot sync. The dedup claim is released when handling fails.
func (m *SubscriptionManager) HandleNotification(ctx context.Context, n domain.Notification) (*domain.SyncResult, error) {
	metrics.Inc(metrics.NotificationsReceived)

	if on, ok := n.(domain.OutlookNotification); ok && m.clientState != "" {
		if subtle.ConstantTimeCompare([]byte(on.ClientState), []byte(m.clientState)) != 1 {
			return nil, apperr.Signature("client state mismatch")
		}
	}

	claimed := false
	if m.claims != nil {
		first, err := m.claims.Claim(ctx, n.DedupKey(), NotificationDedupTTL)
		if err != nil {
			// Without the store a redelivery costs one extra delta sync.
			logger.Warn("[SubscriptionManager.HandleNotification] Dedup store unavailable: %v", err)
		} else if !first {
			metrics.Inc(metrics.NotificationsDeduped)
			logger.Debug("[SubscriptionManager.HandleNotification] Duplicate notification %s", n.DedupKey())
			return nil, nil
		}
		claimed = err == nil
	}

	result, err := m.syncNotified(ctx, n)
	if err != nil && claimed {
		// The provider redelivers; let that attempt through even after a job timeout.
		if rerr := m.claims.Release(context.WithoutCancel(ctx), n.DedupKey()); rerr != nil {
			logger.Warn("[SubscriptionManager.HandleNotification] Failed to release %s: %v", n.DedupKey(), rerr)
		}
	}
	return result, err
}

func (m *SubscriptionManager) syncNotified(ctx context.Context, n domain.Notification) (*domain.SyncResult, error) {
	account, err := m.resolveAccount(ctx, n)
	if err != nil {
		return nil, err
	}
	if !account.CanSync() {
		logger.Info("[SubscriptionManager.HandleNotification] Skipping %s account %s", account.SyncStatus, account.ID)
		return nil, nil
	}

	account, _, err = m.credentials.EnsureFresh(ctx, account, auth.ProactiveRefreshBuffer)
	if err != nil {
		return nil, err
	}

	mode := domain.SyncModeDelta
	if account.Cursor == "" {
		mode = domain.SyncModeRecent
	}
	return m.syncer.Sync(ctx, account, mode, m.pageSize)
}

func (m *SubscriptionManager) resolveAccount(ctx context.Context, n domain.Notification) (*domain.ConnectedAccount, error) {
	var (
		account *domain.ConnectedAccount
		err     error
	)
	switch v := n.(type) {
	case domain.GmailNotification:
		account, err = m.accounts.GetByEmail(ctx, domain.ProviderGmail, v.EmailAddress)
	case domain.OutlookNotification:
		account, err = m.accounts.GetBySubscriptionID(ctx, domain.ProviderOutlook, v.SubscriptionID)
	default:
		return nil, apperr.BadRequest(fmt.Sprintf("unsupported notification kind %q", n.Kind()))
	}
	if errors.Is(err, out.ErrNotFound) {
		return nil, apperr.NotFound("account")
	}
	if err != nil {
		return nil, apperr.DatabaseError("resolve account", err)
	}
	return account, nil
}
