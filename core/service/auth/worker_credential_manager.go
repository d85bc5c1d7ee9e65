// Package auth manages OAuth credentials of connected mailbox accounts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
	"mailsync_server/pkg/retry"

	"golang.org/x/sync/singleflight"
)

// ProactiveRefreshBuffer is how close to expiry a token is refreshed before use.
const ProactiveRefreshBuffer = 5 * time.Minute

// CredentialManager refreshes and persists account tokens. Refreshes of
// the same account are collapsed into one provider call, since two
// concurrent refreshes with one refresh token can invalidate each other.
type CredentialManager struct {
	accounts  out.AccountRepository
	providers out.ProviderRegistry
	policy    retry.Policy
	group     singleflight.Group
	now       func() time.Time
}

func NewCredentialManager(accounts out.AccountRepository, providers out.ProviderRegistry) *CredentialManager {
	return &CredentialManager{
		accounts:  accounts,
		providers: providers,
		policy:    retry.ProviderPolicy(out.IsTransient),
		now:       time.Now,
	}
}

// SetRetryPolicy replaces the retry policy for provider refresh calls.
func (m *CredentialManager) SetRetryPolicy(p retry.Policy) {
	m.policy = p
}

// RefreshTokens exchanges the stored refresh token for new credentials.
// Only transient provider errors are retried. Any other failure marks the
// account error and returns a REAUTH_REQUIRED error.
func (m *CredentialManager) RefreshTokens(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	v, err, shared := m.group.Do(account.ID, func() (any, error) {
		return m.refresh(ctx, account.ID, account.AccessToken)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("[CredentialManager.RefreshTokens] Joined in-flight refresh for %s", account.ID)
	}
	refreshed := *v.(*domain.ConnectedAccount)
	return &refreshed, nil
}

func (m *CredentialManager) refresh(ctx context.Context, accountID, seenToken string) (*domain.ConnectedAccount, error) {
	// Re-read so a refresh that finished just before this one is not repeated
	// with a rotated refresh token.
	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return nil, apperr.NotFound("account")
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct.SyncStatus == domain.SyncStatusDisabled || !acct.IsActive {
		return nil, apperr.ReauthRequired(acct.ID, errors.New("account is disabled"))
	}
	if acct.AccessToken != seenToken && !acct.TokenExpiresWithin(m.now(), ProactiveRefreshBuffer) {
		return acct, nil
	}

	provider, err := m.providers.Lookup(acct.Provider)
	if err != nil {
		return nil, err
	}

	log := logger.WithAccount(string(acct.Provider), acct.ID)

	policy := m.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("[CredentialManager.RefreshTokens] Retry %d in %v: %v", attempt, delay, err)
	}
	tokens, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*out.TokenSet, error) {
		return provider.RefreshToken(ctx, acct)
	})
	if err == nil && (tokens == nil || tokens.AccessToken == "") {
		err = errors.New("provider returned no access token")
	}
	if err != nil {
		metrics.Inc(metrics.TokenRefreshFailures)
		log.WithError(err).Warn("[CredentialManager.RefreshTokens] Refresh failed, re-authentication required")

		acct.RecordFailure(domain.ReauthRequiredMessage)
		acct.UpdatedAt = m.now().UTC()
		if updateErr := m.accounts.Update(ctx, acct); updateErr != nil {
			log.Error("[CredentialManager.RefreshTokens] Failed to persist error status: %v", updateErr)
		}
		return nil, apperr.ReauthRequired(acct.ID, err)
	}

	acct.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		acct.RefreshToken = tokens.RefreshToken
	}
	acct.TokenExpiry = tokens.Expiry.UTC()
	acct.SyncError = ""
	acct.UpdatedAt = m.now().UTC()

	if err := m.accounts.Update(ctx, acct); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	metrics.Inc(metrics.TokenRefreshes)
	log.Debug("[CredentialManager.RefreshTokens] Token refreshed, expires %s", acct.TokenExpiry.Format(time.RFC3339))
	return acct, nil
}

// GetExpiringAccounts returns syncable accounts whose token expires within window.
func (m *CredentialManager) GetExpiringAccounts(ctx context.Context, window time.Duration) ([]*domain.ConnectedAccount, error) {
	accounts, err := m.accounts.ListTokenExpiring(ctx, m.now().Add(window))
	if err != nil {
		return nil, fmt.Errorf("list expiring accounts: %w", err)
	}
	return accounts, nil
}

// EnsureFresh refreshes the account when its token expires within buffer.
// The returned bool reports whether a refresh happened.
func (m *CredentialManager) EnsureFresh(ctx context.Context, account *domain.ConnectedAccount, buffer time.Duration) (*domain.ConnectedAccount, bool, error) {
	if !account.TokenExpiresWithin(m.now(), buffer) {
		return account, false, nil
	}
	refreshed, err := m.RefreshTokens(ctx, account)
	if err != nil {
		return nil, false, err
	}
	return refreshed, true, nil
}
