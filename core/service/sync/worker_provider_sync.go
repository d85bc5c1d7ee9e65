// Package syncer pulls mail from connected provider accounts: per-account
// fetch-and-ingest, push notification handling and the scheduled sweeps.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/core/service/mail"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
	"mailsync_server/pkg/retry"
)

const (
	// DefaultPageSize bounds one fetch.
	DefaultPageSize = 50
	// ProviderCallTimeout bounds every provider round trip.
	ProviderCallTimeout = 30 * time.Second
)

// ProviderSync fetches one page from a provider and runs every message
// through the ingestion pipeline. A failing message never aborts the batch.
type ProviderSync struct {
	providers   out.ProviderRegistry
	credentials *auth.CredentialManager
	ingest      *mail.IngestService
	accounts    out.AccountRepository
	policy      retry.Policy
	timeout     time.Duration
	now         func() time.Time
}

func NewProviderSync(
	providers out.ProviderRegistry,
	credentials *auth.CredentialManager,
	ingest *mail.IngestService,
	accounts out.AccountRepository,
) *ProviderSync {
	return &ProviderSync{
		providers:   providers,
		credentials: credentials,
		ingest:      ingest,
		accounts:    accounts,
		policy:      retry.ProviderPolicy(out.IsTransient),
		timeout:     ProviderCallTimeout,
		now:         time.Now,
	}
}

// SetRetryPolicy replaces the policy used for fetches.
func (s *ProviderSync) SetRetryPolicy(p retry.Policy) {
	s.policy = p
}

// Sync fetches and ingests one batch for account. An unauthorized fetch is
// retried exactly once after a token refresh; a second rejection marks the
// account error.
func (s *ProviderSync) Sync(ctx context.Context, account *domain.ConnectedAccount, mode domain.SyncMode, maxResults int) (*domain.SyncResult, error) {
	if maxResults <= 0 {
		maxResults = DefaultPageSize
	}
	provider, err := s.providers.Lookup(account.Provider)
	if err != nil {
		return nil, err
	}

	ctx = logger.ContextWithAccountID(ctx, account.ID)
	log := logger.WithContext(ctx).WithFields(map[string]any{
		"provider": account.Provider,
		"mode":     mode,
	})
	metrics.Inc(metrics.SyncRuns)

	result := &domain.SyncResult{
		AccountID: account.ID,
		Provider:  account.Provider,
		Mode:      mode,
		Ingested:  []domain.IngestResult{},
	}

	page, mode, err := s.fetch(ctx, provider, account, mode, maxResults)
	if out.IsUnauthorized(err) {
		log.Info("[ProviderSync.Sync] Access token rejected, refreshing once")
		refreshed, refreshErr := s.credentials.RefreshTokens(ctx, account)
		if refreshErr != nil {
			metrics.Inc(metrics.SyncFailures)
			return result, refreshErr
		}
		account = refreshed
		result.Refreshed = true
		page, mode, err = s.fetch(ctx, provider, account, mode, maxResults)
		if out.IsUnauthorized(err) {
			metrics.Inc(metrics.SyncFailures)
			s.markReauth(ctx, account, err)
			return result, apperr.ReauthRequired(account.ID, err)
		}
	}
	result.Mode = mode
	if err != nil {
		metrics.Inc(metrics.SyncFailures)
		s.recordFetchError(ctx, account, err)
		log.WithError(err).Warn("[ProviderSync.Sync] Fetch failed")
		if out.IsTransient(err) {
			return result, apperr.ProviderUnavailable(string(account.Provider), err)
		}
		return result, fmt.Errorf("fetch %s: %w", account.Provider, err)
	}

	for _, raw := range page.Messages {
		ingested, err := s.ingestOne(ctx, provider, account, raw)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", raw.ExternalID, err))
			log.WithField("external_id", raw.ExternalID).Warn("[ProviderSync.Sync] Skipping message: %v", err)
			continue
		}
		result.Ingested = append(result.Ingested, *ingested)
		if ingested.Duplicate {
			result.Duplicates++
		} else {
			result.MessagesSynced++
		}
	}
	result.NextCursor = page.NextCursor

	account.RecordSyncSuccess(s.now().UTC())
	if page.NextCursor != "" {
		account.Cursor = page.NextCursor
		if account.Subscription != nil && account.Subscription.Kind == domain.SubscriptionHistory {
			account.Subscription.Cursor = page.NextCursor
		}
	}
	account.UpdatedAt = s.now().UTC()
	if err := s.accounts.Update(ctx, account); err != nil {
		return result, fmt.Errorf("persist sync state: %w", err)
	}

	log.Info("[ProviderSync.Sync] synced=%d duplicates=%d failed=%d",
		result.MessagesSynced, result.Duplicates, result.Failed)
	return result, nil
}

// fetch runs one provider fetch under the retry policy. An invalidated
// delta cursor falls back to a recent fetch.
func (s *ProviderSync) fetch(ctx context.Context, provider out.MailProvider, account *domain.ConnectedAccount, mode domain.SyncMode, maxResults int) (*out.FetchResult, domain.SyncMode, error) {
	call := func(fn func(ctx context.Context) (*out.FetchResult, error)) (*out.FetchResult, error) {
		return retry.DoValue(ctx, s.policy, func(ctx context.Context) (*out.FetchResult, error) {
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			return fn(cctx)
		})
	}

	if mode == domain.SyncModeDelta && account.Cursor != "" {
		page, err := call(func(ctx context.Context) (*out.FetchResult, error) {
			return provider.FetchChanged(ctx, account, account.Cursor, maxResults)
		})
		if !out.IsSyncRequired(err) {
			return page, mode, err
		}
		logger.WithContext(ctx).Info("[ProviderSync.fetch] Cursor expired, falling back to recent fetch")
		account.Cursor = ""
	}

	page, err := call(func(ctx context.Context) (*out.FetchResult, error) {
		return provider.FetchRecent(ctx, account, maxResults)
	})
	return page, domain.SyncModeRecent, err
}

func (s *ProviderSync) ingestOne(ctx context.Context, provider out.MailProvider, account *domain.ConnectedAccount, raw *out.RawProviderMessage) (*domain.IngestResult, error) {
	if raw == nil {
		return nil, errors.New("empty provider message")
	}
	if raw.FetchErr != nil {
		return nil, fmt.Errorf("body not retrievable: %w", raw.FetchErr)
	}
	payload, err := provider.ConvertToCanonical(raw)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	return s.ingest.IngestForAccount(ctx, account, payload)
}

// recordFetchError stores the last error without leaving the syncable
// states; the next sweep retries.
func (s *ProviderSync) recordFetchError(ctx context.Context, account *domain.ConnectedAccount, err error) {
	account.SyncError = err.Error()
	account.UpdatedAt = s.now().UTC()
	if updateErr := s.accounts.Update(ctx, account); updateErr != nil {
		logger.Error("[ProviderSync.recordFetchError] Failed to persist sync error for %s: %v", account.ID, updateErr)
	}
}

func (s *ProviderSync) markReauth(ctx context.Context, account *domain.ConnectedAccount, err error) {
	logger.WithError(err).Warn("[ProviderSync.Sync] Provider rejected refreshed token for %s", account.ID)
	account.RecordFailure(domain.ReauthRequiredMessage)
	account.UpdatedAt = s.now().UTC()
	if updateErr := s.accounts.Update(ctx, account); updateErr != nil {
		logger.Error("[ProviderSync.markReauth] Failed to persist error status for %s: %v", account.ID, updateErr)
	}
}
