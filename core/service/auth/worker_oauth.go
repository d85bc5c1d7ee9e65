package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"

	"github.com/google/uuid"
)

const stateReplayPrefix = "oauth:state:"

var _ in.ConnectService = (*ConnectService)(nil)

// ConnectService runs the OAuth connect flow and creates or reconnects accounts.
type ConnectService struct {
	accounts     out.AccountRepository
	providers    out.ProviderRegistry
	states       *StateSigner
	replay       out.IdempotencyStore
	webhookSetup func(ctx context.Context, account *domain.ConnectedAccount) error
	now          func() time.Time
}

func NewConnectService(accounts out.AccountRepository, providers out.ProviderRegistry, states *StateSigner) *ConnectService {
	return &ConnectService{
		accounts:  accounts,
		providers: providers,
		states:    states,
		now:       time.Now,
	}
}

// SetReplayStore makes each state usable once.
func (s *ConnectService) SetReplayStore(store out.IdempotencyStore) {
	s.replay = store
}

// SetWebhookSetup sets the push subscription hook run after a connect.
func (s *ConnectService) SetWebhookSetup(setup func(ctx context.Context, account *domain.ConnectedAccount) error) {
	s.webhookSetup = setup
}

func (s *ConnectService) AuthURL(provider domain.Provider, userID, teamID string) (string, error) {
	if !provider.IsValid() {
		return "", apperr.BadRequest(fmt.Sprintf("unsupported provider: %s", provider))
	}
	if strings.TrimSpace(userID) == "" {
		return "", apperr.Unauthorized("missing user")
	}
	oauthProvider, err := s.providers.LookupOAuth(provider)
	if err != nil {
		return "", err
	}
	state, err := s.states.Issue(provider, userID, teamID)
	if err != nil {
		return "", apperr.InternalWithError(err)
	}
	return oauthProvider.AuthURL(state), nil
}

func (s *ConnectService) CompleteConnect(ctx context.Context, provider domain.Provider, code, state string) (*domain.ConnectedAccount, error) {
	if code == "" {
		return nil, apperr.MissingField("code")
	}
	claims, err := s.states.Verify(state)
	if err != nil {
		return nil, apperr.Unauthorized(err.Error())
	}
	if claims.Provider != string(provider) {
		return nil, apperr.BadRequest("state was issued for another provider")
	}
	if s.replay != nil {
		first, err := s.replay.Claim(ctx, stateReplayPrefix+claims.ID, StateTTL)
		if err != nil {
			logger.Warn("[ConnectService.CompleteConnect] Replay check unavailable: %v", err)
		} else if !first {
			return nil, apperr.Unauthorized("oauth state already used")
		}
	}

	logger.Info("[ConnectService.CompleteConnect] Starting for provider: %s, userID: %s", provider, claims.UserID)

	oauthProvider, err := s.providers.LookupOAuth(provider)
	if err != nil {
		return nil, err
	}
	tokens, err := oauthProvider.Exchange(ctx, code)
	if err != nil {
		return nil, apperr.OAuthFailed(string(provider), err)
	}
	address, err := oauthProvider.MailboxAddress(ctx, tokens)
	if err != nil {
		return nil, apperr.OAuthFailed(string(provider), fmt.Errorf("resolve mailbox address: %w", err))
	}
	address = strings.ToLower(strings.TrimSpace(address))

	now := s.now().UTC()
	account, err := s.accounts.GetByEmail(ctx, provider, address)
	switch {
	case errors.Is(err, out.ErrNotFound):
		account = &domain.ConnectedAccount{
			ID:        uuid.NewString(),
			Provider:  provider,
			Email:     address,
			CreatedAt: now,
		}
	case err != nil:
		return nil, apperr.DatabaseError("load account", err)
	case account.UserID != "" && account.UserID != claims.UserID:
		return nil, apperr.Conflict("mailbox is connected to another user")
	}

	account.UserID = claims.UserID
	if claims.TeamID != "" {
		account.TeamID = claims.TeamID
	}
	account.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		account.RefreshToken = tokens.RefreshToken
	}
	account.TokenExpiry = tokens.Expiry.UTC()
	account.Reconnect()
	account.UpdatedAt = now

	if err := s.accounts.Upsert(ctx, account); err != nil {
		return nil, apperr.DatabaseError("save account", err)
	}
	logger.WithAccount(string(account.Provider), account.ID).Info("[ConnectService.CompleteConnect] Connected %s", logger.MaskAddress(account.Email))

	if s.webhookSetup != nil {
		if err := s.webhookSetup(ctx, account); err != nil {
			logger.Warn("[ConnectService.CompleteConnect] Failed to setup webhook: %v", err)
		}
	}
	return account, nil
}
