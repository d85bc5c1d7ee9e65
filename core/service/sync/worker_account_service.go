package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
)

var _ in.AccountService = (*AccountService)(nil)

// AccountService backs the account administration API. Every operation is
// scoped to the calling user.
type AccountService struct {
	accounts      out.AccountRepository
	orchestrator  *Orchestrator
	subscriptions *SubscriptionManager
	now           func() time.Time
}

func NewAccountService(accounts out.AccountRepository, orchestrator *Orchestrator, subscriptions *SubscriptionManager) *AccountService {
	return &AccountService{
		accounts:      accounts,
		orchestrator:  orchestrator,
		subscriptions: subscriptions,
		now:           time.Now,
	}
}

func (s *AccountService) ListAccounts(ctx context.Context, userID string) ([]*domain.ConnectedAccount, error) {
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.DatabaseError("list accounts", err)
	}
	if accounts == nil {
		accounts = []*domain.ConnectedAccount{}
	}
	return accounts, nil
}

// GetAccount returns NotFound for accounts of other users.
func (s *AccountService) GetAccount(ctx context.Context, userID, accountID string) (*domain.ConnectedAccount, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, out.ErrNotFound) {
		return nil, apperr.NotFound("account")
	}
	if err != nil {
		return nil, apperr.DatabaseError("load account", err)
	}
	if acct.UserID != userID {
		return nil, apperr.NotFound("account")
	}
	return acct, nil
}

func (s *AccountService) SetupSubscription(ctx context.Context, userID, accountID string) (*domain.SubscriptionDescriptor, error) {
	acct, err := s.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return s.subscriptions.SetupSubscription(ctx, acct)
}

func (s *AccountService) SyncNow(ctx context.Context, userID, accountID string) (*domain.SyncResult, error) {
	acct, err := s.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if !acct.CanSync() {
		return nil, apperr.BadRequest(fmt.Sprintf("account is %s, reconnect required", acct.SyncStatus))
	}
	return s.orchestrator.SyncAccount(ctx, acct)
}

// Disconnect soft-deactivates the account. Stored messages keep their
// account reference.
func (s *AccountService) Disconnect(ctx context.Context, userID, accountID string) error {
	acct, err := s.GetAccount(ctx, userID, accountID)
	if err != nil {
		return err
	}
	acct.Disable()
	acct.UpdatedAt = s.now().UTC()
	if err := s.accounts.Update(ctx, acct); err != nil {
		return apperr.DatabaseError("disconnect account", err)
	}
	logger.Info("[AccountService.Disconnect] Account %s disabled by user %s", acct.ID, userID)
	return nil
}
