package out

import (
	"context"
	"errors"
	"time"

	"mailsync_server/core/domain"
)

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("record conflict")
)

// AccountRepository persists connected accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*domain.ConnectedAccount, error)

	// GetByEmail resolves an account by provider and mailbox address.
	GetByEmail(ctx context.Context, provider domain.Provider, email string) (*domain.ConnectedAccount, error)

	// GetBySubscriptionID resolves an account from a push subscription id.
	GetBySubscriptionID(ctx context.Context, provider domain.Provider, subscriptionID string) (*domain.ConnectedAccount, error)

	ListByUser(ctx context.Context, userID string) ([]*domain.ConnectedAccount, error)

	// ListSyncable returns active accounts in connected or active status.
	ListSyncable(ctx context.Context) ([]*domain.ConnectedAccount, error)

	// ListTokenExpiring returns syncable accounts whose token expires
	// before the given instant.
	ListTokenExpiring(ctx context.Context, before time.Time) ([]*domain.ConnectedAccount, error)

	// ListSubscriptionExpiring returns syncable accounts whose push
	// subscription is missing or expires before the given instant.
	ListSubscriptionExpiring(ctx context.Context, before time.Time) ([]*domain.ConnectedAccount, error)

	// Upsert inserts or updates by (provider, email) and fills in ID.
	Upsert(ctx context.Context, account *domain.ConnectedAccount) error

	// Update writes every mutable column of the account.
	Update(ctx context.Context, account *domain.ConnectedAccount) error
}
