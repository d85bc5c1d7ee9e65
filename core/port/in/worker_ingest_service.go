package in

import (
	"context"

	"mailsync_server/core/domain"
)

// IngestService accepts mail pushed to the inbound webhook.
type IngestService interface {
	// IngestInbound normalizes, threads and stores one inbound email.
	// Redelivery of the same Message-ID returns the original identifiers.
	IngestInbound(ctx context.Context, mail *domain.InboundMail) (*domain.IngestResult, error)

	// UpdateDeliveryStatus patches the delivery status of an outbound message.
	UpdateDeliveryStatus(ctx context.Context, update *domain.DeliveryStatusUpdate) (*domain.Message, error)
}

// NotificationService handles provider push notifications.
type NotificationService interface {
	HandleNotification(ctx context.Context, n domain.Notification) (*domain.SyncResult, error)
}

// AccountService backs the account administration API.
type AccountService interface {
	ListAccounts(ctx context.Context, userID string) ([]*domain.ConnectedAccount, error)
	GetAccount(ctx context.Context, userID, accountID string) (*domain.ConnectedAccount, error)
	SetupSubscription(ctx context.Context, userID, accountID string) (*domain.SubscriptionDescriptor, error)
	SyncNow(ctx context.Context, userID, accountID string) (*domain.SyncResult, error)
	Disconnect(ctx context.Context, userID, accountID string) error
}

// ConnectService implements the OAuth connect flow.
type ConnectService interface {
	AuthURL(provider domain.Provider, userID, teamID string) (string, error)
	CompleteConnect(ctx context.Context, provider domain.Provider, code, state string) (*domain.ConnectedAccount, error)
}

// NotificationDispatcher queues a notification for asynchronous handling.
// It reports false when the notification was not accepted.
type NotificationDispatcher interface {
	Dispatch(n domain.Notification) bool
}

// SyncOrchestrator runs the scheduled sweeps.
type SyncOrchestrator interface {
	ScheduledSync(ctx context.Context) (*domain.SweepResult, error)
	ScheduledTokenRefresh(ctx context.Context) (*domain.SweepResult, error)
	RenewSubscriptions(ctx context.Context) (*domain.SweepResult, error)
}

// ThreadQueryService reads stored conversations for downstream consumers.
// Reads are scoped to one team.
type ThreadQueryService interface {
	ListThreads(ctx context.Context, teamID string, page domain.PageRequest) ([]*domain.Thread, error)
	ListThreadMessages(ctx context.Context, teamID, threadID string) ([]*domain.Message, error)
}
