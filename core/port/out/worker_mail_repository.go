package out

import (
	"context"

	"mailsync_server/core/domain"
)

// MailRepository persists threads and messages. Implementations must
// enforce uniqueness of (team, message_id) for messages and of
// (team, root_message_id) and (team, thread_key) for threads.
type MailRepository interface {
	// GetMessageByMessageID looks up a stored message by its Message-ID header.
	GetMessageByMessageID(ctx context.Context, teamID, messageID string) (*domain.Message, error)

	// FindThreadByRoot returns the first thread whose root message id is in ids.
	FindThreadByRoot(ctx context.Context, teamID string, ids []string) (*domain.Thread, error)

	// FindThreadByMessage returns the thread of any stored message whose
	// message id is in ids.
	FindThreadByMessage(ctx context.Context, teamID string, ids []string) (*domain.Thread, error)

	GetThreadByKey(ctx context.Context, teamID, threadKey string) (*domain.Thread, error)
	GetThread(ctx context.Context, id string) (*domain.Thread, error)

	// InsertThread inserts unless a thread with the same root or key exists.
	// inserted is false when a uniqueness constraint absorbed the insert.
	InsertThread(ctx context.Context, thread *domain.Thread) (inserted bool, err error)

	// AppendMessage inserts msg unless (team, message_id) exists and, in the
	// same transaction, merges participants/references into its thread and
	// advances last_message_at. A rejected insert leaves the thread alone.
	AppendMessage(ctx context.Context, msg *domain.Message, participants, references []string) (inserted bool, err error)

	// UpdateDeliveryStatus patches the delivery status of one message.
	UpdateDeliveryStatus(ctx context.Context, teamID, messageID string, status domain.DeliveryStatus, errText string) (*domain.Message, error)

	ListThreads(ctx context.Context, teamID string, limit int) ([]*domain.Thread, error)
	ListThreadMessages(ctx context.Context, threadID string) ([]*domain.Message, error)
}
