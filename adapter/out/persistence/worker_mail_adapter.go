package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

var _ out.MailRepository = (*MailAdapter)(nil)

// MailAdapter implements out.MailRepository. List-valued columns are JSON
// text so the schema is shared by PostgreSQL and SQLite.
type MailAdapter struct {
	db *sqlx.DB
}

func NewMailAdapter(db *sqlx.DB) *MailAdapter {
	return &MailAdapter{db: db}
}

// =============================================================================
// Row Mapping
// =============================================================================

const threadColumns = `id, team_id, root_message_id, thread_key, subject, participants, refs,
	status, priority, tags, message_count, last_message_at, created_at, updated_at`

type threadRow struct {
	ID            string    `db:"id"`
	TeamID        string    `db:"team_id"`
	RootMessageID string    `db:"root_message_id"`
	ThreadKey     string    `db:"thread_key"`
	Subject       string    `db:"subject"`
	Participants  string    `db:"participants"`
	Refs          string    `db:"refs"`
	Status        string    `db:"status"`
	Priority      string    `db:"priority"`
	Tags          string    `db:"tags"`
	MessageCount  int       `db:"message_count"`
	LastMessageAt time.Time `db:"last_message_at"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *threadRow) toEntity() *domain.Thread {
	return &domain.Thread{
		ID:            r.ID,
		TeamID:        r.TeamID,
		RootMessageID: r.RootMessageID,
		ThreadKey:     r.ThreadKey,
		Subject:       r.Subject,
		Participants:  decodeStrings(r.Participants),
		References:    decodeStrings(r.Refs),
		Status:        domain.ThreadStatus(r.Status),
		Priority:      domain.ThreadPriority(r.Priority),
		Tags:          decodeStrings(r.Tags),
		MessageCount:  r.MessageCount,
		LastMessageAt: r.LastMessageAt.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

const messageColumns = `id, team_id, thread_id, account_id, message_id, in_reply_to, refs,
	from_email, from_name, to_addrs, cc_addrs, bcc_addrs, subject, text_content, html_content,
	direction, delivery_status, delivery_error, is_auto_reply, recipient_warnings,
	received_at, created_at`

type messageRow struct {
	ID                string    `db:"id"`
	TeamID            string    `db:"team_id"`
	ThreadID          string    `db:"thread_id"`
	AccountID         string    `db:"account_id"`
	MessageID         string    `db:"message_id"`
	InReplyTo         string    `db:"in_reply_to"`
	Refs              string    `db:"refs"`
	FromEmail         string    `db:"from_email"`
	FromName          string    `db:"from_name"`
	ToAddrs           string    `db:"to_addrs"`
	CcAddrs           string    `db:"cc_addrs"`
	BccAddrs          string    `db:"bcc_addrs"`
	Subject           string    `db:"subject"`
	TextContent       string    `db:"text_content"`
	HTMLContent       string    `db:"html_content"`
	Direction         string    `db:"direction"`
	DeliveryStatus    string    `db:"delivery_status"`
	DeliveryError     string    `db:"delivery_error"`
	IsAutoReply       bool      `db:"is_auto_reply"`
	RecipientWarnings string    `db:"recipient_warnings"`
	ReceivedAt        time.Time `db:"received_at"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r *messageRow) toEntity() *domain.Message {
	return &domain.Message{
		ID:                r.ID,
		TeamID:            r.TeamID,
		ThreadID:          r.ThreadID,
		AccountID:         r.AccountID,
		MessageID:         r.MessageID,
		InReplyTo:         r.InReplyTo,
		References:        decodeStrings(r.Refs),
		From:              domain.EmailAddress{Email: r.FromEmail, Name: r.FromName},
		To:                decodeAddresses(r.ToAddrs),
		Cc:                decodeAddresses(r.CcAddrs),
		Bcc:               decodeAddresses(r.BccAddrs),
		Subject:           r.Subject,
		TextContent:       r.TextContent,
		HTMLContent:       r.HTMLContent,
		Direction:         domain.Direction(r.Direction),
		DeliveryStatus:    domain.DeliveryStatus(r.DeliveryStatus),
		DeliveryError:     r.DeliveryError,
		IsAutoReply:       r.IsAutoReply,
		RecipientWarnings: decodeStrings(r.RecipientWarnings),
		ReceivedAt:        r.ReceivedAt.UTC(),
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

func toMessageRow(m *domain.Message) *messageRow {
	return &messageRow{
		ID:                m.ID,
		TeamID:            m.TeamID,
		ThreadID:          m.ThreadID,
		AccountID:         m.AccountID,
		MessageID:         m.MessageID,
		InReplyTo:         m.InReplyTo,
		Refs:              encodeJSON(m.References),
		FromEmail:         m.From.Email,
		FromName:          m.From.Name,
		ToAddrs:           encodeJSON(m.To),
		CcAddrs:           encodeJSON(m.Cc),
		BccAddrs:          encodeJSON(m.Bcc),
		Subject:           m.Subject,
		TextContent:       m.TextContent,
		HTMLContent:       m.HTMLContent,
		Direction:         string(m.Direction),
		DeliveryStatus:    string(m.DeliveryStatus),
		DeliveryError:     m.DeliveryError,
		IsAutoReply:       m.IsAutoReply,
		RecipientWarnings: encodeJSON(m.RecipientWarnings),
		ReceivedAt:        m.ReceivedAt.UTC(),
		CreatedAt:         m.CreatedAt.UTC(),
	}
}

func encodeJSON[T any](v []T) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(s string) []string {
	list := []string{}
	if s == "" {
		return list
	}
	_ = json.Unmarshal([]byte(s), &list)
	return list
}

func decodeAddresses(s string) []domain.EmailAddress {
	var list []domain.EmailAddress
	if s == "" {
		return list
	}
	_ = json.Unmarshal([]byte(s), &list)
	return list
}

// =============================================================================
// Thread Operations
// =============================================================================

func (a *MailAdapter) getThread(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*domain.Thread, error) {
	var row threadRow
	if err := q.QueryRowxContext(ctx, a.db.Rebind(query), args...).StructScan(&row); err != nil {
		return nil, notFound(err)
	}
	return row.toEntity(), nil
}

func (a *MailAdapter) GetThread(ctx context.Context, id string) (*domain.Thread, error) {
	return a.getThread(ctx, a.db, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
}

func (a *MailAdapter) GetThreadByKey(ctx context.Context, teamID, threadKey string) (*domain.Thread, error) {
	if threadKey == "" {
		return nil, out.ErrNotFound
	}
	return a.getThread(ctx, a.db,
		`SELECT `+threadColumns+` FROM threads WHERE team_id = ? AND thread_key = ?`, teamID, threadKey)
}

func (a *MailAdapter) FindThreadByRoot(ctx context.Context, teamID string, ids []string) (*domain.Thread, error) {
	if len(ids) == 0 {
		return nil, out.ErrNotFound
	}
	query, args, err := sqlx.In(
		`SELECT `+threadColumns+` FROM threads WHERE team_id = ? AND root_message_id IN (?)
		ORDER BY created_at LIMIT 1`, teamID, ids)
	if err != nil {
		return nil, err
	}
	return a.getThread(ctx, a.db, query, args...)
}

func (a *MailAdapter) FindThreadByMessage(ctx context.Context, teamID string, ids []string) (*domain.Thread, error) {
	if len(ids) == 0 {
		return nil, out.ErrNotFound
	}
	query, args, err := sqlx.In(
		`SELECT t.id, t.team_id, t.root_message_id, t.thread_key, t.subject, t.participants, t.refs,
			t.status, t.priority, t.tags, t.message_count, t.last_message_at, t.created_at, t.updated_at
		FROM threads t
		JOIN messages m ON m.thread_id = t.id
		WHERE m.team_id = ? AND m.message_id IN (?)
		ORDER BY m.received_at LIMIT 1`, teamID, ids)
	if err != nil {
		return nil, err
	}
	return a.getThread(ctx, a.db, query, args...)
}

// InsertThread inserts unless the root or key already exists in the team.
func (a *MailAdapter) InsertThread(ctx context.Context, t *domain.Thread) (bool, error) {
	row := &threadRow{
		ID:            t.ID,
		TeamID:        t.TeamID,
		RootMessageID: t.RootMessageID,
		ThreadKey:     t.ThreadKey,
		Subject:       t.Subject,
		Participants:  encodeJSON(t.Participants),
		Refs:          encodeJSON(t.References),
		Status:        string(t.Status),
		Priority:      string(t.Priority),
		Tags:          encodeJSON(t.Tags),
		MessageCount:  t.MessageCount,
		LastMessageAt: t.LastMessageAt.UTC(),
		CreatedAt:     t.CreatedAt.UTC(),
		UpdatedAt:     t.UpdatedAt.UTC(),
	}
	query, args, err := sqlx.Named(`INSERT INTO threads (`+threadColumns+`)
		VALUES (:id, :team_id, :root_message_id, :thread_key, :subject, :participants, :refs,
			:status, :priority, :tags, :message_count, :last_message_at, :created_at, :updated_at)
		ON CONFLICT DO NOTHING`, row)
	if err != nil {
		return false, err
	}
	return a.execInsert(ctx, a.db, query, args)
}

// touchThread merges participants and references, advances last_message_at
// and increments message_count.
func (a *MailAdapter) touchThread(ctx context.Context, tx *sqlx.Tx, threadID string, participants, references []string, at time.Time) error {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE id = ?`
	if isPostgres(a.db) {
		query += ` FOR UPDATE`
	}
	t, err := a.getThread(ctx, tx, query, threadID)
	if err != nil {
		return err
	}

	last := t.LastMessageAt
	if at.After(last) {
		last = at
	}
	_, err = tx.ExecContext(ctx, a.db.Rebind(`UPDATE threads SET
			participants = ?, refs = ?, last_message_at = ?,
			message_count = message_count + 1, updated_at = ?
		WHERE id = ?`),
		encodeJSON(mergeUnique(t.Participants, participants)),
		encodeJSON(mergeUnique(t.References, references)),
		last.UTC(), time.Now().UTC(), threadID)
	if err != nil {
		return fmt.Errorf("touch thread %s: %w", threadID, err)
	}
	return nil
}

func (a *MailAdapter) ListThreads(ctx context.Context, teamID string, limit int) ([]*domain.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryxContext(ctx, a.db.Rebind(
		`SELECT `+threadColumns+` FROM threads WHERE team_id = ? ORDER BY last_message_at DESC LIMIT ?`),
		teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*domain.Thread
	for rows.Next() {
		var row threadRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		threads = append(threads, row.toEntity())
	}
	return threads, rows.Err()
}

// =============================================================================
// Message Operations
// =============================================================================

func (a *MailAdapter) getMessage(ctx context.Context, query string, args ...any) (*domain.Message, error) {
	var row messageRow
	if err := a.db.QueryRowxContext(ctx, a.db.Rebind(query), args...).StructScan(&row); err != nil {
		return nil, notFound(err)
	}
	return row.toEntity(), nil
}

func (a *MailAdapter) GetMessageByMessageID(ctx context.Context, teamID, messageID string) (*domain.Message, error) {
	return a.getMessage(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE team_id = ? AND message_id = ?`, teamID, messageID)
}

// errMessageExists rolls back an append whose message was absorbed by the
// (team, message_id) constraint.
var errMessageExists = errors.New("message already stored")

// AppendMessage stores msg and touches its thread in one transaction.
// inserted is false, and the thread untouched, when (team, message_id)
// already exists.
func (a *MailAdapter) AppendMessage(ctx context.Context, msg *domain.Message, participants, references []string) (bool, error) {
	err := a.inTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := a.insertMessage(ctx, tx, msg)
		if err != nil {
			return err
		}
		if !inserted {
			return errMessageExists
		}
		return a.touchThread(ctx, tx, msg.ThreadID, participants, references, msg.ReceivedAt)
	})
	if errors.Is(err, errMessageExists) {
		return false, nil
	}
	return err == nil, err
}

func (a *MailAdapter) insertMessage(ctx context.Context, ex sqlx.ExecerContext, msg *domain.Message) (bool, error) {
	query, args, err := sqlx.Named(`INSERT INTO messages (`+messageColumns+`)
		VALUES (:id, :team_id, :thread_id, :account_id, :message_id, :in_reply_to, :refs,
			:from_email, :from_name, :to_addrs, :cc_addrs, :bcc_addrs, :subject, :text_content, :html_content,
			:direction, :delivery_status, :delivery_error, :is_auto_reply, :recipient_warnings,
			:received_at, :created_at)
		ON CONFLICT DO NOTHING`, toMessageRow(msg))
	if err != nil {
		return false, err
	}
	return a.execInsert(ctx, ex, query, args)
}

func (a *MailAdapter) UpdateDeliveryStatus(ctx context.Context, teamID, messageID string, status domain.DeliveryStatus, errText string) (*domain.Message, error) {
	res, err := a.db.ExecContext(ctx, a.db.Rebind(
		`UPDATE messages SET delivery_status = ?, delivery_error = ? WHERE team_id = ? AND message_id = ?`),
		string(status), errText, teamID, messageID)
	if err != nil {
		return nil, fmt.Errorf("update delivery status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, out.ErrNotFound
	}
	return a.GetMessageByMessageID(ctx, teamID, messageID)
}

func (a *MailAdapter) ListThreadMessages(ctx context.Context, threadID string) ([]*domain.Message, error) {
	rows, err := a.db.QueryxContext(ctx, a.db.Rebind(
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY received_at, created_at`), threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var row messageRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		messages = append(messages, row.toEntity())
	}
	return messages, rows.Err()
}

func (a *MailAdapter) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// execInsert runs an ON CONFLICT DO NOTHING insert and reports whether a
// row was written. A unique violation surfacing anyway counts as absorbed.
func (a *MailAdapter) execInsert(ctx context.Context, ex sqlx.ExecerContext, query string, args []any) (bool, error) {
	res, err := ex.ExecContext(ctx, a.db.Rebind(query), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}
