// Package persistence provides database adapters.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/crypto"
	"mailsync_server/pkg/logger"

	"github.com/jmoiron/sqlx"
)

var _ out.AccountRepository = (*AccountAdapter)(nil)

// AccountAdapter implements out.AccountRepository. Tokens are encrypted at rest.
type AccountAdapter struct {
	db     *sqlx.DB
	cipher crypto.Cipher
}

func NewAccountAdapter(db *sqlx.DB, cipher crypto.Cipher) *AccountAdapter {
	if cipher == nil {
		logger.Warn("[AccountAdapter] Token encryption disabled")
		cipher = crypto.Plaintext{}
	}
	return &AccountAdapter{db: db, cipher: cipher}
}

// =============================================================================
// Row Mapping
// =============================================================================

const accountColumns = `id, user_id, team_id, provider, email, access_token, refresh_token,
	token_expiry, is_active, sync_status, sync_error, sync_cursor,
	subscription_kind, subscription_id, subscription_expires_at,
	last_sync_at, created_at, updated_at`

type accountRow struct {
	ID                    string       `db:"id"`
	UserID                string       `db:"user_id"`
	TeamID                string       `db:"team_id"`
	Provider              string       `db:"provider"`
	Email                 string       `db:"email"`
	AccessToken           string       `db:"access_token"`
	RefreshToken          string       `db:"refresh_token"`
	TokenExpiry           sql.NullTime `db:"token_expiry"`
	IsActive              bool         `db:"is_active"`
	SyncStatus            string       `db:"sync_status"`
	SyncError             string       `db:"sync_error"`
	SyncCursor            string       `db:"sync_cursor"`
	SubscriptionKind      string       `db:"subscription_kind"`
	SubscriptionID        string       `db:"subscription_id"`
	SubscriptionExpiresAt sql.NullTime `db:"subscription_expires_at"`
	LastSyncAt            sql.NullTime `db:"last_sync_at"`
	CreatedAt             time.Time    `db:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at"`
}

func (a *AccountAdapter) toEntity(r *accountRow) (*domain.ConnectedAccount, error) {
	access, err := a.cipher.Decrypt(r.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token of %s: %w", r.ID, err)
	}
	refresh, err := a.cipher.Decrypt(r.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token of %s: %w", r.ID, err)
	}

	acct := &domain.ConnectedAccount{
		ID:           r.ID,
		UserID:       r.UserID,
		TeamID:       r.TeamID,
		Provider:     domain.Provider(r.Provider),
		Email:        r.Email,
		AccessToken:  access,
		RefreshToken: refresh,
		IsActive:     r.IsActive,
		SyncStatus:   domain.SyncStatus(r.SyncStatus),
		SyncError:    r.SyncError,
		Cursor:       r.SyncCursor,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.TokenExpiry.Valid {
		acct.TokenExpiry = r.TokenExpiry.Time.UTC()
	}
	if r.LastSyncAt.Valid {
		t := r.LastSyncAt.Time.UTC()
		acct.LastSyncAt = &t
	}
	if r.SubscriptionKind != "" {
		acct.Subscription = &domain.SubscriptionDescriptor{
			Kind:           domain.SubscriptionKind(r.SubscriptionKind),
			Cursor:         r.SyncCursor,
			SubscriptionID: r.SubscriptionID,
		}
		if r.SubscriptionExpiresAt.Valid {
			acct.Subscription.ExpiresAt = r.SubscriptionExpiresAt.Time.UTC()
		}
	}
	return acct, nil
}

func (a *AccountAdapter) toRow(acct *domain.ConnectedAccount) (*accountRow, error) {
	access, err := a.cipher.Encrypt(acct.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := a.cipher.Encrypt(acct.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	r := &accountRow{
		ID:           acct.ID,
		UserID:       acct.UserID,
		TeamID:       acct.TeamID,
		Provider:     string(acct.Provider),
		Email:        strings.ToLower(acct.Email),
		AccessToken:  access,
		RefreshToken: refresh,
		TokenExpiry:  nullTime(acct.TokenExpiry),
		IsActive:     acct.IsActive,
		SyncStatus:   string(acct.SyncStatus),
		SyncError:    acct.SyncError,
		SyncCursor:   acct.Cursor,
		CreatedAt:    acct.CreatedAt.UTC(),
		UpdatedAt:    acct.UpdatedAt.UTC(),
	}
	if r.SyncStatus == "" {
		r.SyncStatus = string(domain.SyncStatusConnected)
	}
	if acct.LastSyncAt != nil {
		r.LastSyncAt = nullTime(*acct.LastSyncAt)
	}
	if sub := acct.Subscription; sub != nil {
		r.SubscriptionKind = string(sub.Kind)
		r.SubscriptionID = sub.SubscriptionID
		r.SubscriptionExpiresAt = nullTime(sub.ExpiresAt)
		if sub.Cursor != "" && r.SyncCursor == "" {
			r.SyncCursor = sub.Cursor
		}
	}
	return r, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// =============================================================================
// Queries
// =============================================================================

func (a *AccountAdapter) getOne(ctx context.Context, query string, args ...any) (*domain.ConnectedAccount, error) {
	var row accountRow
	if err := a.db.QueryRowxContext(ctx, a.db.Rebind(query), args...).StructScan(&row); err != nil {
		return nil, notFound(err)
	}
	return a.toEntity(&row)
}

func (a *AccountAdapter) list(ctx context.Context, query string, args ...any) ([]*domain.ConnectedAccount, error) {
	rows, err := a.db.QueryxContext(ctx, a.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.ConnectedAccount
	for rows.Next() {
		var row accountRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		acct, err := a.toEntity(&row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (a *AccountAdapter) GetByID(ctx context.Context, id string) (*domain.ConnectedAccount, error) {
	return a.getOne(ctx, `SELECT `+accountColumns+` FROM connected_accounts WHERE id = ?`, id)
}

func (a *AccountAdapter) GetByEmail(ctx context.Context, provider domain.Provider, email string) (*domain.ConnectedAccount, error) {
	return a.getOne(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE provider = ? AND email = ?`,
		string(provider), strings.ToLower(strings.TrimSpace(email)))
}

func (a *AccountAdapter) GetBySubscriptionID(ctx context.Context, provider domain.Provider, subscriptionID string) (*domain.ConnectedAccount, error) {
	if subscriptionID == "" {
		return nil, out.ErrNotFound
	}
	return a.getOne(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE provider = ? AND subscription_id = ?`,
		string(provider), subscriptionID)
}

func (a *AccountAdapter) ListByUser(ctx context.Context, userID string) ([]*domain.ConnectedAccount, error) {
	return a.list(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE user_id = ? ORDER BY created_at`, userID)
}

const syncableClause = `is_active = TRUE AND sync_status IN ('connected', 'active')`

func (a *AccountAdapter) ListSyncable(ctx context.Context) ([]*domain.ConnectedAccount, error) {
	return a.list(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE `+syncableClause+` ORDER BY created_at`)
}

func (a *AccountAdapter) ListTokenExpiring(ctx context.Context, before time.Time) ([]*domain.ConnectedAccount, error) {
	return a.list(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts
		WHERE `+syncableClause+` AND (token_expiry IS NULL OR token_expiry < ?)
		ORDER BY token_expiry`, before.UTC())
}

func (a *AccountAdapter) ListSubscriptionExpiring(ctx context.Context, before time.Time) ([]*domain.ConnectedAccount, error) {
	return a.list(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts
		WHERE `+syncableClause+` AND (subscription_expires_at IS NULL OR subscription_expires_at < ?)
		ORDER BY created_at`, before.UTC())
}

// Upsert inserts or updates by (provider, email). On update the existing id
// is kept and written back to account.ID.
func (a *AccountAdapter) Upsert(ctx context.Context, account *domain.ConnectedAccount) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = now
	}
	row, err := a.toRow(account)
	if err != nil {
		return err
	}

	query := `INSERT INTO connected_accounts (` + accountColumns + `)
		VALUES (:id, :user_id, :team_id, :provider, :email, :access_token, :refresh_token,
			:token_expiry, :is_active, :sync_status, :sync_error, :sync_cursor,
			:subscription_kind, :subscription_id, :subscription_expires_at,
			:last_sync_at, :created_at, :updated_at)
		ON CONFLICT (provider, email) DO UPDATE SET
			user_id = excluded.user_id,
			team_id = excluded.team_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry = excluded.token_expiry,
			is_active = excluded.is_active,
			sync_status = excluded.sync_status,
			sync_error = excluded.sync_error,
			updated_at = excluded.updated_at
		RETURNING id`

	query, args, err := sqlx.Named(query, row)
	if err != nil {
		return err
	}
	var id string
	if err := a.db.QueryRowxContext(ctx, a.db.Rebind(query), args...).Scan(&id); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	account.ID = id
	return nil
}

func (a *AccountAdapter) Update(ctx context.Context, account *domain.ConnectedAccount) error {
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = time.Now().UTC()
	}
	row, err := a.toRow(account)
	if err != nil {
		return err
	}

	query, args, err := sqlx.Named(`UPDATE connected_accounts SET
			user_id = :user_id,
			team_id = :team_id,
			access_token = :access_token,
			refresh_token = :refresh_token,
			token_expiry = :token_expiry,
			is_active = :is_active,
			sync_status = :sync_status,
			sync_error = :sync_error,
			sync_cursor = :sync_cursor,
			subscription_kind = :subscription_kind,
			subscription_id = :subscription_id,
			subscription_expires_at = :subscription_expires_at,
			last_sync_at = :last_sync_at,
			updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return err
	}

	res, err := a.db.ExecContext(ctx, a.db.Rebind(query), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update account %s: %w", account.ID, out.ErrConflict)
		}
		return fmt.Errorf("update account %s: %w", account.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return out.ErrNotFound
	}
	return nil
}
