package domain

import (
	"time"
)

// Provider is the closed set of supported mailbox providers.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// IsValid reports whether p is a supported provider.
func (p Provider) IsValid() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// ParseProvider maps path/query aliases to a Provider.
func ParseProvider(s string) (Provider, bool) {
	switch s {
	case "gmail", "google":
		return ProviderGmail, true
	case "outlook", "microsoft", "office365":
		return ProviderOutlook, true
	default:
		return "", false
	}
}

// SyncStatus is the credential/sync state of a connected account.
//
//	connected -> active    first successful fetch
//	any       -> error     unrecoverable sync or refresh failure
//	error     -> connected explicit reconnect (OAuth)
//	disabled               terminal, user initiated
type SyncStatus string

const (
	SyncStatusConnected SyncStatus = "connected"
	SyncStatusActive    SyncStatus = "active"
	SyncStatusError     SyncStatus = "error"
	SyncStatusDisabled  SyncStatus = "disabled"
)

// ReauthRequiredMessage is stored as the sync error when a refresh fails.
const ReauthRequiredMessage = "token refresh failed: re-authentication required"

// SubscriptionKind distinguishes provider push descriptors.
type SubscriptionKind string

const (
	// SubscriptionHistory is a Gmail watch: history cursor + expiry.
	SubscriptionHistory SubscriptionKind = "history"
	// SubscriptionGraph is an Outlook Graph subscription: id + expiry.
	SubscriptionGraph SubscriptionKind = "subscription"
)

// SubscriptionDescriptor is the last push registration for an account.
type SubscriptionDescriptor struct {
	Kind           SubscriptionKind `json:"kind"`
	Cursor         string           `json:"cursor,omitempty"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// ExpiresWithin reports whether the subscription lapses before now+window.
func (s *SubscriptionDescriptor) ExpiresWithin(now time.Time, window time.Duration) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return true
	}
	return s.ExpiresAt.Before(now.Add(window))
}

// ConnectedAccount is a mailbox connected through OAuth.
type ConnectedAccount struct {
	ID           string                  `json:"id" db:"id"`
	UserID       string                  `json:"user_id" db:"user_id"`
	TeamID       string                  `json:"team_id" db:"team_id"`
	Provider     Provider                `json:"provider" db:"provider"`
	Email        string                  `json:"email" db:"email"`
	AccessToken  string                  `json:"-" db:"access_token"`
	RefreshToken string                  `json:"-" db:"refresh_token"`
	TokenExpiry  time.Time               `json:"token_expiry" db:"token_expiry"`
	IsActive     bool                    `json:"is_active" db:"is_active"`
	SyncStatus   SyncStatus              `json:"sync_status" db:"sync_status"`
	SyncError    string                  `json:"sync_error,omitempty" db:"sync_error"`
	Cursor       string                  `json:"cursor,omitempty" db:"sync_cursor"`
	Subscription *SubscriptionDescriptor `json:"subscription,omitempty" db:"-"`
	LastSyncAt   *time.Time              `json:"last_sync_at,omitempty" db:"last_sync_at"`
	CreatedAt    time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at" db:"updated_at"`
}

// TokenExpiresWithin reports whether the access token expires before now+window.
// A zero expiry is treated as expired.
func (a *ConnectedAccount) TokenExpiresWithin(now time.Time, window time.Duration) bool {
	if a.TokenExpiry.IsZero() {
		return true
	}
	return a.TokenExpiry.Before(now.Add(window))
}

// CanSync reports whether the orchestrator should process the account.
// Error accounts wait for an explicit reconnect.
func (a *ConnectedAccount) CanSync() bool {
	if !a.IsActive {
		return false
	}
	return a.SyncStatus == SyncStatusConnected || a.SyncStatus == SyncStatusActive
}

// RecordSyncSuccess applies connected -> active and clears the last error.
func (a *ConnectedAccount) RecordSyncSuccess(now time.Time) {
	if a.SyncStatus == SyncStatusDisabled {
		return
	}
	a.SyncStatus = SyncStatusActive
	a.SyncError = ""
	a.LastSyncAt = &now
}

// RecordFailure moves the account to error. Disabled stays disabled.
func (a *ConnectedAccount) RecordFailure(message string) {
	if a.SyncStatus == SyncStatusDisabled {
		return
	}
	a.SyncStatus = SyncStatusError
	a.SyncError = message
}

// Disable soft-deactivates the account. Historical messages keep referencing it.
func (a *ConnectedAccount) Disable() {
	a.IsActive = false
	a.SyncStatus = SyncStatusDisabled
}

// Reconnect returns an account to connected after a fresh OAuth handshake.
func (a *ConnectedAccount) Reconnect() {
	a.IsActive = true
	a.SyncStatus = SyncStatusConnected
	a.SyncError = ""
}
