// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"mailsync_server/core/domain"
)

// =============================================================================
// Mail Provider Port (Gmail, Outlook)
// =============================================================================

// MailProvider is the single capability interface every mailbox provider
// implements. The orchestrator and subscription manager depend only on it.
type MailProvider interface {
	Provider() domain.Provider

	// FetchRecent returns the newest messages, at most maxResults.
	FetchRecent(ctx context.Context, account *domain.ConnectedAccount, maxResults int) (*FetchResult, error)

	// FetchChanged returns messages added since cursor. A ProviderError
	// with code ProviderErrSyncRequired means the cursor is no longer valid.
	FetchChanged(ctx context.Context, account *domain.ConnectedAccount, cursor string, maxResults int) (*FetchResult, error)

	// ConvertToCanonical maps a provider message to the provider-neutral
	// inbound payload consumed by the normalizer.
	ConvertToCanonical(raw *RawProviderMessage) (*domain.InboundMail, error)

	// RefreshToken exchanges the stored refresh token for new credentials.
	RefreshToken(ctx context.Context, account *domain.ConnectedAccount) (*TokenSet, error)

	// RegisterSubscription creates or renews the push subscription.
	RegisterSubscription(ctx context.Context, account *domain.ConnectedAccount) (*domain.SubscriptionDescriptor, error)
}

// OAuthProvider is implemented by providers supporting the connect flow.
type OAuthProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*TokenSet, error)
	// MailboxAddress returns the primary address of the authorized mailbox.
	MailboxAddress(ctx context.Context, token *TokenSet) (string, error)
}

// ProviderRegistry resolves the adapter serving a provider.
type ProviderRegistry interface {
	Lookup(provider domain.Provider) (MailProvider, error)
	LookupOAuth(provider domain.Provider) (OAuthProvider, error)
}

// TokenSet is the result of a token exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// RawProviderMessage is one message as fetched from a provider. Payload
// holds the provider-specific representation.
type RawProviderMessage struct {
	ExternalID string
	Payload    any
	// FetchErr is set when the message was listed but its body could not
	// be retrieved.
	FetchErr error
}

// FetchResult is one page of fetched messages.
type FetchResult struct {
	Messages   []*RawProviderMessage
	NextCursor string
}

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// ProviderErrorCodeOf returns the code of a wrapped ProviderError.
func ProviderErrorCodeOf(err error) (ProviderErrorCode, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

// IsUnauthorized reports whether the provider rejected the access token.
func IsUnauthorized(err error) bool {
	code, ok := ProviderErrorCodeOf(err)
	return ok && (code == ProviderErrTokenExpired || code == ProviderErrAuth)
}

// IsSyncRequired reports whether the delta cursor must be discarded.
func IsSyncRequired(err error) bool {
	code, ok := ProviderErrorCodeOf(err)
	return ok && code == ProviderErrSyncRequired
}

// IsTransient reports whether a provider error is worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
