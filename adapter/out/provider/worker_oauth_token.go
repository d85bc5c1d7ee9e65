package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"

	"golang.org/x/oauth2"
)

// refreshWithConfig forces a refresh-token grant. The stored expiry is
// ignored so an access token the provider already rejected is replaced.
func refreshWithConfig(ctx context.Context, provider string, config *oauth2.Config, account *domain.ConnectedAccount) (*out.TokenSet, error) {
	if account.RefreshToken == "" {
		return nil, out.NewProviderError(provider, out.ProviderErrAuth, "no refresh token stored", nil, false)
	}
	stale := &oauth2.Token{
		RefreshToken: account.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}
	token, err := config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, wrapOAuthError(provider, err, "failed to refresh token")
	}
	set := toTokenSet(token)
	if set.RefreshToken == "" {
		set.RefreshToken = account.RefreshToken
	}
	return set, nil
}

func toTokenSet(token *oauth2.Token) *out.TokenSet {
	return &out.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
}

// wrapOAuthError maps token endpoint failures. invalid_grant and other 4xx
// answers need a new consent; 5xx and network errors are transient.
func wrapOAuthError(provider string, err error, msg string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case status == http.StatusTooManyRequests:
			return out.NewProviderError(provider, out.ProviderErrRateLimit, msg, err, true)
		case status >= 500:
			return out.NewProviderError(provider, out.ProviderErrServer, msg, err, true)
		default:
			return out.NewProviderError(provider, out.ProviderErrAuth, msg, err, false)
		}
	}
	return out.NewProviderError(provider, out.ProviderErrNetwork, msg, err, true)
}
