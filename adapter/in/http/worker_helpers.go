package http

import (
	"errors"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

var ErrUnauthorized = errors.New("unauthorized")

// GetUserID extracts the authenticated user id set by JWTAuth.
func GetUserID(c *fiber.Ctx) (string, error) {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return "", apperr.Unauthorized("authentication required")
	}
	return userID, nil
}

// GetTeamID returns the team id claim, or "" when the token carries none.
func GetTeamID(c *fiber.Ctx) string {
	teamID, _ := c.Locals("team_id").(string)
	return teamID
}

// ParseProviderParam reads the :provider route parameter.
func ParseProviderParam(c *fiber.Ctx) (domain.Provider, error) {
	p, ok := domain.ParseProvider(c.Params("provider"))
	if !ok {
		return "", apperr.InvalidInput("provider", "unsupported provider")
	}
	return p, nil
}

// translateProviderError maps provider failures that reach the API onto
// application errors. Anything else passes through to the error handler.
func translateProviderError(accountID string, err error) error {
	if err == nil || apperr.IsAppError(err) {
		return err
	}
	var pe *out.ProviderError
	if !errors.As(err, &pe) {
		return err
	}
	provider := pe.Provider
	switch {
	case out.IsUnauthorized(err):
		return apperr.ReauthRequired(accountID, err)
	case out.IsTransient(err):
		return apperr.ProviderUnavailable(provider, err)
	}
	return apperr.Wrap(err, apperr.CodeProviderUnavailable, provider+" request failed: "+string(pe.Code), fiber.StatusBadGateway)
}
