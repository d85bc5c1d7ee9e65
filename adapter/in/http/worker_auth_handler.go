package http

import (
	"context"
	"time"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// TokenRevoker blacklists a bearer token id until it would have expired.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, expiry time.Duration) error
}

// AuthHandler ends API sessions.
type AuthHandler struct {
	revoker TokenRevoker
}

func NewAuthHandler(revoker TokenRevoker) *AuthHandler {
	return &AuthHandler{revoker: revoker}
}

func (h *AuthHandler) Register(router fiber.Router, auth fiber.Handler) {
	router.Group("/auth", auth).Post("/logout", h.Logout)
}

// Logout revokes the presented token. Tokens without an id cannot be
// revoked and are rejected so the caller does not assume they are dead.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	tokenID, _ := c.Locals("token_id").(string)
	if tokenID == "" {
		return apperr.BadRequest("token carries no id and cannot be revoked")
	}
	ttl := 24 * time.Hour
	if exp, ok := c.Locals("token_expires_at").(time.Time); ok {
		ttl = time.Until(exp)
	}
	if err := h.revoker.Revoke(c.UserContext(), tokenID, ttl); err != nil {
		return apperr.InternalWithError(err)
	}
	logger.WithContext(c.UserContext()).WithField("user_id", userID).Info("[AuthHandler.Logout] Token revoked")
	return c.SendStatus(fiber.StatusNoContent)
}
