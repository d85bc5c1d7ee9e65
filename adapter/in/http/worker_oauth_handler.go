package http

import (
	"net/url"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// OAuthHandler runs the mailbox connect flow. The callback carries no JWT;
// the signed state identifies the user.
type OAuthHandler struct {
	connect in.ConnectService
	// redirectURL, when set, receives the browser after the callback
	// instead of a JSON body.
	redirectURL string
}

func NewOAuthHandler(connect in.ConnectService, redirectURL string) *OAuthHandler {
	return &OAuthHandler{connect: connect, redirectURL: redirectURL}
}

// Register mounts the routes; auth guards the connect route only.
func (h *OAuthHandler) Register(router fiber.Router, auth fiber.Handler) {
	oauth := router.Group("/oauth")
	oauth.Get("/:provider/connect", auth, h.Connect)
	oauth.Get("/:provider/callback", h.Callback)
}

func (h *OAuthHandler) Connect(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	provider, err := ParseProviderParam(c)
	if err != nil {
		return err
	}

	authURL, err := h.connect.AuthURL(provider, userID, GetTeamID(c))
	if err != nil {
		return err
	}
	logger.Info("[OAuthHandler.Connect] Auth URL issued: provider=%s, user=%s", provider, userID)

	if c.QueryBool("redirect") {
		return c.Redirect(authURL, fiber.StatusFound)
	}
	return response.OK(c, fiber.Map{"url": authURL})
}

func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	provider, err := ParseProviderParam(c)
	if err != nil {
		return err
	}

	if errParam := c.Query("error"); errParam != "" {
		logger.Warn("[OAuthHandler.Callback] Provider returned error: %s (%s)", errParam, c.Query("error_description"))
		return h.finish(c, apperr.OAuthFailed(string(provider), nil).WithDetail("error", errParam), nil)
	}

	account, err := h.connect.CompleteConnect(c.UserContext(), provider, c.Query("code"), c.Query("state"))
	if err != nil {
		logger.WithError(err).Warn("[OAuthHandler.Callback] Connect failed for %s", provider)
		return h.finish(c, err, nil)
	}
	return h.finish(c, nil, account)
}

func (h *OAuthHandler) finish(c *fiber.Ctx, err error, account *domain.ConnectedAccount) error {
	if h.redirectURL == "" {
		if err != nil {
			return err
		}
		return response.OK(c, account)
	}

	q := url.Values{}
	if err != nil {
		q.Set("error", apperr.AsAppError(err).Code)
	} else {
		q.Set("oauth", "success")
		q.Set("provider", string(account.Provider))
		q.Set("account_id", account.ID)
	}
	return c.Redirect(h.redirectURL+"?"+q.Encode(), fiber.StatusFound)
}
