package http

import (
	"mailsync_server/core/port/in"
	"mailsync_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// AccountHandler exposes connected-account administration to the owning
// user.
type AccountHandler struct {
	accounts in.AccountService
}

func NewAccountHandler(accounts in.AccountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// Register mounts the account routes behind auth.
func (h *AccountHandler) Register(router fiber.Router, auth fiber.Handler) {
	accounts := router.Group("/accounts", auth)
	accounts.Get("/", h.List)
	accounts.Get("/:id", h.Get)
	accounts.Post("/:id/subscription", h.SetupSubscription)
	accounts.Post("/:id/sync", h.SyncNow)
	accounts.Post("/:id/disconnect", h.Disconnect)
}

func (h *AccountHandler) List(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	accounts, err := h.accounts.ListAccounts(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return response.List(c, accounts, len(accounts))
}

func (h *AccountHandler) Get(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	account, err := h.accounts.GetAccount(c.UserContext(), userID, c.Params("id"))
	if err != nil {
		return err
	}
	return response.OK(c, account)
}

// SetupSubscription registers or renews the push subscription.
func (h *AccountHandler) SetupSubscription(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	accountID := c.Params("id")
	sub, err := h.accounts.SetupSubscription(c.UserContext(), userID, accountID)
	if err != nil {
		return translateProviderError(accountID, err)
	}
	return response.OK(c, sub)
}

// SyncNow runs an incremental sync in the request.
func (h *AccountHandler) SyncNow(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	accountID := c.Params("id")
	res, err := h.accounts.SyncNow(c.UserContext(), userID, accountID)
	if err != nil {
		return translateProviderError(accountID, err)
	}
	return response.OK(c, res)
}

func (h *AccountHandler) Disconnect(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	if err := h.accounts.Disconnect(c.UserContext(), userID, c.Params("id")); err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"disconnected": true})
}
