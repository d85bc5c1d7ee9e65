package http

import (
	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// ThreadHandler gives read access to the threads of the caller's team.
type ThreadHandler struct {
	threads in.ThreadQueryService
}

func NewThreadHandler(threads in.ThreadQueryService) *ThreadHandler {
	return &ThreadHandler{threads: threads}
}

func (h *ThreadHandler) Register(router fiber.Router, auth fiber.Handler) {
	threads := router.Group("/threads", auth)
	threads.Get("/", h.List)
	threads.Get("/:id/messages", h.Messages)
}

func (h *ThreadHandler) List(c *fiber.Ctx) error {
	if _, err := GetUserID(c); err != nil {
		return err
	}
	threads, err := h.threads.ListThreads(c.UserContext(), GetTeamID(c), domain.PageRequest{PageSize: c.QueryInt("limit")})
	if err != nil {
		return err
	}
	return response.List(c, threads, len(threads))
}

func (h *ThreadHandler) Messages(c *fiber.Ctx) error {
	if _, err := GetUserID(c); err != nil {
		return err
	}
	msgs, err := h.threads.ListThreadMessages(c.UserContext(), GetTeamID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return response.List(c, msgs, len(msgs))
}
