package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/internal/service"
	ws "github.com/vidshift/api/internal/websocket"
	"github.com/vidshift/api/pkg/response"
)

const jobLocal = "job"

// WatchHandler serves the per-job progress websocket.
type WatchHandler struct {
	service *service.EditService
	hub     *ws.Hub
}

func NewWatchHandler(svc *service.EditService, hub *ws.Hub) *WatchHandler {
	return &WatchHandler{service: svc, hub: hub}
}

// Lookup rejects plain HTTP and unknown jobs before the upgrade.
func (h *WatchHandler) Lookup(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	job, err := h.service.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	c.Locals(jobLocal, job)
	return c.Next()
}

// Serve handles GET /ws/jobs/:id
func (h *WatchHandler) Serve() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		job, ok := c.Locals(jobLocal).(model.Job)
		if !ok {
			return
		}
		h.hub.HandleConnection(c, job)
	})
}
