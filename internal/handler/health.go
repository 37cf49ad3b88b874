package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/pkg/response"
)

// Snapshotter returns the latest resource reading without blocking.
type Snapshotter interface {
	Snapshot() model.HealthSnapshot
}

type HealthHandler struct {
	monitor Snapshotter
}

func NewHealthHandler(m Snapshotter) *HealthHandler {
	return &HealthHandler{monitor: m}
}

// Get handles GET /health
func (h *HealthHandler) Get(c *fiber.Ctx) error {
	return response.OK(c, h.monitor.Snapshot())
}
