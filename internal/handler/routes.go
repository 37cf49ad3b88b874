// Package handler exposes the edit service over HTTP.
package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/vidshift/api/pkg/response"
)

// Routes collects what Register mounts. Auth and SubmitLimit are optional.
type Routes struct {
	Edit   *EditHandler
	Health *HealthHandler
	Watch  *WatchHandler

	Auth        fiber.Handler
	SubmitLimit fiber.Handler
}

// Register mounts every route on app.
func Register(app *fiber.App, r Routes) {
	app.Get("/health", r.Health.Get)

	guarded := func(h ...fiber.Handler) []fiber.Handler {
		if r.Auth != nil {
			h = append([]fiber.Handler{r.Auth}, h...)
		}
		return h
	}

	submit := []fiber.Handler{r.Edit.Submit}
	if r.SubmitLimit != nil {
		submit = append([]fiber.Handler{r.SubmitLimit}, submit...)
	}
	app.Post("/edit_video/", guarded(submit...)...)

	job := app.Group("/job")
	job.Get("/:id", guarded(r.Edit.Status)...)
	job.Get("/:id/download", guarded(r.Edit.Download)...)
	job.Post("/:id/cancel", guarded(r.Edit.Cancel)...)

	if r.Watch != nil {
		app.Get("/ws/jobs/:id", guarded(r.Watch.Lookup, r.Watch.Serve())...)
	}
}

// ErrorHandler renders errors that escape handlers in the response
// envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return response.Error(c, fe.Code, response.CodeServiceError, fe.Message, nil)
	}
	return response.FromError(c, err)
}
