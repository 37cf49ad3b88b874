package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/config"
	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/internal/service"
	"github.com/vidshift/api/pkg/response"
)

const fileField = "file"

type EditHandler struct {
	service     *service.EditService
	syncDefault bool
	syncTimeout time.Duration
	maxUpload   int64
}

// NewEditHandler creates the edit routes. maxUpload bounds the request
// body in bytes; zero disables the check.
func NewEditHandler(svc *service.EditService, submitMode string, syncTimeout time.Duration, maxUpload int64) *EditHandler {
	return &EditHandler{
		service:     svc,
		syncDefault: submitMode == config.SubmitModeSync,
		syncTimeout: syncTimeout,
		maxUpload:   maxUpload,
	}
}

// Submit handles POST /edit_video/
func (h *EditHandler) Submit(c *fiber.Ctx) error {
	// Bodies are streamed, so the server's BodyLimit no longer rejects
	// them up front.
	if h.maxUpload > 0 {
		switch n := c.Request().Header.ContentLength(); {
		case n < 0:
			return response.Error(c, fiber.StatusLengthRequired, response.CodeServiceError, "Content-Length is required", nil)
		case int64(n) > h.maxUpload:
			return response.TooLarge(c, h.maxUpload)
		}
	}

	// File parts beyond a small in-memory threshold are spilled to disk.
	form, err := c.MultipartForm()
	if err != nil {
		return response.ValidationError(c, "Expected a multipart form", nil)
	}

	files := form.File[fileField]
	if len(files) == 0 {
		return response.ValidationError(c, "invalid parameters", []apperr.FieldError{{
			Field:   fileField,
			Kind:    apperr.KindMissingParameter,
			Message: "is required",
		}})
	}
	file := files[0]

	raw := make(map[string]string, len(form.Value))
	for k, v := range form.Value {
		if len(v) > 0 {
			raw[k] = v[0]
		}
	}

	f, err := file.Open()
	if err != nil {
		return response.FromError(c, err)
	}
	defer f.Close()

	job, err := h.service.Submit(c.UserContext(), raw, service.Upload{
		Filename:    file.Filename,
		ContentType: file.Header.Get(fiber.HeaderContentType),
		Body:        f,
	})
	if err != nil {
		return response.FromError(c, err)
	}

	if !h.syncRequested(c) {
		return response.Accepted(c, model.SubmitResponse{
			JobID:     job.ID,
			Status:    job.Status,
			CreatedAt: job.CreatedAt,
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.syncTimeout)
	defer cancel()
	job, err = h.service.Wait(ctx, job.ID)
	if err != nil {
		return response.FromError(c, err)
	}
	if err := service.Outcome(job); err != nil {
		return response.FromError(c, err)
	}
	return h.send(c, job.ID)
}

func (h *EditHandler) syncRequested(c *fiber.Ctx) bool {
	switch c.Query("mode") {
	case config.SubmitModeSync:
		return true
	case config.SubmitModeAsync:
		return false
	default:
		return h.syncDefault
	}
}

// Status handles GET /job/:id
func (h *EditHandler) Status(c *fiber.Ctx) error {
	job, err := h.service.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.NewJobStatusResponse(job))
}

// Download handles GET /job/:id/download
func (h *EditHandler) Download(c *fiber.Ctx) error {
	return h.send(c, c.Params("id"))
}

func (h *EditHandler) send(c *fiber.Ctx, id string) error {
	dl, err := h.service.Download(c.UserContext(), id)
	if err != nil {
		return response.FromError(c, err)
	}
	c.Attachment(dl.Filename)
	c.Set(fiber.HeaderContentType, dl.ContentType)
	// fasthttp closes the body once it has been written.
	return c.SendStream(dl.Body, int(dl.Size))
}

// Cancel handles POST /job/:id/cancel
func (h *EditHandler) Cancel(c *fiber.Ctx) error {
	job, err := h.service.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.CancelResponse{
		Success: true,
		JobID:   job.ID,
		Status:  job.Status,
	})
}
