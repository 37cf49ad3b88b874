package response

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/vidshift/api/internal/apperr"
)

// Error codes that have no apperr equivalent
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeRateLimited  = "RATE_LIMITED"
	CodeServiceError = "SERVICE_ERROR"
	CodeTooLarge     = "PAYLOAD_TOO_LARGE"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// FromError writes err as an envelope, choosing status and code from its
// apperr classification. Validation errors carry their field list.
func FromError(c *fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)

	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		return Error(c, fiber.StatusBadRequest, string(code), "invalid parameters", ve.Fields)
	}
	if code == apperr.CodeInternal {
		return Error(c, fiber.StatusInternalServerError, string(code), "internal error", nil)
	}
	return Error(c, apperr.HTTPStatus(err), string(code), message(err), nil)
}

func message(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, string(apperr.CodeValidation), message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func TooLarge(c *fiber.Ctx, limit int64) error {
	return Error(c, fiber.StatusRequestEntityTooLarge, CodeTooLarge, "Upload exceeds the size limit", fiber.Map{"limit_bytes": limit})
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
