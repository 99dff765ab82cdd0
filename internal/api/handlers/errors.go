package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/order-intake/backend/internal/llm"
	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/internal/trigger"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrMalformedRecord):
		return fiber.StatusBadRequest
	case errors.Is(err, models.ErrKindMismatch):
		return fiber.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, trigger.ErrDispatcherClosed):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, llm.ErrExtractionFailure):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// errorJSON hides internal error text on 5xx responses.
func errorJSON(c *fiber.Ctx, err error, fallback string) error {
	status := statusFor(err)
	msg := fallback
	if status < fiber.StatusInternalServerError {
		msg = err.Error()
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}
