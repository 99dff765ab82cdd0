package handlers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/trigger"
	"github.com/order-intake/backend/pkg/logger"
)

type TriggerHandler struct {
	handler *trigger.Handler
}

func NewTriggerHandler(handler *trigger.Handler) *TriggerHandler {
	return &TriggerHandler{
		handler: handler,
	}
}

// HandleBatch processes a JSON array of mutation envelopes synchronously.
// Items listed under "failed" should be redelivered by the caller.
func (h *TriggerHandler) HandleBatch(c *fiber.Ctx) error {
	var items []json.RawMessage
	if err := json.Unmarshal(c.Body(), &items); err != nil {
		logger.Error("Failed to parse trigger batch", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Body must be a JSON array of trigger envelopes",
		})
	}

	batch := make([][]byte, len(items))
	for i, item := range items {
		batch[i] = item
	}

	result := h.handler.HandleBatch(c.Context(), batch)

	status := fiber.StatusOK
	if len(result.Failed) > 0 {
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(result)
}
