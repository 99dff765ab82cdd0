package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/aggregator"
	"github.com/order-intake/backend/internal/storage"
	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/pkg/logger"
)

type SessionHandler struct {
	store      storage.Store
	aggregator *aggregator.Aggregator
}

func NewSessionHandler(store storage.Store, agg *aggregator.Aggregator) *SessionHandler {
	return &SessionHandler{
		store:      store,
		aggregator: agg,
	}
}

// GetSession returns the session's records with the detector's current
// verdict, and the order when one exists.
func (h *SessionHandler) GetSession(c *fiber.Ctx) error {
	sessionID := c.Params("session")

	records, err := h.store.QueryRecords(c.Context(), sessionID)
	if err != nil {
		logger.Error("Failed to query records", zap.String("session_id", sessionID), zap.Error(err))
		return errorJSON(c, err, "Failed to load session")
	}
	if len(records) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session has no records",
		})
	}

	resp := fiber.Map{
		"session_id": sessionID,
		"records":    records,
		"verdict":    h.aggregator.Detector().Evaluate(records),
	}

	order, err := h.store.GetOrder(c.Context(), sessionID)
	switch {
	case err == nil:
		resp["order"] = order
	case !errors.Is(err, models.ErrNotFound):
		logger.Error("Failed to load order", zap.String("session_id", sessionID), zap.Error(err))
		return errorJSON(c, err, "Failed to load session")
	}

	return c.JSON(resp)
}

// Finalize runs one finalization attempt outside the trigger path.
func (h *SessionHandler) Finalize(c *fiber.Ctx) error {
	result := h.aggregator.TryFinalizeSession(c.Context(), c.Params("session"))

	switch result.Outcome {
	case aggregator.OutcomeCreated:
		return c.Status(fiber.StatusCreated).JSON(result)
	case aggregator.OutcomeAlreadyExists:
		return c.JSON(result)
	case aggregator.OutcomeNotReady:
		return c.Status(fiber.StatusConflict).JSON(result)
	default:
		return c.Status(statusFor(result.Err)).JSON(result)
	}
}

func (h *SessionHandler) GetOrder(c *fiber.Ctx) error {
	sessionID := c.Params("session")

	order, err := h.store.GetOrder(c.Context(), sessionID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.Error("Failed to load order", zap.String("session_id", sessionID), zap.Error(err))
		}
		return errorJSON(c, err, "Failed to load order")
	}

	return c.JSON(order)
}

func (h *SessionHandler) ListChanges(c *fiber.Ctx) error {
	sessionID := c.Params("session")

	reports, err := h.store.ListChangeReports(c.Context(), sessionID)
	if err != nil {
		logger.Error("Failed to list change reports", zap.String("session_id", sessionID), zap.Error(err))
		return errorJSON(c, err, "Failed to list change reports")
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"changes":    reports,
	})
}
