package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/ingestion"
	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/internal/trigger"
	"github.com/order-intake/backend/pkg/logger"
)

type RecordHandler struct {
	processor *ingestion.Processor
}

func NewRecordHandler(processor *ingestion.Processor) *RecordHandler {
	return &RecordHandler{
		processor: processor,
	}
}

type recordRequest struct {
	SessionID          string            `json:"session_id"`
	RecordID           string            `json:"record_id"`
	Kind               models.RecordKind `json:"kind"`
	ParentRecordID     string            `json:"parent_record_id"`
	DeclaredChildCount int               `json:"declared_child_count"`
	Subject            string            `json:"subject"`
	Body               string            `json:"body"`
	FileName           string            `json:"file_name"`
	ExtractedText      string            `json:"extracted_text"`
	DerivedSummary     string            `json:"derived_summary"`
}

func (r recordRequest) record() models.Record {
	return models.Record{
		SessionID:          r.SessionID,
		RecordID:           r.RecordID,
		Kind:               r.Kind,
		ParentRecordID:     r.ParentRecordID,
		DeclaredChildCount: r.DeclaredChildCount,
		Subject:            r.Subject,
		Body:               r.Body,
		FileName:           r.FileName,
		ExtractedText:      r.ExtractedText,
		DerivedSummary:     r.DerivedSummary,
	}
}

// PutRecord inserts or enriches one record and fires its trigger.
func (h *RecordHandler) PutRecord(c *fiber.Ctx) error {
	var req recordRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	stored, mutation, err := h.processor.Enrich(c.Context(), req.record())
	if err != nil {
		logger.Error("Failed to store record",
			zap.String("session_id", req.SessionID),
			zap.String("record_id", req.RecordID),
			zap.Error(err),
		)
		return errorJSON(c, err, "Failed to store record")
	}

	status := fiber.StatusOK
	if mutation == trigger.MutationEmailInserted || mutation == trigger.MutationDocumentInserted {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(fiber.Map{
		"record":   stored,
		"mutation": mutation,
	})
}

// IngestEmail accepts a raw RFC 822 message for the session in the path.
func (h *RecordHandler) IngestEmail(c *fiber.Ctx) error {
	sessionID := c.Params("session")

	body := c.Body()
	if len(body) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message body is required",
		})
	}

	// fasthttp reuses the body buffer after the handler returns.
	raw := append([]byte(nil), body...)

	result, err := h.processor.IngestEmail(c.Context(), sessionID, raw)
	if err != nil {
		logger.Error("Failed to ingest email", zap.String("session_id", sessionID), zap.Error(err))
		return errorJSON(c, err, "Failed to ingest email")
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}
