package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/metrics"
	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/internal/trigger"
	"github.com/order-intake/backend/pkg/logger"
	"github.com/order-intake/backend/pkg/utils"
)

type RecordStore interface {
	PutRecord(ctx context.Context, record models.Record) (models.Record, error)
	GetRecord(ctx context.Context, sessionID, recordID string) (*models.Record, error)
}

type TextExtractor interface {
	ExtractText(ctx context.Context, fileName string, data []byte) (string, error)
}

type Summarizer interface {
	SummarizeEmail(ctx context.Context, subject, body string) (string, error)
}

type Processor struct {
	records    RecordStore
	publisher  trigger.Publisher
	extractor  TextExtractor
	summarizer Summarizer
}

type Option func(*Processor)

func WithTextExtractor(e TextExtractor) Option {
	return func(p *Processor) { p.extractor = e }
}

func WithSummarizer(s Summarizer) Option {
	return func(p *Processor) { p.summarizer = s }
}

func NewProcessor(store RecordStore, publisher trigger.Publisher, opts ...Option) *Processor {
	p := &Processor{records: store, publisher: publisher}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type IngestResult struct {
	SessionID string             `json:"session_id"`
	Email     models.Record      `json:"email"`
	Documents []models.Record    `json:"documents"`
	Ignored   []string           `json:"ignored_attachments,omitempty"`
	Triggers  []trigger.Mutation `json:"triggers"`
}

// IngestEmail stores one raw RFC 822 message as an email record plus one
// document record per PDF attachment. Record ids are derived from the session
// and Message-ID, so re-delivering the same message enriches instead of
// duplicating.
func (p *Processor) IngestEmail(ctx context.Context, sessionID string, raw []byte) (*IngestResult, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: missing session_id", models.ErrMalformedRecord)
	}

	email, err := parseEmail(raw)
	if err != nil {
		return nil, err
	}

	key := email.MessageID
	if key == "" {
		key = utils.HashString(string(raw))
	}
	emailID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(sessionID+"/"+key)).String()

	var pdfs []attachment
	result := &IngestResult{SessionID: sessionID, Documents: []models.Record{}}
	for _, a := range email.Attachments {
		if a.isPDF() {
			pdfs = append(pdfs, a)
			continue
		}
		result.Ignored = append(result.Ignored, a.FileName)
	}

	emailRecord := models.Record{
		SessionID:          sessionID,
		RecordID:           emailID,
		Kind:               models.KindEmail,
		DeclaredChildCount: len(pdfs),
		Subject:            email.Subject,
		Body:               email.Body,
		DerivedSummary:     p.summarize(ctx, email),
	}

	stored, mutation, err := p.put(ctx, emailRecord)
	if err != nil {
		return nil, err
	}
	result.Email = stored
	result.Triggers = append(result.Triggers, mutation)

	for i, a := range pdfs {
		doc := models.Record{
			SessionID:      sessionID,
			RecordID:       fmt.Sprintf("%s-att-%d", emailID, i+1),
			Kind:           models.KindDocument,
			ParentRecordID: emailID,
			FileName:       a.FileName,
			ExtractedText:  p.extractText(ctx, a),
		}

		stored, mutation, err := p.put(ctx, doc)
		if err != nil {
			return result, err
		}
		result.Documents = append(result.Documents, stored)
		result.Triggers = append(result.Triggers, mutation)
	}

	logger.Info("Email ingested",
		zap.String("session_id", sessionID),
		zap.String("record_id", emailID),
		zap.Int("documents", len(result.Documents)),
		zap.Int("ignored_attachments", len(result.Ignored)),
	)

	return result, nil
}

// Enrich stores a record put, inserting or filling in fields, and publishes
// the mutation it represents.
func (p *Processor) Enrich(ctx context.Context, record models.Record) (models.Record, trigger.Mutation, error) {
	return p.put(ctx, record)
}

func (p *Processor) put(ctx context.Context, record models.Record) (models.Record, trigger.Mutation, error) {
	if err := record.Validate(); err != nil {
		return models.Record{}, "", err
	}

	_, err := p.records.GetRecord(ctx, record.SessionID, record.RecordID)
	created := errors.Is(err, models.ErrNotFound)
	if err != nil && !created {
		return models.Record{}, "", err
	}

	stored, err := p.records.PutRecord(ctx, record)
	if err != nil {
		return models.Record{}, "", err
	}
	metrics.RecordsIngested.WithLabelValues(string(stored.Kind)).Inc()

	mutation := trigger.MutationForRecord(stored, created)
	event := trigger.MutationEvent{
		SessionID: stored.SessionID,
		RecordID:  stored.RecordID,
		Mutation:  mutation,
	}
	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, event); err != nil {
			return stored, mutation, fmt.Errorf("publish %s for %s/%s: %w", mutation, stored.SessionID, stored.RecordID, err)
		}
	}

	return stored, mutation, nil
}

func (p *Processor) summarize(ctx context.Context, email *parsedEmail) string {
	if p.summarizer == nil || (email.Subject == "" && email.Body == "") {
		return ""
	}

	summary, err := p.summarizer.SummarizeEmail(ctx, email.Subject, email.Body)
	if err != nil {
		logger.Warn("Email summary unavailable, leaving it for a later enrichment",
			zap.String("subject", email.Subject),
			zap.Error(err),
		)
		return ""
	}
	return summary
}

func (p *Processor) extractText(ctx context.Context, a attachment) string {
	if p.extractor == nil {
		return ""
	}

	text, err := p.extractor.ExtractText(ctx, a.FileName, a.Data)
	if err != nil {
		logger.Warn("Attachment text extraction failed",
			zap.String("file_name", a.FileName),
			zap.Error(err),
		)
		return ""
	}
	return text
}
