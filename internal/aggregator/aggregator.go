// Package aggregator turns a complete session into exactly one order.
//
// Every trigger for a session calls TryFinalizeSession, concurrently and
// possibly more than once. Readiness is re-derived from the store on each
// call, and the store's conditional create is the only synchronisation: the
// caller that wins it reports created, every other caller already_exists.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/events"
	"github.com/order-intake/backend/internal/llm"
	"github.com/order-intake/backend/internal/metrics"
	"github.com/order-intake/backend/internal/session"
	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/pkg/logger"
	"github.com/order-intake/backend/pkg/utils"
)

type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeNotReady      Outcome = "not_ready"
	OutcomeFailed        Outcome = "failed"
)

// ErrNoContent is reported when a complete session compiles to nothing.
var ErrNoContent = errors.New("no content")

type Result struct {
	Outcome Outcome       `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Err     error         `json:"-"`
	Order   *models.Order `json:"order,omitempty"`
}

type Store interface {
	GetOrder(ctx context.Context, sessionID string) (*models.Order, error)
	QueryRecords(ctx context.Context, sessionID string) ([]models.Record, error)
	CreateOrder(ctx context.Context, order *models.Order) (bool, error)
}

type Extractor interface {
	Extract(ctx context.Context, document, schemaPrompt string) (json.RawMessage, error)
}

type Cache interface {
	GetExtraction(ctx context.Context, contentHash string) (json.RawMessage, bool, error)
	SetExtraction(ctx context.Context, contentHash string, data json.RawMessage) error
}

type Aggregator struct {
	store        Store
	extractor    Extractor
	cache        Cache
	detector     session.Detector
	publisher    events.Publisher
	schemaPrompt string
	timeout      time.Duration
	now          func() time.Time
}

type Option func(*Aggregator)

func WithCache(c Cache) Option {
	return func(a *Aggregator) { a.cache = c }
}

func WithDetector(d session.Detector) Option {
	return func(a *Aggregator) { a.detector = d }
}

func WithPublisher(p events.Publisher) Option {
	return func(a *Aggregator) { a.publisher = p }
}

func WithSchemaPrompt(prompt string) Option {
	return func(a *Aggregator) { a.schemaPrompt = prompt }
}

// WithTimeout bounds each TryFinalizeSession call; zero leaves only the
// caller's deadline.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(store Store, extractor Extractor, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:        store,
		extractor:    extractor,
		schemaPrompt: llm.OrderExtractionPrompt,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.detector.Now == nil {
		a.detector.Now = a.now
	}
	return a
}

func (a *Aggregator) Detector() session.Detector {
	return a.detector
}

func (a *Aggregator) TryFinalizeSession(ctx context.Context, sessionID string) Result {
	start := time.Now()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	result := a.finalize(ctx, sessionID)

	metrics.FinalizeTotal.WithLabelValues(string(result.Outcome)).Inc()
	metrics.FinalizeDuration.WithLabelValues(string(result.Outcome)).Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("duration", time.Since(start)),
	}
	if result.Reason != "" {
		fields = append(fields, zap.String("reason", result.Reason))
	}

	switch result.Outcome {
	case OutcomeFailed:
		logger.Error("Session finalization failed", append(fields, zap.Error(result.Err))...)
	case OutcomeCreated:
		logger.Info("Order created", append(fields, zap.String("external_id", result.Order.ExternalID))...)
	default:
		logger.Debug("Session not finalized", fields...)
	}

	if a.publisher != nil {
		a.publisher.Publish(events.Decision{
			Type:      events.DecisionFinalize,
			SessionID: sessionID,
			Outcome:   string(result.Outcome),
			Reason:    result.Reason,
			At:        a.now().UTC(),
		})
	}

	return result
}

func (a *Aggregator) finalize(ctx context.Context, sessionID string) Result {
	// Fast path only; the conditional create below decides races.
	existing, err := a.store.GetOrder(ctx, sessionID)
	switch {
	case err == nil:
		return Result{Outcome: OutcomeAlreadyExists, Order: existing}
	case !errors.Is(err, models.ErrNotFound):
		return failed(storeFailure("get order", err))
	}

	records, err := a.store.QueryRecords(ctx, sessionID)
	if err != nil {
		return failed(storeFailure("query records", err))
	}

	verdict := a.detector.Evaluate(records)
	if !verdict.Complete {
		return Result{Outcome: OutcomeNotReady, Reason: verdict.Reason}
	}
	if verdict.Stale {
		logger.Warn("Finalizing stale session short of declared attachments",
			zap.String("session_id", sessionID),
			zap.String("reason", verdict.Reason),
		)
	}

	document := session.Compile(records)
	if document == "" {
		return failed(ErrNoContent)
	}
	contentHash := utils.HashString(document)

	data, err := a.extract(ctx, document, contentHash)
	if err != nil {
		return failed(err)
	}

	order := &models.Order{
		SessionID:     sessionID,
		ExternalID:    ExternalID(data),
		Status:        models.OrderStatusCompleted,
		ExtractedData: data,
		ContentHash:   contentHash,
		RecordCount:   len(records),
		Stale:         verdict.Stale,
		CreatedAt:     a.now().UTC(),
	}

	created, err := a.store.CreateOrder(ctx, order)
	if err != nil {
		return failed(storeFailure("create order", err))
	}
	if !created {
		return Result{Outcome: OutcomeAlreadyExists, Reason: "lost conditional create"}
	}

	return Result{Outcome: OutcomeCreated, Order: order}
}

func (a *Aggregator) extract(ctx context.Context, document, contentHash string) (json.RawMessage, error) {
	if a.cache != nil {
		data, ok, err := a.cache.GetExtraction(ctx, contentHash)
		switch {
		case err != nil:
			metrics.ExtractionCache.WithLabelValues("error").Inc()
			logger.Warn("Extraction cache lookup failed", zap.String("content_hash", contentHash), zap.Error(err))
		case ok:
			metrics.ExtractionCache.WithLabelValues("hit").Inc()
			return data, nil
		default:
			metrics.ExtractionCache.WithLabelValues("miss").Inc()
		}
	}

	data, err := a.extractor.Extract(ctx, document, a.schemaPrompt)
	if err != nil {
		metrics.ExtractionTotal.WithLabelValues("failure").Inc()
		if !errors.Is(err, llm.ErrExtractionFailure) {
			err = fmt.Errorf("%w: %w", llm.ErrExtractionFailure, err)
		}
		return nil, err
	}
	metrics.ExtractionTotal.WithLabelValues("success").Inc()

	if a.cache != nil {
		if err := a.cache.SetExtraction(ctx, contentHash, data); err != nil {
			logger.Warn("Failed to cache extraction", zap.String("content_hash", contentHash), zap.Error(err))
		}
	}

	return data, nil
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Reason: err.Error(), Err: err}
}

func storeFailure(op string, err error) error {
	if errors.Is(err, models.ErrStoreFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", models.ErrStoreFailure, op, err)
}

var externalIDKeys = []string{"order_number", "po_number", "purchase_order_number", "order_id", "external_id"}

// ExternalID returns the order reference from extracted data, or "" when
// none of the usual keys holds a string or number.
func ExternalID(data json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}

	for _, key := range externalIDKeys {
		switch v := fields[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
