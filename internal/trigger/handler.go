package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/order-intake/backend/internal/aggregator"
	"github.com/order-intake/backend/internal/metrics"
	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/pkg/logger"
)

type Finalizer interface {
	TryFinalizeSession(ctx context.Context, sessionID string) aggregator.Result
}

type ChangeHandler interface {
	HandleOrder(ctx context.Context, sessionID string) (models.ChangeReport, error)
	Analyzed(ctx context.Context, sessionID string) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, event MutationEvent) error
}

// publishTimeout bounds the order_created announcement so a worker of a
// full dispatcher cannot block on its own queue.
const publishTimeout = 5 * time.Second

type Handler struct {
	finalizer   Finalizer
	changes     ChangeHandler
	publisher   Publisher
	concurrency int
}

// NewHandler wires the handler. changes and publisher may be nil; without a
// publisher created orders are not announced as order_created triggers.
func NewHandler(finalizer Finalizer, changes ChangeHandler, publisher Publisher, concurrency int) *Handler {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Handler{
		finalizer:   finalizer,
		changes:     changes,
		publisher:   publisher,
		concurrency: concurrency,
	}
}

// SetPublisher installs the publisher after construction, for dispatchers
// that themselves need the handler.
func (h *Handler) SetPublisher(p Publisher) {
	h.publisher = p
}

// Handle processes one event. A non-nil error means the event was not
// processed and should be delivered again.
//
// An order is announced as order_created when this call creates it, and again
// on any later record event while its change log is still empty, so a lost
// announcement is recovered by the next delivery.
func (h *Handler) Handle(ctx context.Context, event MutationEvent) error {
	if event.Mutation.IsOrderMutation() {
		if h.changes == nil {
			return nil
		}
		if _, err := h.changes.HandleOrder(ctx, event.SessionID); err != nil {
			return fmt.Errorf("change analysis for %s: %w", event.SessionID, err)
		}
		return nil
	}

	result := h.finalizer.TryFinalizeSession(ctx, event.SessionID)

	switch result.Outcome {
	case aggregator.OutcomeFailed:
		if result.Err != nil {
			return result.Err
		}
		return errors.New(result.Reason)
	case aggregator.OutcomeCreated:
		return h.announce(ctx, event.SessionID)
	case aggregator.OutcomeAlreadyExists:
		if h.changes == nil || h.publisher == nil {
			return nil
		}
		analyzed, err := h.changes.Analyzed(ctx, event.SessionID)
		if err != nil {
			return fmt.Errorf("change log for %s: %w", event.SessionID, err)
		}
		if analyzed {
			return nil
		}
		logger.Info("Order has no change report yet, announcing again", zap.String("session_id", event.SessionID))
		return h.announce(ctx, event.SessionID)
	}

	return nil
}

func (h *Handler) announce(ctx context.Context, sessionID string) error {
	if h.publisher == nil {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	created := MutationEvent{SessionID: sessionID, Mutation: MutationOrderCreated}
	if err := h.publisher.Publish(pctx, created); err != nil {
		return fmt.Errorf("publish order_created for %s: %w", sessionID, err)
	}
	return nil
}

type ItemFailure struct {
	Index     int    `json:"index"`
	SessionID string `json:"session_id,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	Mutation  string `json:"mutation,omitempty"`
	Error     string `json:"error"`
}

// BatchResult separates items that must be redelivered (Failed) from items
// that never will succeed and were dropped (Skipped).
type BatchResult struct {
	Processed int           `json:"processed"`
	Skipped   []ItemFailure `json:"skipped"`
	Failed    []ItemFailure `json:"failed"`
}

// HandleBatch processes every item independently; a bad or failing item
// never affects its siblings.
func (h *Handler) HandleBatch(ctx context.Context, items [][]byte) BatchResult {
	result := BatchResult{
		Skipped: []ItemFailure{},
		Failed:  []ItemFailure{},
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(h.concurrency)

	for i := range items {
		i := i
		g.Go(func() error {
			event, err := DecodeEnvelope(items[i])
			if err != nil {
				logger.Warn("Skipping malformed trigger", zap.Int("index", i), zap.Error(err))
				metrics.TriggerItems.WithLabelValues("skipped").Inc()

				mu.Lock()
				result.Skipped = append(result.Skipped, ItemFailure{Index: i, Error: err.Error()})
				mu.Unlock()
				return nil
			}

			if err := h.Handle(ctx, event); err != nil {
				logger.Error("Trigger failed",
					zap.Int("index", i),
					zap.String("session_id", event.SessionID),
					zap.String("record_id", event.RecordID),
					zap.String("mutation", string(event.Mutation)),
					zap.Error(err),
				)
				metrics.TriggerItems.WithLabelValues("failed").Inc()

				mu.Lock()
				result.Failed = append(result.Failed, ItemFailure{
					Index:     i,
					SessionID: event.SessionID,
					RecordID:  event.RecordID,
					Mutation:  string(event.Mutation),
					Error:     err.Error(),
				})
				mu.Unlock()
				return nil
			}

			metrics.TriggerItems.WithLabelValues("processed").Inc()
			mu.Lock()
			result.Processed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Skipped, func(a, b int) bool { return result.Skipped[a].Index < result.Skipped[b].Index })
	sort.Slice(result.Failed, func(a, b int) bool { return result.Failed[a].Index < result.Failed[b].Index })

	logger.Info("Trigger batch handled",
		zap.Int("items", len(items)),
		zap.Int("processed", result.Processed),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("failed", len(result.Failed)),
	)

	return result
}
