// Package events fans finalization and change-analysis decisions out to
// live subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/metrics"
	"github.com/order-intake/backend/pkg/logger"
)

type DecisionType string

const (
	DecisionFinalize     DecisionType = "finalize"
	DecisionChangeReport DecisionType = "change_report"
	DecisionIngest       DecisionType = "ingest"
)

type Decision struct {
	Type      DecisionType `json:"type"`
	SessionID string       `json:"session_id"`
	RecordID  string       `json:"record_id,omitempty"`
	Outcome   string       `json:"outcome"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

// Publisher is what producers of decisions depend on.
type Publisher interface {
	Publish(d Decision)
}

type Subscriber struct {
	ID uuid.UUID
	// SessionID limits delivery to one session; empty receives everything.
	SessionID string
	Outbound  chan Decision
}

type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	buffer      int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		buffer:      buffer,
	}
}

func (h *Hub) Subscribe(sessionID string) *Subscriber {
	s := &Subscriber{
		ID:        uuid.New(),
		SessionID: sessionID,
		Outbound:  make(chan Decision, h.buffer),
	}

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	n := len(h.subscribers)
	h.mu.Unlock()

	metrics.DecisionSubscribers.Set(float64(n))
	logger.Debug("Decision subscriber added", zap.String("subscriber_id", s.ID.String()), zap.String("session_id", sessionID))
	return s
}

// Unsubscribe removes s and closes its Outbound channel. Safe to call twice.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, s)
	close(s.Outbound)
	n := len(h.subscribers)
	h.mu.Unlock()

	metrics.DecisionSubscribers.Set(float64(n))
	logger.Debug("Decision subscriber removed", zap.String("subscriber_id", s.ID.String()))
}

// Publish never blocks: a subscriber whose buffer is full misses the decision.
func (h *Hub) Publish(d Decision) {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subscribers {
		if s.SessionID != "" && s.SessionID != d.SessionID {
			continue
		}
		select {
		case s.Outbound <- d:
		default:
			logger.Warn("Dropping decision; subscriber buffer full",
				zap.String("subscriber_id", s.ID.String()),
				zap.String("session_id", d.SessionID),
			)
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
