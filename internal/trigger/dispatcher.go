package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/metrics"
	"github.com/order-intake/backend/pkg/logger"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

type EventHandler interface {
	Handle(ctx context.Context, event MutationEvent) error
}

type delivery struct {
	event   MutationEvent
	attempt int
}

// Dispatcher is an in-process at-least-once transport: events are handled by
// a fixed pool of workers in no particular order, and an event whose handler
// fails is delivered again after a delay, up to MaxAttempts times.
type Dispatcher struct {
	handler     EventHandler
	workers     int
	queue       chan delivery
	maxAttempts int
	retryDelay  time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(handler EventHandler, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		handler:     handler,
		workers:     workers,
		queue:       make(chan delivery, queueSize),
		maxAttempts: 5,
		retryDelay:  2 * time.Second,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runLoop(ctx, i)
	}

	logger.Info("Trigger dispatcher started", zap.Int("workers", d.workers), zap.Int("queue_size", cap(d.queue)))
}

// Publish enqueues event, waiting for queue space until ctx is done.
func (d *Dispatcher) Publish(ctx context.Context, event MutationEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- delivery{event: event, attempt: 1}:
		metrics.DispatcherQueueDepth.Set(float64(len(d.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new events, lets workers drain the queue and waits for them.
// Redeliveries scheduled after Stop are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	logger.Info("Trigger dispatcher stopped")
}

func (d *Dispatcher) runLoop(ctx context.Context, workerID int) {
	defer d.wg.Done()

	for item := range d.queue {
		metrics.DispatcherQueueDepth.Set(float64(len(d.queue)))

		err := d.handler.Handle(ctx, item.event)
		if err == nil {
			metrics.TriggerItems.WithLabelValues("processed").Inc()
			continue
		}

		metrics.TriggerItems.WithLabelValues("failed").Inc()
		if item.attempt >= d.maxAttempts {
			logger.Error("Trigger dropped after max attempts",
				zap.Int("worker_id", workerID),
				zap.String("session_id", item.event.SessionID),
				zap.String("mutation", string(item.event.Mutation)),
				zap.Int("attempts", item.attempt),
				zap.Error(err),
			)
			continue
		}

		logger.Warn("Trigger failed, scheduling redelivery",
			zap.Int("worker_id", workerID),
			zap.String("session_id", item.event.SessionID),
			zap.String("mutation", string(item.event.Mutation)),
			zap.Int("attempt", item.attempt),
			zap.Error(err),
		)
		d.redeliver(delivery{event: item.event, attempt: item.attempt + 1})
	}
}

func (d *Dispatcher) redeliver(item delivery) {
	delay := d.retryDelay * time.Duration(item.attempt-1)
	time.AfterFunc(delay, func() {
		d.mu.RLock()
		defer d.mu.RUnlock()

		if d.closed {
			logger.Warn("Dropping redelivery; dispatcher closed", zap.String("session_id", item.event.SessionID))
			return
		}

		select {
		case d.queue <- item:
		default:
			logger.Error("Dropping redelivery; queue full", zap.String("session_id", item.event.SessionID))
		}
	})
}
