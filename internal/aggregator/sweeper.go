package aggregator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/order-intake/backend/pkg/logger"
)

type StaleLister interface {
	ListStaleSessions(ctx context.Context, before time.Time, after string, limit int) ([]string, error)
}

// Sweeper re-runs finalization for sessions that have gone quiet without an
// order, so a session admitted by the staleness override finalizes even when
// no further trigger arrives.
type Sweeper struct {
	agg        *Aggregator
	lister     StaleLister
	staleAfter time.Duration
	interval   time.Duration
	batchSize  int
	announce   func(ctx context.Context, sessionID string) error
}

func NewSweeper(agg *Aggregator, lister StaleLister, staleAfter, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		agg:        agg,
		lister:     lister,
		staleAfter: staleAfter,
		interval:   interval,
		batchSize:  100,
	}
}

// SetAnnouncer installs a hook called for every order a sweep creates, so
// swept orders reach change analysis like triggered ones.
func (s *Sweeper) SetAnnouncer(fn func(ctx context.Context, sessionID string) error) {
	s.announce = fn
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	logger.Info("Stale session sweeper started",
		zap.Duration("stale_after", s.staleAfter),
		zap.Duration("interval", s.interval),
	)

	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stale session sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	created, err := s.SweepOnce(ctx)
	if err != nil {
		logger.Warn("Stale session sweep failed", zap.Error(err))
		return
	}
	if created > 0 {
		logger.Info("Stale session sweep finalized orders", zap.Int("created", created))
	}
}

// SweepOnce pages through every stale session once, batchSize at a time, and
// returns how many orders it created. Sessions that stay incomplete do not
// hide the ones after them.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}

	before := s.agg.now().Add(-s.staleAfter)
	created := 0
	after := ""

	for {
		sessions, err := s.lister.ListStaleSessions(ctx, before, after, s.batchSize)
		if err != nil {
			return created, err
		}

		for _, sessionID := range sessions {
			if ctx.Err() != nil {
				return created, ctx.Err()
			}
			if s.agg.TryFinalizeSession(ctx, sessionID).Outcome != OutcomeCreated {
				continue
			}
			created++
			if s.announce == nil {
				continue
			}
			if err := s.announce(ctx, sessionID); err != nil {
				logger.Warn("Failed to announce swept order",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
		}

		if len(sessions) < s.batchSize {
			return created, nil
		}
		after = sessions[len(sessions)-1]
	}
}
