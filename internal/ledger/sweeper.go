package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gigstack/paycore/internal/metrics"
)

// Sweeper periodically promotes matured payout holds into users'
// payout-eligible balances. The underlying store operation is
// idempotent, so overlapping schedules and concurrent manual sweeps
// are harmless.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new hold maturity sweeper.
func NewSweeper(store Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in hold sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweepMatured(ctx)
}

func (s *Sweeper) sweepMatured(ctx context.Context) {
	now := time.Now()

	users, err := s.store.ListUsersWithMaturedHolds(ctx, now, 100)
	if err != nil {
		s.logger.Warn("failed to list users with matured holds", "error", err)
		return
	}

	for _, userID := range users {
		result, err := s.store.SweepMaturedHolds(ctx, userID, now)
		if err != nil {
			s.logger.Warn("failed to sweep matured holds",
				"userId", userID,
				"error", err,
			)
			continue
		}
		if result.Matured > 0 {
			metrics.HoldsSweptTotal.Add(float64(result.Matured))
			s.logger.Info("swept matured holds",
				"userId", userID,
				"swept", result.Swept,
				"holds", result.Matured,
			)
		}
	}
}
