package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Runner periodically reconciles all payers' escrow totals.
type Runner struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewRunner creates a new reconciliation runner.
func NewRunner(service *Service, logger *slog.Logger) *Runner {
	return &Runner{
		service:  service,
		interval: 15 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the reconcile interval.
func (r *Runner) WithInterval(d time.Duration) *Runner {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Running reports whether the reconcile loop is actively running.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReconcile(ctx)
		}
	}
}

// Stop signals the runner to stop.
func (r *Runner) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Runner) safeReconcile(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in escrow reconciler", "panic", fmt.Sprint(rec))
		}
	}()

	reports, err := r.service.ReconcileAll(ctx, 500)
	if err != nil {
		r.logger.Warn("escrow reconciliation pass failed", "error", err)
		return
	}

	corrected := 0
	for _, rep := range reports {
		if rep.Corrected {
			corrected++
		}
	}
	if corrected > 0 {
		r.logger.Info("escrow reconciliation pass corrected drift",
			"payers", len(reports), "corrected", corrected)
	}
}
