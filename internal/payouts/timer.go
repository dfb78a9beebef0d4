package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gigstack/paycore/internal/processor"
	"github.com/gigstack/paycore/internal/retry"
)

// Reconciler resolves payouts stuck in pending past a grace window by
// asking the processor for the transfer's true state. It never blindly
// re-creates a transfer: creation retries reuse the payout's
// idempotency key, and everything else is resolved from a lookup.
type Reconciler struct {
	service  *Service
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReconciler creates a new pending-payout reconciler.
func NewReconciler(service *Service, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		service:  service,
		interval: time.Minute,
		grace:    2 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithSchedule overrides the poll interval and the pending grace window.
func (r *Reconciler) WithSchedule(interval, grace time.Duration) *Reconciler {
	if interval > 0 {
		r.interval = interval
	}
	if grace > 0 {
		r.grace = grace
	}
	return r
}

// Running reports whether the reconcile loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
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

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeReconcile(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in payout reconciler", "panic", fmt.Sprint(rec))
		}
	}()
	r.reconcilePending(ctx)
}

func (r *Reconciler) reconcilePending(ctx context.Context) {
	cutoff := time.Now().Add(-r.grace)

	stuck, err := r.service.store.ListPendingBefore(ctx, cutoff, 50)
	if err != nil {
		r.logger.Warn("failed to list stuck payouts", "error", err)
		return
	}

	for _, p := range stuck {
		if err := r.resolve(ctx, p); err != nil {
			r.logger.Warn("failed to reconcile stuck payout",
				"payout_id", p.ID,
				"external_id", p.ExternalID,
				"error", err,
			)
		}
	}
}

// resolve brings one stuck payout in line with the processor's state.
func (r *Reconciler) resolve(ctx context.Context, p *Payout) error {
	svc := r.service

	// Creation never completed: retry with the original idempotency
	// key, which returns the existing transfer if one was created.
	if p.ExternalID == "" {
		var tr *processor.Transfer
		err := retry.Do(ctx, 3, time.Second, func() error {
			var cerr error
			tr, cerr = svc.proc.CreateTransfer(ctx, processor.CreateTransferRequest{
				AmountCents:    p.AmountCents,
				Currency:       p.Currency,
				Destination:    p.Destination,
				IdempotencyKey: p.ID,
				Description:    "payout " + p.ID,
			})
			if cerr != nil && !errors.Is(cerr, processor.ErrUnavailable) {
				return retry.Permanent(cerr)
			}
			return cerr
		})
		if err != nil {
			if !errors.Is(err, processor.ErrUnavailable) {
				// Definitive rejection.
				_, ferr := svc.store.MarkTerminalFailure(ctx, p.ID, StatusFailed, err.Error())
				if ferr != nil {
					return ferr
				}
				r.logger.Warn("stuck payout rejected by processor",
					"payout_id", p.ID, "error", err)
				return nil
			}
			return err
		}

		if aerr := svc.store.AttachExternalID(ctx, p.ID, tr.ID); aerr != nil {
			return aerr
		}
		p.ExternalID = tr.ID
		r.logger.Info("recovered transfer id for stuck payout",
			"payout_id", p.ID, "external_id", tr.ID)
	}

	// Ask the processor for truth and replay it through the normal
	// event path, which is idempotent.
	tr, err := svc.proc.GetTransfer(ctx, p.ExternalID)
	if err != nil {
		return err
	}
	if tr.Status == processor.StatusPending {
		return nil // still settling, check again next tick
	}

	return svc.HandleTransferEvent(ctx, &processor.WebhookEvent{
		TransferID:     tr.ID,
		Status:         tr.Status,
		AmountCents:    tr.AmountCents,
		Currency:       tr.Currency,
		Destination:    tr.Destination,
		FailureCode:    tr.FailureCode,
		FailureMessage: tr.FailureMessage,
	})
}
