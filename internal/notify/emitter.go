package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gigstack/paycore/internal/escrow"
	"github.com/gigstack/paycore/internal/idgen"
	"github.com/gigstack/paycore/internal/payments"
	"github.com/gigstack/paycore/internal/payouts"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across
// subsystems. All methods are fire-and-forget: errors are logged but
// never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(userID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		notifyEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("notification emit failed", "event", eventType, "user", userID, "error", err)
	}
}

// PaymentConfirmed emits a payment.confirmed event to the payer.
func (e *Emitter) PaymentConfirmed(ctx context.Context, p *payments.Payment) {
	e.emit(p.PayerID, EventPaymentConfirmed, map[string]interface{}{
		"paymentId":  p.ID,
		"projectRef": p.ProjectRef,
		"payerTotal": p.PayerTotal,
		"grossBase":  p.GrossBase,
	})
}

// MilestoneReleased emits a milestone.released event to the earner.
func (e *Emitter) MilestoneReleased(ctx context.Context, r *escrow.Release) {
	e.emit(r.EarnerID, EventMilestoneReleased, map[string]interface{}{
		"releaseId":   r.ID,
		"projectRef":  r.ProjectRef,
		"grossAmount": r.GrossAmount,
		"netAmount":   r.NetAmount,
	})
}

// PayoutPaid emits a payout.paid event.
func (e *Emitter) PayoutPaid(ctx context.Context, p *payouts.Payout) {
	e.emit(p.UserID, EventPayoutPaid, map[string]interface{}{
		"payoutId": p.ID,
		"amount":   p.Amount,
		"currency": p.Currency,
	})
}

// PayoutFailed emits a payout.failed event.
func (e *Emitter) PayoutFailed(ctx context.Context, p *payouts.Payout) {
	e.emit(p.UserID, EventPayoutFailed, map[string]interface{}{
		"payoutId":      p.ID,
		"amount":        p.Amount,
		"currency":      p.Currency,
		"status":        string(p.Status),
		"failureReason": p.FailureReason,
	})
}

// Compile-time assertions: the emitter satisfies every subsystem's
// notification interface.
var (
	_ payments.Notifier = (*Emitter)(nil)
	_ escrow.Notifier   = (*Emitter)(nil)
	_ payouts.Notifier  = (*Emitter)(nil)
)
