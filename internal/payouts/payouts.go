// Package payouts implements the outbound transfer settlement state
// machine.
//
// Flow:
//  1. RequestTransfer sweeps matured holds, validates the amount and
//     creates a local pending payout, then asks the processor to move
//     the money. No balance is deducted yet.
//  2. The first in_transit webhook observation deducts the balance.
//     That is the point money is considered committed.
//  3. A paid webhook finalizes with no further balance change.
//  4. A failed/canceled/reversed webhook compensates: the in-transit
//     deduction is restored and the failure reason recorded.
//
// Webhooks may arrive zero, one or many times, in any order. Every
// transition is serialized per external transfer id and gated on the
// stored status; events for an already-paid payout are no-ops.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gigstack/paycore/internal/circuitbreaker"
	"github.com/gigstack/paycore/internal/idgen"
	"github.com/gigstack/paycore/internal/ledger"
	"github.com/gigstack/paycore/internal/money"
	"github.com/gigstack/paycore/internal/processor"
	"github.com/gigstack/paycore/internal/syncutil"
)

var (
	ErrPayoutNotFound   = errors.New("payouts: payout not found")
	ErrNoDestination    = errors.New("payouts: destination account required")
	ErrInvalidAmount    = errors.New("payouts: invalid amount")
	ErrNothingAvailable = errors.New("payouts: no available balance to transfer")
	ErrCircuitOpen      = errors.New("payouts: transfers temporarily suspended")
	// ErrUnknownTransfer is an integrity fault: a webhook referenced an
	// external transfer id we never created.
	ErrUnknownTransfer = errors.New("payouts: webhook for unknown transfer")
)

// breakerKey is the circuit breaker key for processor transfer calls.
const breakerKey = "processor_transfers"

// Status represents the state of a payout.
type Status string

const (
	StatusPending   Status = "pending"    // created locally, awaiting processor confirmation
	StatusInTransit Status = "in_transit" // processor confirmed, balance deducted
	StatusPaid      Status = "paid"       // terminal: money arrived
	StatusFailed    Status = "failed"     // terminal: compensated
	StatusCanceled  Status = "canceled"   // terminal: compensated
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusCanceled
}

// Payout is one outbound transfer attempt.
type Payout struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Amount        string     `json:"amount"` // whole cents, as a 6-decimal string
	AmountCents   int64      `json:"amountCents"`
	Currency      string     `json:"currency"`
	Destination   string     `json:"destination"`
	Status        Status     `json:"status"`
	ExternalID    string     `json:"externalId,omitempty"` // unique per processor transfer
	FailureReason string     `json:"failureReason,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists payouts. Transition methods are guarded: they apply
// only when the stored status is one of the allowed source states and
// report whether the write happened.
type Store interface {
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	GetByExternalID(ctx context.Context, externalID string) (*Payout, error)

	// AttachExternalID records the processor's transfer id on a pending
	// payout after a delayed creation succeeded.
	AttachExternalID(ctx context.Context, id, externalID string) error

	// MarkInTransit applies pending→in_transit.
	MarkInTransit(ctx context.Context, id string) (bool, error)

	// MarkPaid applies {pending,in_transit}→paid.
	MarkPaid(ctx context.Context, id string, completedAt time.Time) (bool, error)

	// MarkTerminalFailure applies {pending,in_transit}→failed/canceled
	// with the failure reason.
	MarkTerminalFailure(ctx context.Context, id string, to Status, reason string) (bool, error)

	ListByUser(ctx context.Context, userID string, limit int) ([]*Payout, error)

	// ListPendingBefore returns payouts still pending that were created
	// before the cutoff. Used by the pending-reconcile loop.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Payout, error)
}

// Notifier receives fire-and-forget payout notifications.
type Notifier interface {
	PayoutPaid(ctx context.Context, p *Payout)
	PayoutFailed(ctx context.Context, p *Payout)
}

// TransferRequest contains the parameters of a transfer command.
type TransferRequest struct {
	UserID      string
	Amount      string // optional: empty means full available balance
	Destination string
}

// Service implements the settlement state machine.
type Service struct {
	store    Store
	ledger   ledger.Store
	proc     processor.Client
	breaker  *circuitbreaker.Breaker
	notifier Notifier
	logger   *slog.Logger
	currency string

	// locks serializes webhook processing per external transfer id.
	locks syncutil.ShardedMutex
}

// NewService creates a new payout service.
func NewService(store Store, ledgerStore ledger.Store, proc processor.Client) *Service {
	return &Service{
		store:    store,
		ledger:   ledgerStore,
		proc:     proc,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		logger:   slog.Default(),
		currency: "usd",
	}
}

// WithNotifier adds a notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithBreaker overrides the processor circuit breaker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// RequestTransfer initiates an outbound transfer of the user's matured
// balance. The amount defaults to the full available balance and is
// truncated to whole cents for the processor. No balance is deducted
// here: deduction happens on the first in_transit confirmation.
func (s *Service) RequestTransfer(ctx context.Context, req TransferRequest) (*Payout, error) {
	if req.Destination == "" {
		return nil, ErrNoDestination
	}

	// Promote anything that matured since the last sweep.
	if _, err := s.ledger.SweepMaturedHolds(ctx, req.UserID, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sweep holds: %w", err)
	}

	bal, err := s.ledger.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	available, ok := money.Parse(bal.AvailableForPayout)
	if !ok {
		return nil, fmt.Errorf("payouts: malformed available balance for %s", req.UserID)
	}

	requested := available
	if req.Amount != "" {
		requested, ok = money.Parse(req.Amount)
		if !ok || requested.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		if requested.Cmp(available) > 0 {
			return nil, ledger.ErrInsufficientAvailable
		}
	}

	// The processor only moves whole cents; sub-cent residue stays
	// available.
	cents := money.ToCents(requested)
	if cents <= 0 {
		return nil, ErrNothingAvailable
	}

	if !s.breaker.Allow(breakerKey) {
		return nil, ErrCircuitOpen
	}

	now := time.Now()
	p := &Payout{
		ID:          idgen.WithPrefix("po_"),
		UserID:      req.UserID,
		Amount:      money.Format(money.FromCents(cents)),
		AmountCents: cents,
		Currency:    s.currency,
		Destination: req.Destination,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// The local row exists before the processor call. On timeout the
	// payout stays pending with no external id; the reconcile loop
	// re-creates with the same idempotency key, which cannot move money
	// twice.
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create payout: %w", err)
	}

	tr, err := s.proc.CreateTransfer(ctx, processor.CreateTransferRequest{
		AmountCents:    cents,
		Currency:       s.currency,
		Destination:    req.Destination,
		IdempotencyKey: p.ID,
		Description:    "payout " + p.ID,
	})
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		if errors.Is(err, processor.ErrUnavailable) {
			s.logger.Warn("processor unavailable, payout left pending for reconciliation",
				"payout_id", p.ID, "user_id", p.UserID, "error", err)
			return p, nil
		}
		// Definitive rejection: nothing was created, nothing to
		// compensate.
		if _, ferr := s.store.MarkTerminalFailure(ctx, p.ID, StatusFailed, err.Error()); ferr != nil {
			s.logger.Error("failed to mark rejected payout", "payout_id", p.ID, "error", ferr)
		}
		return nil, err
	}
	s.breaker.RecordSuccess(breakerKey)

	if err := s.store.AttachExternalID(ctx, p.ID, tr.ID); err != nil {
		return nil, fmt.Errorf("failed to attach transfer id: %w", err)
	}
	p.ExternalID = tr.ID

	s.logger.Info("transfer requested",
		"payout_id", p.ID, "user_id", p.UserID,
		"amount_cents", cents, "external_id", tr.ID)
	return p, nil
}

// HandleTransferEvent applies one processor webhook callback.
// Idempotent per external transfer id: duplicates and out-of-order
// deliveries resolve to the same final state as a single in-order
// delivery.
func (s *Service) HandleTransferEvent(ctx context.Context, ev *processor.WebhookEvent) error {
	if ev.TransferID == "" {
		return ErrUnknownTransfer
	}

	unlock := s.lock(ev.TransferID)
	defer unlock()

	p, err := s.store.GetByExternalID(ctx, ev.TransferID)
	if errors.Is(err, ErrPayoutNotFound) {
		s.logger.Error("integrity fault: webhook for unknown transfer",
			"external_id", ev.TransferID, "status", ev.Status)
		return ErrUnknownTransfer
	}
	if err != nil {
		return err
	}

	if p.Status.Terminal() {
		// Late or duplicate delivery after settlement.
		return nil
	}

	switch ev.Status {
	case processor.StatusPending:
		return nil
	case processor.StatusInTransit:
		return s.applyInTransit(ctx, p)
	case processor.StatusPaid:
		// Out-of-order paid before in_transit still owes the deduction.
		if p.Status == StatusPending {
			if err := s.applyInTransit(ctx, p); err != nil {
				return err
			}
		}
		return s.applyPaid(ctx, p)
	case processor.StatusFailed, processor.StatusCanceled:
		return s.applyTerminalFailure(ctx, p, Status(ev.Status), failureReason(ev))
	default:
		s.logger.Warn("ignoring webhook with unknown status",
			"external_id", ev.TransferID, "status", ev.Status)
		return nil
	}
}

// applyInTransit deducts the balance and marks the payout in transit.
// Caller holds the per-id lock and has checked the payout is pending.
func (s *Service) applyInTransit(ctx context.Context, p *Payout) error {
	if p.Status != StatusPending {
		return nil
	}

	if err := s.ledger.DebitForTransfer(ctx, p.UserID, p.Amount); err != nil {
		s.logger.Error("integrity fault: cannot deduct for in-transit transfer",
			"payout_id", p.ID, "user_id", p.UserID, "amount", p.Amount, "error", err)
		return err
	}

	applied, err := s.store.MarkInTransit(ctx, p.ID)
	if err != nil {
		return err
	}
	if !applied {
		// Someone else applied the transition; undo our deduction.
		if rerr := s.ledger.RestoreTransferDebit(ctx, p.UserID, p.Amount); rerr != nil {
			s.logger.Error("failed to undo duplicate in-transit deduction",
				"payout_id", p.ID, "error", rerr)
		}
		return nil
	}
	p.Status = StatusInTransit

	s.logger.Info("transfer in transit, balance deducted",
		"payout_id", p.ID, "user_id", p.UserID, "amount", p.Amount)
	return nil
}

func (s *Service) applyPaid(ctx context.Context, p *Payout) error {
	applied, err := s.store.MarkPaid(ctx, p.ID, time.Now())
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	p.Status = StatusPaid

	s.logger.Info("transfer paid", "payout_id", p.ID, "user_id", p.UserID)
	if s.notifier != nil {
		s.notifier.PayoutPaid(ctx, p)
	}
	return nil
}

// applyTerminalFailure records the failure and, when the in-transit
// deduction was applied, compensates by restoring both balance fields.
func (s *Service) applyTerminalFailure(ctx context.Context, p *Payout, to Status, reason string) error {
	deducted := p.Status == StatusInTransit

	applied, err := s.store.MarkTerminalFailure(ctx, p.ID, to, reason)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	p.Status = to
	p.FailureReason = reason

	if deducted {
		if err := s.ledger.RestoreTransferDebit(ctx, p.UserID, p.Amount); err != nil {
			s.logger.Error("integrity fault: compensation failed",
				"payout_id", p.ID, "user_id", p.UserID, "amount", p.Amount, "error", err)
			return err
		}
	}

	s.logger.Warn("transfer failed, balance restored",
		"payout_id", p.ID, "user_id", p.UserID,
		"status", to, "reason", reason, "compensated", deducted)
	if s.notifier != nil {
		s.notifier.PayoutFailed(ctx, p)
	}
	return nil
}

// Get returns a payout by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's payout history.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// lock acquires the per-transfer-id mutex and returns its unlock func.
func (s *Service) lock(externalID string) func() {
	return s.locks.Lock(externalID)
}

func failureReason(ev *processor.WebhookEvent) string {
	switch {
	case ev.FailureCode != "" && ev.FailureMessage != "":
		return ev.FailureCode + ": " + ev.FailureMessage
	case ev.FailureMessage != "":
		return ev.FailureMessage
	case ev.FailureCode != "":
		return ev.FailureCode
	default:
		return string(ev.Status)
	}
}
