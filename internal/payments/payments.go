// Package payments tracks inbound payment captures for projects.
//
// A Payment is created when a payer starts a capture and carries the
// fee numbers resolved at that moment — buyer fee, processor fee, payer
// total, earner net. Later fee-config changes never alter a recorded
// Payment. The only mutation after creation is the status transition
// driven by the inbound confirmation path, guarded so escrow is
// credited at most once per payment.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gigstack/paycore/internal/fees"
	"github.com/gigstack/paycore/internal/idgen"
)

var (
	ErrPaymentNotFound = errors.New("payments: payment not found")
	ErrNotPending      = errors.New("payments: payment is not pending")
)

// Status represents the state of a payment capture.
type Status string

const (
	StatusPending Status = "pending" // intent created, awaiting processor confirmation
	StatusPaid    Status = "paid"    // confirmed, escrow credited
	StatusFailed  Status = "failed"  // capture failed, no funds moved
)

// Payment is one inbound capture event for a project.
type Payment struct {
	ID            string     `json:"id"`
	ProjectRef    string     `json:"projectRef"`
	PayerID       string     `json:"payerId"`
	GrossBase     string     `json:"grossBase"`
	ProcessorFee  string     `json:"processorFee"`
	PayerTotal    string     `json:"payerTotal"`
	EarnerNet     string     `json:"earnerNet"`
	FeeConfigID   string     `json:"feeConfigId"`
	Status        Status     `json:"status"`
	ExternalTxnID string     `json:"externalTxnId,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists payment records. Payments are never deleted.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)

	// LatestPaidByProject returns the most recently confirmed payment
	// for a project, or ErrPaymentNotFound.
	LatestPaidByProject(ctx context.Context, projectRef string) (*Payment, error)

	// LatestByProject returns the most recent payment for a project in
	// any status, or ErrPaymentNotFound.
	LatestByProject(ctx context.Context, projectRef string) (*Payment, error)

	// MarkPaid performs the guarded pending→paid transition. Returns
	// (false, nil) when the payment is already paid — the caller must
	// treat that as a duplicate confirmation and do nothing further.
	MarkPaid(ctx context.Context, id, externalTxnID string, confirmedAt time.Time) (bool, error)

	// MarkFailed performs the guarded pending→failed transition.
	MarkFailed(ctx context.Context, id string) error

	ListByPayer(ctx context.Context, payerID string, limit int) ([]*Payment, error)

	// ListPaidByPayer returns all confirmed payments for a payer, used
	// by reconciliation.
	ListPaidByPayer(ctx context.Context, payerID string) ([]*Payment, error)

	// ListPayerIDs returns the distinct payers with at least one
	// confirmed payment, used by the reconciliation loop.
	ListPayerIDs(ctx context.Context, limit int) ([]string, error)
}

// EscrowCrediter abstracts the escrow credit so payments doesn't import
// the accounting service.
type EscrowCrediter interface {
	CreditEscrow(ctx context.Context, payerID, amount string) error
}

// Notifier receives fire-and-forget payment notifications.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, p *Payment)
}

// CreateIntentRequest contains the parameters for creating a payment.
type CreateIntentRequest struct {
	PayerID    string `json:"payerId" binding:"required"`
	ProjectRef string `json:"projectRef" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
}

// InboundConfirmation is the event delivered when the processor
// confirms (or fails) an inbound capture.
type InboundConfirmation struct {
	PaymentID     string `json:"paymentId" binding:"required"`
	ExternalTxnID string `json:"externalTxnId"`
	Status        string `json:"status" binding:"required"` // "paid" or "failed"
}

// Service implements payment capture business logic.
type Service struct {
	store    Store
	engine   *fees.Engine
	escrow   EscrowCrediter
	notifier Notifier
}

// NewService creates a new payments service.
func NewService(store Store, engine *fees.Engine, escrow EscrowCrediter) *Service {
	return &Service{store: store, engine: engine, escrow: escrow}
}

// WithNotifier adds a notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateIntent creates a pending payment with the fee numbers resolved
// from the currently active config. The resolved amounts are persisted;
// they are never re-derived later.
func (s *Service) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Payment, error) {
	breakdown, err := s.engine.Calculate(ctx, req.Amount)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p := &Payment{
		ID:           idgen.WithPrefix("pay_"),
		ProjectRef:   req.ProjectRef,
		PayerID:      req.PayerID,
		GrossBase:    breakdown.BaseAmount,
		ProcessorFee: breakdown.ProcessorFee,
		PayerTotal:   breakdown.PayerTotal,
		EarnerNet:    breakdown.EarnerNet,
		FeeConfigID:  breakdown.FeeConfigID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return p, nil
}

// ConfirmInbound applies a processor confirmation. The pending→paid
// transition is checked-and-set: a duplicate confirmation for an
// already-paid payment is a no-op and escrow is never credited twice.
func (s *Service) ConfirmInbound(ctx context.Context, ev InboundConfirmation) (*Payment, error) {
	p, err := s.store.Get(ctx, ev.PaymentID)
	if err != nil {
		return nil, err
	}

	if ev.Status == "failed" {
		if p.Status != StatusPending {
			return p, nil // already resolved
		}
		if err := s.store.MarkFailed(ctx, p.ID); err != nil {
			return nil, err
		}
		p.Status = StatusFailed
		return p, nil
	}

	applied, err := s.store.MarkPaid(ctx, p.ID, ev.ExternalTxnID, time.Now())
	if err != nil {
		return nil, err
	}
	if !applied {
		// Duplicate delivery. Escrow was credited on the first one.
		return s.store.Get(ctx, p.ID)
	}

	// The payer owes the full charged total; it sits in escrow until
	// milestones release it.
	if err := s.escrow.CreditEscrow(ctx, p.PayerID, p.PayerTotal); err != nil {
		return nil, fmt.Errorf("failed to credit escrow for payment %s: %w", p.ID, err)
	}

	confirmed, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.PaymentConfirmed(ctx, confirmed)
	}
	return confirmed, nil
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// ListByPayer returns a payer's payment history.
func (s *Service) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByPayer(ctx, payerID, limit)
}
