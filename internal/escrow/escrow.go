// Package escrow implements escrow accounting: inbound funds are held
// against the payer until milestone approvals release them to earners.
//
// Flow:
//  1. Confirmed payment → payer escrow credited with the charged total
//  2. Milestone approved → payer escrow debited by the milestone gross,
//     earner credited net of fees, payout hold opened
//  3. Every release leaves an immutable Release audit row
//
// The earner's net is derived from the project's recorded payment via
// the net factor, so a release always prices at the rates in force when
// the project was funded.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gigstack/paycore/internal/fees"
	"github.com/gigstack/paycore/internal/idgen"
	"github.com/gigstack/paycore/internal/ledger"
	"github.com/gigstack/paycore/internal/money"
	"github.com/gigstack/paycore/internal/payments"
)

var (
	ErrReleaseNotFound = errors.New("escrow: release not found")
	ErrSameUser        = errors.New("escrow: payer and earner must differ")
)

// DefaultHoldPeriod is the payout hold maturity window.
const DefaultHoldPeriod = 7 * 24 * time.Hour

// Release is the immutable audit record of one milestone release.
type Release struct {
	ID          string    `json:"id"`
	ProjectRef  string    `json:"projectRef"`
	PayerID     string    `json:"payerId"`
	EarnerID    string    `json:"earnerId"`
	GrossAmount string    `json:"grossAmount"`
	NetAmount   string    `json:"netAmount"`
	HoldID      string    `json:"holdId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ReleaseStore persists release audit rows. Rows are never mutated.
type ReleaseStore interface {
	Create(ctx context.Context, r *Release) error
	ListByEarner(ctx context.Context, earnerID string, limit int) ([]*Release, error)
	ListByProject(ctx context.Context, projectRef string) ([]*Release, error)

	// SumGrossByPayer returns, per project, the total gross released so
	// far for the payer's projects. Used by reconciliation.
	SumGrossByPayer(ctx context.Context, payerID string) (map[string]string, error)
}

// PaymentSource is the narrow payment lookup the release path needs.
type PaymentSource interface {
	LatestPaidByProject(ctx context.Context, projectRef string) (*payments.Payment, error)
	LatestByProject(ctx context.Context, projectRef string) (*payments.Payment, error)
}

// Notifier receives fire-and-forget release notifications.
type Notifier interface {
	MilestoneReleased(ctx context.Context, r *Release)
}

// ReleaseRequest contains the parameters of a milestone approval.
type ReleaseRequest struct {
	PayerID    string `json:"payerId" binding:"required"`
	EarnerID   string `json:"earnerId" binding:"required"`
	ProjectRef string `json:"projectRef" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
}

// Service implements escrow accounting on top of the ledger store.
type Service struct {
	ledger     ledger.Store
	releases   ReleaseStore
	payments   PaymentSource
	engine     *fees.Engine
	holdPeriod time.Duration
	notifier   Notifier
	logger     *slog.Logger
}

// NewService creates a new escrow service.
func NewService(ledgerStore ledger.Store, releases ReleaseStore, paymentSource PaymentSource, engine *fees.Engine) *Service {
	return &Service{
		ledger:     ledgerStore,
		releases:   releases,
		payments:   paymentSource,
		engine:     engine,
		holdPeriod: DefaultHoldPeriod,
		logger:     slog.Default(),
	}
}

// WithHoldPeriod overrides the payout hold maturity window.
func (s *Service) WithHoldPeriod(d time.Duration) *Service {
	if d > 0 {
		s.holdPeriod = d
	}
	return s
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

// CreditEscrow moves a confirmed payment's charged total into the
// payer's escrow. Called by the payments confirmation path, which
// guarantees at-most-once per payment.
func (s *Service) CreditEscrow(ctx context.Context, payerID, amount string) error {
	if _, err := ledger.ParseAmount(amount); err != nil {
		return err
	}
	return s.ledger.CreditEscrow(ctx, payerID, amount)
}

// ReleaseMilestone debits the payer's escrow by the milestone gross,
// credits the earner net of fees, and opens a payout hold. The hold
// matures one hold period after the project's payment was confirmed, so
// a milestone approved late against an old payment can mature
// immediately. The whole balance mutation is one atomic store
// operation; an escrow shortfall surfaces ErrEscrowShortfall with
// nothing applied.
func (s *Service) ReleaseMilestone(ctx context.Context, req ReleaseRequest) (*Release, error) {
	if req.PayerID == req.EarnerID {
		return nil, ErrSameUser
	}
	gross, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	net, confirmedAt, err := s.netForProject(ctx, req.ProjectRef, gross)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	anchor := confirmedAt
	if anchor.IsZero() {
		anchor = now
	}
	hold := &ledger.PayoutHold{
		ID:         idgen.WithPrefix("hold_"),
		UserID:     req.EarnerID,
		ProjectRef: req.ProjectRef,
		Amount:     money.Format(net),
		HoldUntil:  anchor.Add(s.holdPeriod),
		CreatedAt:  now,
	}

	if err := s.ledger.ReleaseMilestone(ctx, req.PayerID, req.EarnerID, money.Format(gross), money.Format(net), hold); err != nil {
		return nil, err
	}

	rel := &Release{
		ID:          idgen.WithPrefix("rel_"),
		ProjectRef:  req.ProjectRef,
		PayerID:     req.PayerID,
		EarnerID:    req.EarnerID,
		GrossAmount: money.Format(gross),
		NetAmount:   money.Format(net),
		HoldID:      hold.ID,
		CreatedAt:   now,
	}
	if err := s.releases.Create(ctx, rel); err != nil {
		// The balance mutation already committed; the audit row is
		// recoverable from the hold, so log loudly and keep going.
		s.logger.Error("failed to record release audit row",
			"release_id", rel.ID, "project_ref", rel.ProjectRef, "error", err)
	}

	s.logger.Info("milestone released",
		"project_ref", req.ProjectRef,
		"payer_id", req.PayerID,
		"earner_id", req.EarnerID,
		"gross", rel.GrossAmount,
		"net", rel.NetAmount,
		"hold_until", hold.HoldUntil)

	if s.notifier != nil {
		s.notifier.MilestoneReleased(ctx, rel)
	}
	return rel, nil
}

// netForProject computes the earner's net for a milestone amount and
// returns the project payment's confirmation time, which anchors the
// payout hold. The time is zero when the project has no confirmed
// payment.
//
// When the project has a confirmed payment, the net factor of that
// payment applies: net = amount * payment.earnerNet / payment.grossBase.
// Without one, the fee engine estimates, priced by the config active at
// the pending payment's capture time when a pending payment exists.
func (s *Service) netForProject(ctx context.Context, projectRef string, gross *big.Int) (*big.Int, time.Time, error) {
	p, err := s.payments.LatestPaidByProject(ctx, projectRef)
	if err == nil {
		earnerNet, ok1 := money.Parse(p.EarnerNet)
		grossBase, ok2 := money.Parse(p.GrossBase)
		if ok1 && ok2 && grossBase.Sign() > 0 {
			var confirmedAt time.Time
			if p.ConfirmedAt != nil {
				confirmedAt = *p.ConfirmedAt
			}
			return money.ScaleRatio(gross, earnerNet, grossBase), confirmedAt, nil
		}
		return nil, time.Time{}, fmt.Errorf("escrow: payment %s has malformed amounts", p.ID)
	}
	if !errors.Is(err, payments.ErrPaymentNotFound) {
		return nil, time.Time{}, err
	}

	at := time.Now()
	if pending, perr := s.payments.LatestByProject(ctx, projectRef); perr == nil {
		at = pending.CreatedAt
	}
	breakdown, err := s.engine.CalculateAt(ctx, money.Format(gross), at)
	if err != nil {
		return nil, time.Time{}, err
	}
	return breakdown.EarnerNetMicro, time.Time{}, nil
}

// ListReleases returns an earner's release history.
func (s *Service) ListReleases(ctx context.Context, earnerID string, limit int) ([]*Release, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.releases.ListByEarner(ctx, earnerID, limit)
}

// Compile-time assertion: the payments confirmation path credits escrow
// through this service.
var _ payments.EscrowCrediter = (*Service)(nil)
