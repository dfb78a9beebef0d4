// Package reconcile recomputes payer-side escrow totals from the
// payment and release records and corrects drift in the stored
// balances. It runs off the hot path and never touches hold or payout
// history.
package reconcile

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/gigstack/paycore/internal/ledger"
	"github.com/gigstack/paycore/internal/money"
	"github.com/gigstack/paycore/internal/payments"
)

// PaymentSource lists a payer's confirmed payments.
type PaymentSource interface {
	ListPaidByPayer(ctx context.Context, payerID string) ([]*payments.Payment, error)
	ListPayerIDs(ctx context.Context, limit int) ([]string, error)
}

// ReleaseSource sums released milestone gross per project.
type ReleaseSource interface {
	SumGrossByPayer(ctx context.Context, payerID string) (map[string]string, error)
}

// Report describes one payer reconciliation.
type Report struct {
	PayerID          string `json:"payerId"`
	TotalSpent       string `json:"totalSpent"`
	HeldInEscrow     string `json:"heldInEscrow"`
	PrevTotalSpent   string `json:"prevTotalSpent"`
	PrevHeldInEscrow string `json:"prevHeldInEscrow"`
	Drift            string `json:"drift"` // absolute escrow difference
	Corrected        bool   `json:"corrected"`
}

// Service recomputes and corrects escrow totals.
type Service struct {
	ledger   ledger.Store
	payments PaymentSource
	releases ReleaseSource
	logger   *slog.Logger
	onDrift  func(payerID string, driftMicros *big.Int)
}

// NewService creates a new reconciliation service.
func NewService(ledgerStore ledger.Store, paymentSource PaymentSource, releaseSource ReleaseSource) *Service {
	return &Service{
		ledger:   ledgerStore,
		payments: paymentSource,
		releases: releaseSource,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// OnDrift sets a callback invoked when drift is detected (for metrics).
func (s *Service) OnDrift(fn func(payerID string, driftMicros *big.Int)) *Service {
	s.onDrift = fn
	return s
}

// ReconcileEscrow recomputes a payer's totalSpent and heldInEscrow from
// source-of-truth records:
//
//	totalSpent   = Σ payerTotal over paid payments
//	heldInEscrow = Σ per project: paid − min(paid, released gross)
//
// and overwrites the stored fields when they differ. Hold and payout
// history is never modified.
func (s *Service) ReconcileEscrow(ctx context.Context, payerID string) (*Report, error) {
	prev, err := s.ledger.GetBalance(ctx, payerID)
	if err != nil {
		return nil, err
	}

	paid, err := s.payments.ListPaidByPayer(ctx, payerID)
	if err != nil {
		return nil, err
	}
	releasedByProject, err := s.releases.SumGrossByPayer(ctx, payerID)
	if err != nil {
		return nil, err
	}

	paidByProject := make(map[string]*big.Int)
	totalSpent := money.Zero()
	for _, p := range paid {
		v, ok := money.Parse(p.PayerTotal)
		if !ok {
			s.logger.Error("skipping payment with malformed total",
				"payment_id", p.ID, "payer_total", p.PayerTotal)
			continue
		}
		totalSpent.Add(totalSpent, v)
		if cur, exists := paidByProject[p.ProjectRef]; exists {
			cur.Add(cur, v)
		} else {
			paidByProject[p.ProjectRef] = new(big.Int).Set(v)
		}
	}

	held := money.Zero()
	for ref, paidSum := range paidByProject {
		released := money.Zero()
		if rs, ok := releasedByProject[ref]; ok {
			if v, ok := money.Parse(rs); ok {
				released = v
			}
		}
		if released.Cmp(paidSum) > 0 {
			released = paidSum
		}
		held.Add(held, new(big.Int).Sub(paidSum, released))
	}

	report := &Report{
		PayerID:          payerID,
		TotalSpent:       money.Format(totalSpent),
		HeldInEscrow:     money.Format(held),
		PrevTotalSpent:   prev.TotalSpent,
		PrevHeldInEscrow: prev.HeldInEscrow,
	}

	prevHeld, _ := money.Parse(prev.HeldInEscrow)
	prevSpent, _ := money.Parse(prev.TotalSpent)
	drift := new(big.Int).Abs(new(big.Int).Sub(prevHeld, held))
	report.Drift = money.Format(drift)

	if prevHeld.Cmp(held) == 0 && prevSpent.Cmp(totalSpent) == 0 {
		return report, nil
	}

	s.logger.Warn("escrow drift detected, correcting stored totals",
		"payer_id", payerID,
		"stored_escrow", prev.HeldInEscrow,
		"computed_escrow", report.HeldInEscrow,
		"stored_spent", prev.TotalSpent,
		"computed_spent", report.TotalSpent)
	if s.onDrift != nil {
		s.onDrift(payerID, drift)
	}

	if err := s.ledger.OverwriteEscrowTotals(ctx, payerID, report.TotalSpent, report.HeldInEscrow); err != nil {
		return nil, err
	}
	report.Corrected = true
	return report, nil
}

// ReconcileAll reconciles every payer with confirmed payments.
func (s *Service) ReconcileAll(ctx context.Context, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = 500
	}
	payers, err := s.payments.ListPayerIDs(ctx, limit)
	if err != nil {
		return nil, err
	}

	reports := make([]*Report, 0, len(payers))
	for _, payerID := range payers {
		report, err := s.ReconcileEscrow(ctx, payerID)
		if err != nil {
			s.logger.Warn("failed to reconcile payer", "payer_id", payerID, "error", err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
