// Package ledger tracks per-user money balances and payout holds.
//
// Flow:
//  1. Payer's inbound payment confirms → escrow credited (heldInEscrow)
//  2. Milestone approved → payer escrow debited, earner balance credited
//     net of fees, a payout hold created for the maturity window
//  3. Hold matures → swept into availableForPayout
//  4. Transfer confirmed in transit → balance deducted
//
// Every mutation is a single atomic store operation; request handlers
// never touch balance fields directly.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/gigstack/paycore/internal/money"
)

var (
	ErrUserNotFound          = errors.New("ledger: user balance not found")
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
	ErrInsufficientAvailable = errors.New("ledger: insufficient available balance")
	// ErrEscrowShortfall is a data-integrity fault: a milestone release
	// asked for more than the payer has held in escrow. It is surfaced,
	// never silently clamped.
	ErrEscrowShortfall = errors.New("ledger: release exceeds held escrow")
)

// Balance is the per-user ledger row. All amounts are decimal strings
// with 6 fractional digits.
type Balance struct {
	UserID             string    `json:"userId"`
	CurrentBalance     string    `json:"currentBalance"`     // earned, not yet paid out
	AvailableForPayout string    `json:"availableForPayout"` // matured subset of currentBalance
	TotalEarnings      string    `json:"totalEarnings"`      // lifetime, monotone
	TotalSpent         string    `json:"totalSpent"`         // lifetime payer-side, monotone
	HeldInEscrow       string    `json:"heldInEscrow"`       // payer-side, not yet released
	UpdatedAt          time.Time `json:"updatedAt"`
}

// PayoutHold is one maturity-window hold created by a milestone release.
// Holds are never deleted; they are the audit trail for released funds.
type PayoutHold struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	ProjectRef string    `json:"projectRef"`
	Amount     string    `json:"amount"`
	HoldUntil  time.Time `json:"holdUntil"`
	Released   bool      `json:"released"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Totals is a platform-wide balance summary used by conservation checks.
type Totals struct {
	CurrentBalance     string `json:"currentBalance"`
	AvailableForPayout string `json:"availableForPayout"`
	HeldInEscrow       string `json:"heldInEscrow"`
	TotalEarnings      string `json:"totalEarnings"`
	TotalSpent         string `json:"totalSpent"`
}

// SweepResult reports what a maturity sweep released.
type SweepResult struct {
	UserID  string `json:"userId"`
	Swept   string `json:"swept"`
	Matured int    `json:"matured"`
}

// Store persists balances and holds. Every method is one atomic
// transaction; multi-row methods lock balance rows in ascending user-id
// order to prevent deadlock between concurrent releases.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// CreditEscrow applies totalSpent += amount; heldInEscrow += amount
	// for the payer, creating the balance row if needed.
	CreditEscrow(ctx context.Context, payerID, amount string) error

	// ReleaseMilestone atomically debits grossAmount from the payer's
	// escrow, credits netAmount to the earner's currentBalance and
	// totalEarnings, and inserts the payout hold. Returns
	// ErrEscrowShortfall without any mutation when the payer's held
	// escrow is less than grossAmount.
	ReleaseMilestone(ctx context.Context, payerID, earnerID, grossAmount, netAmount string, hold *PayoutHold) error

	// SweepMaturedHolds marks every unreleased hold with
	// holdUntil <= now as released and adds the sum to
	// availableForPayout. Safe to call repeatedly: a second call finds
	// nothing to sweep.
	SweepMaturedHolds(ctx context.Context, userID string, now time.Time) (*SweepResult, error)

	// DebitForTransfer applies currentBalance -= amount;
	// availableForPayout -= amount. Fails with
	// ErrInsufficientAvailable when the available balance cannot cover
	// the amount.
	DebitForTransfer(ctx context.Context, userID, amount string) error

	// RestoreTransferDebit reverses DebitForTransfer after a transfer
	// failed or was reversed externally.
	RestoreTransferDebit(ctx context.Context, userID, amount string) error

	// OverwriteEscrowTotals replaces totalSpent and heldInEscrow with
	// recomputed values. Reconciliation only.
	OverwriteEscrowTotals(ctx context.Context, payerID, totalSpent, heldInEscrow string) error

	ListHolds(ctx context.Context, userID string, limit int) ([]*PayoutHold, error)
	ListUsersWithMaturedHolds(ctx context.Context, before time.Time, limit int) ([]string, error)
	SumAllBalances(ctx context.Context) (*Totals, error)
}

// Ledger wraps a Store with input validation and read helpers.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store exposes the underlying store for services that need atomic ops.
func (l *Ledger) Store() Store {
	return l.store
}

// GetBalance returns a user's current balance snapshot.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// Sweep promotes a user's matured holds into availableForPayout.
func (l *Ledger) Sweep(ctx context.Context, userID string) (*SweepResult, error) {
	return l.store.SweepMaturedHolds(ctx, userID, time.Now())
}

// HoldScheduleEntry is a hold plus its days-until-release, for dashboards.
type HoldScheduleEntry struct {
	Hold             *PayoutHold `json:"hold"`
	DaysUntilRelease int         `json:"daysUntilRelease"`
}

// HoldSchedule returns the user's holds with time remaining on each.
func (l *Ledger) HoldSchedule(ctx context.Context, userID string, limit int) ([]*HoldScheduleEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	holds, err := l.store.ListHolds(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entries := make([]*HoldScheduleEntry, 0, len(holds))
	for _, h := range holds {
		days := 0
		if !h.Released && h.HoldUntil.After(now) {
			days = int(h.HoldUntil.Sub(now).Hours()/24) + 1
		}
		entries = append(entries, &HoldScheduleEntry{Hold: h, DaysUntilRelease: days})
	}
	return entries, nil
}

// ParseAmount validates and parses a positive decimal amount.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := money.Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}
