package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/gigstack/paycore/internal/money"
)

// memBalance keeps amounts as big.Int so mutations never round-trip
// through strings.
type memBalance struct {
	current   *big.Int
	available *big.Int
	earnings  *big.Int
	spent     *big.Int
	escrow    *big.Int
	updatedAt time.Time
}

func newMemBalance() *memBalance {
	return &memBalance{
		current:   money.Zero(),
		available: money.Zero(),
		earnings:  money.Zero(),
		spent:     money.Zero(),
		escrow:    money.Zero(),
		updatedAt: time.Now(),
	}
}

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex serializes all mutations, which gives the same
// atomicity guarantees the Postgres store gets from transactions.
type MemoryStore struct {
	balances map[string]*memBalance
	holds    map[string]*PayoutHold
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*memBalance),
		holds:    make(map[string]*PayoutHold),
	}
}

func (m *MemoryStore) balance(userID string) *memBalance {
	b, ok := m.balances[userID]
	if !ok {
		b = newMemBalance()
		m.balances[userID] = b
	}
	return b
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[userID]
	if !ok {
		// Lazily-created rows read as zero before first mutation.
		return &Balance{
			UserID:             userID,
			CurrentBalance:     "0.000000",
			AvailableForPayout: "0.000000",
			TotalEarnings:      "0.000000",
			TotalSpent:         "0.000000",
			HeldInEscrow:       "0.000000",
			UpdatedAt:          time.Now(),
		}, nil
	}
	return exportBalance(userID, b), nil
}

func (m *MemoryStore) CreditEscrow(ctx context.Context, payerID, amount string) error {
	v, err := ParseAmount(amount)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(payerID)
	b.spent.Add(b.spent, v)
	b.escrow.Add(b.escrow, v)
	b.updatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReleaseMilestone(ctx context.Context, payerID, earnerID, grossAmount, netAmount string, hold *PayoutHold) error {
	gross, err := ParseAmount(grossAmount)
	if err != nil {
		return err
	}
	net, ok := money.Parse(netAmount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	payer := m.balance(payerID)
	if payer.escrow.Cmp(gross) < 0 {
		return ErrEscrowShortfall
	}

	now := time.Now()
	payer.escrow.Sub(payer.escrow, gross)
	payer.updatedAt = now

	earner := m.balance(earnerID)
	earner.current.Add(earner.current, net)
	earner.earnings.Add(earner.earnings, net)
	earner.updatedAt = now

	cp := *hold
	m.holds[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) SweepMaturedHolds(ctx context.Context, userID string, now time.Time) (*SweepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := money.Zero()
	count := 0
	for _, h := range m.holds {
		if h.UserID != userID || h.Released || h.HoldUntil.After(now) {
			continue
		}
		v, ok := money.Parse(h.Amount)
		if !ok {
			continue
		}
		h.Released = true
		swept.Add(swept, v)
		count++
	}

	if count > 0 {
		b := m.balance(userID)
		b.available.Add(b.available, swept)
		b.updatedAt = time.Now()
	}

	return &SweepResult{UserID: userID, Swept: money.Format(swept), Matured: count}, nil
}

func (m *MemoryStore) DebitForTransfer(ctx context.Context, userID, amount string) error {
	v, err := ParseAmount(amount)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return ErrUserNotFound
	}
	if b.available.Cmp(v) < 0 {
		return ErrInsufficientAvailable
	}

	b.current.Sub(b.current, v)
	b.available.Sub(b.available, v)
	b.updatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RestoreTransferDebit(ctx context.Context, userID, amount string) error {
	v, err := ParseAmount(amount)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return ErrUserNotFound
	}

	b.current.Add(b.current, v)
	b.available.Add(b.available, v)
	b.updatedAt = time.Now()
	return nil
}

func (m *MemoryStore) OverwriteEscrowTotals(ctx context.Context, payerID, totalSpent, heldInEscrow string) error {
	spent, ok := money.Parse(totalSpent)
	if !ok {
		return ErrInvalidAmount
	}
	escrow, ok := money.Parse(heldInEscrow)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(payerID)
	b.spent = spent
	b.escrow = escrow
	b.updatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListHolds(ctx context.Context, userID string, limit int) ([]*PayoutHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PayoutHold
	for _, h := range m.holds {
		if h.UserID == userID {
			cp := *h
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListUsersWithMaturedHolds(ctx context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, h := range m.holds {
		if h.Released || h.HoldUntil.After(before) || seen[h.UserID] {
			continue
		}
		seen[h.UserID] = true
		result = append(result, h.UserID)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) SumAllBalances(ctx context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	current := money.Zero()
	available := money.Zero()
	escrow := money.Zero()
	earnings := money.Zero()
	spent := money.Zero()
	for _, b := range m.balances {
		current.Add(current, b.current)
		available.Add(available, b.available)
		escrow.Add(escrow, b.escrow)
		earnings.Add(earnings, b.earnings)
		spent.Add(spent, b.spent)
	}

	return &Totals{
		CurrentBalance:     money.Format(current),
		AvailableForPayout: money.Format(available),
		HeldInEscrow:       money.Format(escrow),
		TotalEarnings:      money.Format(earnings),
		TotalSpent:         money.Format(spent),
	}, nil
}

func exportBalance(userID string, b *memBalance) *Balance {
	return &Balance{
		UserID:             userID,
		CurrentBalance:     money.Format(b.current),
		AvailableForPayout: money.Format(b.available),
		TotalEarnings:      money.Format(b.earnings),
		TotalSpent:         money.Format(b.spent),
		HeldInEscrow:       money.Format(b.escrow),
		UpdatedAt:          b.updatedAt,
	}
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
