package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments map[string]*Payment
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) LatestPaidByProject(ctx context.Context, projectRef string) (*Payment, error) {
	return m.latestByProject(projectRef, true)
}

func (m *MemoryStore) LatestByProject(ctx context.Context, projectRef string) (*Payment, error) {
	return m.latestByProject(projectRef, false)
}

func (m *MemoryStore) latestByProject(projectRef string, paidOnly bool) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Payment
	for _, p := range m.payments {
		if p.ProjectRef != projectRef {
			continue
		}
		if paidOnly && p.Status != StatusPaid {
			continue
		}
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrPaymentNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id, externalTxnID string, confirmedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if p.Status == StatusPaid {
		return false, nil
	}
	if p.Status != StatusPending {
		return false, ErrNotPending
	}

	p.Status = StatusPaid
	p.ExternalTxnID = externalTxnID
	p.ConfirmedAt = &confirmedAt
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != StatusPending {
		return ErrNotPending
	}

	p.Status = StatusFailed
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.PayerID == payerID {
			cp := *p
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

func (m *MemoryStore) ListPaidByPayer(ctx context.Context, payerID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.PayerID == payerID && p.Status == StatusPaid {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPayerIDs(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, p := range m.payments {
		if p.Status != StatusPaid || seen[p.PayerID] {
			continue
		}
		seen[p.PayerID] = true
		result = append(result, p.PayerID)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
