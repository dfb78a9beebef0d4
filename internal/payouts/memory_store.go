package payouts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payout store for demo/development mode.
type MemoryStore struct {
	payouts    map[string]*Payout
	byExternal map[string]string
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts:    make(map[string]*Payout),
		byExternal: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payouts[p.ID] = &cp
	if p.ExternalID != "" {
		m.byExternal[p.ExternalID] = p.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *m.payouts[id]
	return &cp, nil
}

func (m *MemoryStore) AttachExternalID(ctx context.Context, id, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return ErrPayoutNotFound
	}
	p.ExternalID = externalID
	p.UpdatedAt = time.Now()
	m.byExternal[externalID] = id
	return nil
}

func (m *MemoryStore) MarkInTransit(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return false, ErrPayoutNotFound
	}
	if p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusInTransit
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return false, ErrPayoutNotFound
	}
	if p.Status != StatusPending && p.Status != StatusInTransit {
		return false, nil
	}
	p.Status = StatusPaid
	p.CompletedAt = &completedAt
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) MarkTerminalFailure(ctx context.Context, id string, to Status, reason string) (bool, error) {
	if to != StatusFailed && to != StatusCanceled {
		return false, ErrPayoutNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return false, ErrPayoutNotFound
	}
	if p.Status != StatusPending && p.Status != StatusInTransit {
		return false, nil
	}
	p.Status = to
	p.FailureReason = reason
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, p := range m.payouts {
		if p.UserID == userID {
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

func (m *MemoryStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, p := range m.payouts {
		if p.Status == StatusPending && p.CreatedAt.Before(before) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
