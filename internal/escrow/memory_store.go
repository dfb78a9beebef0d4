package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/gigstack/paycore/internal/money"
)

// MemoryReleaseStore is an in-memory release store for demo/development
// mode.
type MemoryReleaseStore struct {
	releases map[string]*Release
	mu       sync.RWMutex
}

// NewMemoryReleaseStore creates a new in-memory release store.
func NewMemoryReleaseStore() *MemoryReleaseStore {
	return &MemoryReleaseStore{releases: make(map[string]*Release)}
}

func (m *MemoryReleaseStore) Create(ctx context.Context, r *Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.releases[r.ID] = &cp
	return nil
}

func (m *MemoryReleaseStore) ListByEarner(ctx context.Context, earnerID string, limit int) ([]*Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Release
	for _, r := range m.releases {
		if r.EarnerID == earnerID {
			cp := *r
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

func (m *MemoryReleaseStore) ListByProject(ctx context.Context, projectRef string) ([]*Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Release
	for _, r := range m.releases {
		if r.ProjectRef == projectRef {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryReleaseStore) SumGrossByPayer(ctx context.Context, payerID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]*big.Int)
	for _, r := range m.releases {
		if r.PayerID != payerID {
			continue
		}
		v, ok := money.Parse(r.GrossAmount)
		if !ok {
			continue
		}
		if cur, exists := sums[r.ProjectRef]; exists {
			cur.Add(cur, v)
		} else {
			sums[r.ProjectRef] = v
		}
	}

	result := make(map[string]string, len(sums))
	for ref, v := range sums {
		result[ref] = money.Format(v)
	}
	return result, nil
}

// Compile-time assertion that MemoryReleaseStore implements ReleaseStore.
var _ ReleaseStore = (*MemoryReleaseStore)(nil)
