package fees

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory fee config store for demo/development mode.
type MemoryStore struct {
	configs []*Config
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory fee config store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(ctx context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *cfg
	m.configs = append(m.configs, &cp)
	return nil
}

func (m *MemoryStore) ActiveAt(ctx context.Context, at time.Time) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Config
	for _, c := range m.configs {
		if !c.Active || c.CreatedAt.After(at) {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoActiveConfig
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Config, 0, len(m.configs))
	for _, c := range m.configs {
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
