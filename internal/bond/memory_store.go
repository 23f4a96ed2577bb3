package bond

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory bond store for demo/development mode.
type MemoryStore struct {
	bonds map[string]*Bond
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory bond store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bonds: make(map[string]*Bond)}
}

func (m *MemoryStore) Create(ctx context.Context, b *Bond) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *b
	m.bonds[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bonds[id]
	if !ok {
		return nil, ErrBondNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetActive(ctx context.Context, sellerNpub, category string) (*Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.bonds {
		if b.SellerNpub == sellerNpub && b.Category == category && b.Status == StatusActive {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBondNotFound
}

func (m *MemoryStore) Update(ctx context.Context, b *Bond) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bonds[b.ID]; !ok {
		return ErrBondNotFound
	}
	cp := *b
	m.bonds[b.ID] = &cp
	return nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Bond
	for _, b := range m.bonds {
		if b.SellerNpub == sellerNpub {
			cp := *b
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
