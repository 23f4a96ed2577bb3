package listing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listings[l.ID]; !ok {
		return ErrListingNotFound
	}
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context, limit, offset int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*Listing
	for _, l := range m.listings {
		if l.Status == StatusActive {
			cp := *l
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})

	if offset >= len(active) {
		return nil, nil
	}
	active = active[offset:]
	if len(active) > limit {
		active = active[:limit]
	}
	return active, nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for _, l := range m.listings {
		if l.SellerNpub == sellerNpub {
			cp := *l
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ReserveStock(ctx context.Context, id string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	if l.Status != StatusActive {
		return ErrItemUnavailable
	}
	if l.Stock < qty {
		return ErrOutOfStock
	}
	l.Stock -= qty
	l.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RestoreStock(ctx context.Context, id string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	l.Stock += qty
	l.UpdatedAt = time.Now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
