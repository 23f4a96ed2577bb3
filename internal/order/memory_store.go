package order

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerNpub string, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.BuyerNpub == buyerNpub }, limit)
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerNpub string, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.SellerNpub == sellerNpub }, limit)
}

func (m *MemoryStore) list(match func(*Order) bool, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if match(o) {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// copyOrder deep-copies an order so callers never share the stored slice.
func copyOrder(o *Order) *Order {
	cp := *o
	if o.Items != nil {
		cp.Items = make([]Item, len(o.Items))
		copy(cp.Items, o.Items)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
