package mint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory spent-token store for demo/development mode.
type MemoryStore struct {
	spent map[string]spentToken
	mu    sync.RWMutex
}

type spentToken struct {
	amountSats int64
	spentAt    time.Time
}

// NewMemoryStore creates a new in-memory spent-token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spent: make(map[string]spentToken)}
}

func (m *MemoryStore) MarkSpent(ctx context.Context, hash string, amountSats int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.spent[hash]; ok {
		return ErrDoubleSpend
	}
	m.spent[hash] = spentToken{amountSats: amountSats, spentAt: time.Now()}
	return nil
}

func (m *MemoryStore) IsSpent(ctx context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.spent[hash]
	return ok, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
