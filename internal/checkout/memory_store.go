package checkout

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory checkout store for demo/development mode.
type MemoryStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory checkout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok {
		return ErrCheckoutNotFound
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.Status == StatusPending && s.ExpiresAt.Before(before) {
			result = append(result, copySession(s))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// copySession deep-copies a session so callers never share stored slices.
func copySession(s *Session) *Session {
	cp := *s
	if s.Items != nil {
		cp.Items = make([]Item, len(s.Items))
		copy(cp.Items, s.Items)
	}
	if s.OrderIDs != nil {
		cp.OrderIDs = make([]string, len(s.OrderIDs))
		copy(cp.OrderIDs, s.OrderIDs)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
