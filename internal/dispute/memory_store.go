package dispute

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	byEscrow map[string]string // escrow ID → dispute ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byEscrow: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEscrow[d.EscrowID]; ok {
		return ErrDuplicateDispute
	}
	m.disputes[d.ID] = copyDispute(d)
	m.byEscrow[d.EscrowID] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEscrow[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(m.disputes[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, npub string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.BuyerNpub == npub || d.SellerNpub == npub {
			result = append(result, copyDispute(d))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAutoResolvable(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusOpen && d.AutoResolveAt.Before(before) {
			result = append(result, copyDispute(d))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListUnwarned(ctx context.Context, warnBefore time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusOpen && d.WarnedAt == nil && d.AutoResolveAt.Before(warnBefore) {
			result = append(result, copyDispute(d))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// copyDispute deep-copies a dispute so callers never share the evidence
// slice backing array.
func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.Evidence != nil {
		cp.Evidence = make([]EvidenceEntry, len(d.Evidence))
		copy(cp.Evidence, d.Evidence)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
