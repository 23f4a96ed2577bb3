package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/veilmarket/veilmarket/internal/idgen"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	entries  map[string][]*Transaction // keyed by npub, append order
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		entries:  make(map[string][]*Transaction),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, npub string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[npub]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, npub string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accounts[npub]; ok {
		cp := *existing
		return &cp, nil
	}

	now := time.Now()
	acct := &Account{
		Npub:      npub,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[npub] = acct
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, npub, entryType string, amountSats int64, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[npub]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if acct.Frozen && amountSats < 0 {
		return nil, ErrAccountFrozen
	}
	if acct.BalanceSats+amountSats < 0 {
		return nil, ErrInsufficientFunds
	}

	now := time.Now()
	acct.BalanceSats += amountSats
	acct.UpdatedAt = now

	txn := &Transaction{
		ID:           idgen.WithPrefix("txn_"),
		Npub:         npub,
		Type:         entryType,
		AmountSats:   amountSats,
		BalanceAfter: acct.BalanceSats,
		Reference:    reference,
		Description:  description,
		CreatedAt:    now,
	}
	m.entries[npub] = append(m.entries[npub], txn)

	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) SetFrozen(ctx context.Context, npub string, frozen bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[npub]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Frozen = frozen
	acct.FrozenReason = reason
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) History(ctx context.Context, npub string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[npub]
	var result []*Transaction
	// Newest first.
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) EntriesByAccount(ctx context.Context, npub string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[npub]
	result := make([]*Transaction, 0, len(all))
	for _, e := range all {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
