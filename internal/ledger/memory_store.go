package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/aurawatch/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	balances   map[string]*Balance
	deductions []*Deduction
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*Balance)}
}

func (m *MemoryStore) GetBalance(_ context.Context, accountID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[accountID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{AccountID: accountID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Credit(_ context.Context, accountID string, amount int64) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(accountID)
	bal.Available += amount
	bal.UpdatedAt = time.Now()
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Deduct(_ context.Context, accountID string, amount int64, reason string) (*Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(accountID)
	applied := min(amount, bal.Available)
	bal.Available -= applied
	bal.UpdatedAt = time.Now()

	d := &Deduction{
		ID:        idgen.WithPrefix("ded_"),
		AccountID: accountID,
		Requested: amount,
		Applied:   applied,
		Reason:    reason,
		CreatedAt: bal.UpdatedAt,
	}
	m.deductions = append(m.deductions, d)
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) History(_ context.Context, accountID string, limit int) ([]*Deduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deduction
	for i := len(m.deductions) - 1; i >= 0 && len(out) < limit; i-- {
		if d := m.deductions[i]; d.AccountID == accountID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// caller holds m.mu
func (m *MemoryStore) balanceLocked(accountID string) *Balance {
	bal, ok := m.balances[accountID]
	if !ok {
		bal = &Balance{AccountID: accountID}
		m.balances[accountID] = bal
	}
	return bal
}
