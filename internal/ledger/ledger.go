// Package ledger tracks a child's aura balance.
//
// Aura is earned elsewhere (quizzes, allowances) and drained by penalties.
// This service only needs to read balances, credit them for seeding and
// rewards, and deduct penalties. A deduction larger than the balance floors
// the balance at zero instead of failing.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidAccount = errors.New("invalid account id")
)

// Balance is an account's current aura.
type Balance struct {
	AccountID string    `json:"accountId"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Deduction records one penalty. Applied can be less than Requested when the
// balance ran out.
type Deduction struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Requested int64     `json:"requested"`
	Applied   int64     `json:"applied"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists balances.
type Store interface {
	GetBalance(ctx context.Context, accountID string) (*Balance, error)
	Credit(ctx context.Context, accountID string, amount int64) (*Balance, error)
	// Deduct subtracts up to amount and returns what was actually taken.
	Deduct(ctx context.Context, accountID string, amount int64, reason string) (*Deduction, error)
	History(ctx context.Context, accountID string, limit int) ([]*Deduction, error)
}

// Ledger validates requests before they reach the store.
type Ledger struct {
	store Store
}

// New creates a ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns an account's balance. Unknown accounts have zero.
func (l *Ledger) Balance(ctx context.Context, accountID string) (*Balance, error) {
	id, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}
	done := observeOp("balance")
	defer done()
	return l.store.GetBalance(ctx, id)
}

// Credit adds aura to an account.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64) (*Balance, error) {
	id, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	done := observeOp("credit")
	defer done()
	return l.store.Credit(ctx, id, amount)
}

// Deduct removes a penalty from an account, flooring at zero.
func (l *Ledger) Deduct(ctx context.Context, accountID string, amount int64, reason string) error {
	_, err := l.DeductDetailed(ctx, accountID, amount, reason)
	return err
}

// DeductDetailed is Deduct that also returns the recorded deduction.
func (l *Ledger) DeductDetailed(ctx context.Context, accountID string, amount int64, reason string) (*Deduction, error) {
	id, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	done := observeOp("deduct")
	defer done()

	d, err := l.store.Deduct(ctx, id, amount, strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}
	AuraDeductedTotal.Add(float64(d.Applied))
	return d, nil
}

// History lists recent deductions, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Deduction, error) {
	id, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.History(ctx, id, limit)
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidAccount
	}
	return id, nil
}
