package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/aurawatch/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	bal := &Balance{AccountID: accountID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, updated_at FROM aura_balances WHERE account_id = $1
	`, accountID).Scan(&bal.Available, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		bal.UpdatedAt = time.Now()
		return bal, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, accountID string, amount int64) (*Balance, error) {
	bal := &Balance{AccountID: accountID}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO aura_balances (account_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE
		SET balance = aura_balances.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance, updated_at
	`, accountID, amount).Scan(&bal.Available, &bal.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	return bal, nil
}

// Deduct locks the balance row so concurrent penalties cannot take the
// balance below zero.
func (p *PostgresStore) Deduct(ctx context.Context, accountID string, amount int64, reason string) (*Deduction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin deduct: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO aura_balances (account_id, balance) VALUES ($1, 0)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID); err != nil {
		return nil, fmt.Errorf("ensure balance row: %w", err)
	}

	var available int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM aura_balances WHERE account_id = $1 FOR UPDATE
	`, accountID).Scan(&available); err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}

	applied := min(amount, available)
	if _, err := tx.ExecContext(ctx, `
		UPDATE aura_balances SET balance = balance - $2, updated_at = NOW() WHERE account_id = $1
	`, accountID, applied); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	d := &Deduction{
		ID:        idgen.WithPrefix("ded_"),
		AccountID: accountID,
		Requested: amount,
		Applied:   applied,
		Reason:    reason,
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO aura_deductions (id, account_id, requested, applied, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, d.ID, d.AccountID, d.Requested, d.Applied, d.Reason).Scan(&d.CreatedAt); err != nil {
		return nil, fmt.Errorf("record deduction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deduct: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]*Deduction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, requested, applied, reason, created_at
		FROM aura_deductions WHERE account_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deductions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Deduction
	for rows.Next() {
		d := &Deduction{}
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Requested, &d.Applied, &d.Reason, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
