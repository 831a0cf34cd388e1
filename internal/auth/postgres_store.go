package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists keys in parent_api_keys.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, parent_id, name, created_at, last_used, revoked`

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO parent_api_keys (id, hash, parent_id, name, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.ParentID, key.Name, key.CreatedAt, key.Revoked)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM parent_api_keys WHERE hash = $1`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (p *PostgresStore) ListByParent(ctx context.Context, parentID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM parent_api_keys
		WHERE parent_id = $1 ORDER BY created_at DESC
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	keys := []*APIKey{}
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE parent_api_keys SET last_used = $1 WHERE id = $2`, at, id)
	return err
}

func (p *PostgresStore) Revoke(ctx context.Context, id, parentID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE parent_api_keys SET revoked = TRUE
		WHERE id = $1 AND parent_id = $2 AND revoked = FALSE
	`, id, parentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed sql.NullTime
	if err := s.Scan(&key.ID, &key.Hash, &key.ParentID, &key.Name, &key.CreatedAt, &lastUsed, &key.Revoked); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = &lastUsed.Time
	}
	return key, nil
}
