package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, prof *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO profiles (id, role, display_name, age, parent_id, phone, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			display_name = EXCLUDED.display_name,
			age = EXCLUDED.age,
			parent_id = EXCLUDED.parent_id,
			phone = EXCLUDED.phone,
			updated_at = EXCLUDED.updated_at
	`, prof.ID, string(prof.Role), prof.DisplayName, prof.Age, prof.ParentID, prof.Phone, prof.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Profile, error) {
	prof := &Profile{}
	var role string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, role, display_name, age, COALESCE(parent_id, ''), COALESCE(phone, ''), updated_at
		FROM profiles WHERE id = $1
	`, id).Scan(&prof.ID, &role, &prof.DisplayName, &prof.Age, &prof.ParentID, &prof.Phone, &prof.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	prof.Role = Role(role)
	return prof, nil
}
