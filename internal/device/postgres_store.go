package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresSettingsStore persists settings in device_settings.
type PostgresSettingsStore struct {
	db *sql.DB
}

// NewPostgresSettingsStore creates a PostgreSQL-backed settings store.
func NewPostgresSettingsStore(db *sql.DB) *PostgresSettingsStore {
	return &PostgresSettingsStore{db: db}
}

func (p *PostgresSettingsStore) Get(ctx context.Context, childID string) (Settings, error) {
	s := Settings{ChildID: childID}
	err := p.db.QueryRowContext(ctx, `
		SELECT usage_access, detection_enabled, updated_at FROM device_settings WHERE child_id = $1
	`, childID).Scan(&s.UsageAccess, &s.DetectionEnabled, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultSettings(childID), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get device settings: %w", err)
	}
	return s, nil
}

func (p *PostgresSettingsStore) Put(ctx context.Context, s Settings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO device_settings (child_id, usage_access, detection_enabled, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (child_id) DO UPDATE SET
			usage_access = EXCLUDED.usage_access,
			detection_enabled = EXCLUDED.detection_enabled,
			updated_at = EXCLUDED.updated_at
	`, s.ChildID, s.UsageAccess, s.DetectionEnabled, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put device settings: %w", err)
	}
	return nil
}
