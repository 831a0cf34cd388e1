package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/aurawatch/internal/risk"
)

// PostgresStore persists alerts in the child_alerts table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Alert) error {
	prepare(a, time.Now())
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO child_alerts (id, child_id, parent_id, severity, message, app_name, category, confidence, notification_sent, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.ChildID, a.ParentID, string(a.Severity), a.Message, a.AppName, a.Category, a.Confidence, a.NotificationSent, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (p *PostgresStore) MarkNotified(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE child_alerts SET notification_sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark alert notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByChild(ctx context.Context, childID string, q Query) (Page, error) {
	return p.query(ctx, `child_id = $1`, childID, q)
}

func (p *PostgresStore) ListByParent(ctx context.Context, parentID string, q Query) (Page, error) {
	return p.query(ctx, `parent_id = $1`, parentID, q)
}

func (p *PostgresStore) query(ctx context.Context, where, arg string, q Query) (Page, error) {
	limit := normalizeLimit(q.Limit)
	args := []any{arg, limit + 1}
	if q.After != nil {
		where += ` AND (created_at, id) < ($3, $4)`
		args = append(args, q.After.CreatedAt, q.After.ID)
	}

	fetched, err := p.scan(ctx, `
		SELECT id, child_id, COALESCE(parent_id, ''), severity, message, app_name, category, confidence, notification_sent, created_at
		FROM child_alerts
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, args...) // #nosec G202 -- where is built from package constants
	if err != nil {
		return Page{}, err
	}
	return toPage(fetched, limit), nil
}

func (p *PostgresStore) scan(ctx context.Context, query string, args ...any) ([]*Alert, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a := &Alert{}
		var severity string
		if err := rows.Scan(&a.ID, &a.ChildID, &a.ParentID, &severity, &a.Message, &a.AppName,
			&a.Category, &a.Confidence, &a.NotificationSent, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Severity = risk.Severity(severity)
		out = append(out, a)
	}
	return out, rows.Err()
}
