package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists webhook subscriptions in the parent_webhooks table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, parent_id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO parent_webhooks (id, parent_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.ParentID, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM parent_webhooks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	defer func() { _ = rows.Close() }()

	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (p *PostgresStore) ListByParent(ctx context.Context, parentID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM parent_webhooks WHERE parent_id = $1 ORDER BY created_at DESC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// RecordResult updates delivery bookkeeping in one statement so concurrent
// deliveries do not lose failure counts.
func (p *PostgresStore) RecordResult(ctx context.Context, id string, at time.Time, errMsg string) error {
	var res sql.Result
	var err error
	if errMsg == "" {
		res, err = p.db.ExecContext(ctx, `
			UPDATE parent_webhooks
			SET last_success = $2, last_error = NULL, consecutive_failures = 0
			WHERE id = $1
		`, id, at)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE parent_webhooks
			SET last_error = $2,
			    consecutive_failures = consecutive_failures + 1,
			    active = active AND consecutive_failures + 1 < $3
			WHERE id = $1
		`, id, errMsg, MaxConsecutiveFailures)
	}
	if err != nil {
		return fmt.Errorf("record webhook result: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM parent_webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var eventsJSON []byte
		var lastSuccess sql.NullTime
		var lastError sql.NullString

		if err := rows.Scan(
			&sub.ID, &sub.ParentID, &sub.URL, &sub.Secret, &eventsJSON,
			&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
			return nil, errors.Join(errors.New("decode webhook events"), err)
		}
		if lastSuccess.Valid {
			sub.LastSuccess = &lastSuccess.Time
		}
		sub.LastError = lastError.String
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
