package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
)

// PostgresStore persists alerts in rate_limit_alerts. A partial unique index
// on (identity, kind) WHERE NOT resolved enforces de-duplication.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed alert sink.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const alertColumns = `id, identity, kind, message, severity, created_at, resolved, resolved_at`

func (s *PostgresStore) Raise(ctx context.Context, a *Alert) (bool, error) {
	if a.ID == "" {
		a.ID = idgen.WithPrefix(idgen.PrefixAlert)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_alerts (id, identity, kind, message, severity, created_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (identity, kind) WHERE NOT resolved DO NOTHING
	`, a.ID, a.Identity, string(a.Kind), a.Message, string(a.Severity), a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to raise alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to raise alert: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_limit_alerts
		SET resolved = TRUE, resolved_at = COALESCE(resolved_at, NOW())
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResolveAll(ctx context.Context, identity string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_limit_alerts
		SET resolved = TRUE, resolved_at = NOW()
		WHERE identity = $1 AND NOT resolved
	`, identity)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+`
		FROM rate_limit_alerts
		WHERE NOT resolved
		ORDER BY created_at DESC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}
	return scanAlerts(rows)
}

func (s *PostgresStore) ListByIdentity(ctx context.Context, identity string) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+`
		FROM rate_limit_alerts
		WHERE identity = $1
		ORDER BY created_at DESC, id ASC`, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return scanAlerts(rows)
}

func (s *PostgresStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_alerts WHERE NOT resolved`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) PurgeResolved(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_alerts WHERE resolved AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanAlerts(rows *sql.Rows) ([]*Alert, error) {
	defer func() { _ = rows.Close() }()

	result := make([]*Alert, 0)
	for rows.Next() {
		var a Alert
		var kind, severity string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Identity, &kind, &a.Message, &severity,
			&a.CreatedAt, &a.Resolved, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Kind = Kind(kind)
		a.Severity = Severity(severity)
		a.ResolvedAt = resolvedAt.Time
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
