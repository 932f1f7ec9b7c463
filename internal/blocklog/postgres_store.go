package blocklog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists entries in rate_limit_blocks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed block log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_blocks
			(event_id, identity, operation, path, user_agent, reason, kind, blocked_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, e.EventID, e.Identity, e.Operation, e.Path, e.UserAgent, e.Reason, e.Kind, e.BlockedCount, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append block: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByIdentity(ctx context.Context, identity string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, identity, operation, path, user_agent, reason, kind, blocked_count, created_at
		FROM rate_limit_blocks
		WHERE identity = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.EventID, &e.Identity, &e.Operation, &e.Path,
			&e.UserAgent, &e.Reason, &e.Kind, &e.BlockedCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_limit_blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_blocks WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge blocks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
