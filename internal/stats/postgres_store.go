package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists statistics in the rate_limit_statistics table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed statistics store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const statsColumns = `identity, total_requests, successful_requests, failed_requests,
	blocked_count, risk_score, is_suspicious, suspicious_reason, suspicious_at,
	is_permanently_blocked, blocked_until, blocked_reason, first_blocked_at,
	last_blocked_at, last_request_at, user_agent, version, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, identity string) (*Statistics, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+statsColumns+`
		FROM rate_limit_statistics WHERE identity = $1`, identity)

	rec, err := scanStatistics(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, next *Statistics, expectedVersion int64) error {
	args := []any{
		next.Identity,
		next.TotalRequests,
		next.SuccessfulRequests,
		next.FailedRequests,
		next.BlockedCount,
		next.RiskScore,
		next.IsSuspicious,
		next.SuspiciousReason,
		nullTime(next.SuspiciousAt),
		next.IsPermanentlyBlocked,
		nullTime(next.BlockedUntil),
		next.BlockedReason,
		nullTime(next.FirstBlockedAt),
		nullTime(next.LastBlockedAt),
		nullTime(next.LastRequestAt),
		next.UserAgent,
		next.Version,
		next.CreatedAt,
		next.UpdatedAt,
	}

	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO rate_limit_statistics (`+statsColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (identity) DO NOTHING
		`, args...)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE rate_limit_statistics SET
				total_requests = $2, successful_requests = $3, failed_requests = $4,
				blocked_count = $5, risk_score = $6, is_suspicious = $7,
				suspicious_reason = $8, suspicious_at = $9, is_permanently_blocked = $10,
				blocked_until = $11, blocked_reason = $12, first_blocked_at = $13,
				last_blocked_at = $14, last_request_at = $15, user_agent = $16,
				version = $17, created_at = $18, updated_at = $19
			WHERE identity = $1 AND version = $20
		`, append(args, expectedVersion)...)
	}
	if err != nil {
		return fmt.Errorf("failed to write statistics: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to write statistics: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) TopBlocked(ctx context.Context, limit int) ([]*Statistics, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+statsColumns+`
		FROM rate_limit_statistics
		WHERE blocked_count > 0
		ORDER BY blocked_count DESC, identity ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list top blocked: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Statistics
	for rows.Next() {
		rec, err := scanStatistics(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE blocked_count > 0),
			COUNT(*) FILTER (WHERE is_permanently_blocked),
			COALESCE(SUM(blocked_count), 0)
		FROM rate_limit_statistics
	`).Scan(&sum.TrackedIdentities, &sum.BlockedIdentities, &sum.PermanentlyBlocked, &sum.TotalBlocks)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize statistics: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) Delete(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_statistics WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("failed to delete statistics: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeIdle(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_statistics
		WHERE NOT is_permanently_blocked
		  AND COALESCE(last_request_at, created_at) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge statistics: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatistics(row scanner) (*Statistics, error) {
	var rec Statistics
	var suspiciousAt, blockedUntil, firstBlocked, lastBlocked, lastRequest sql.NullTime
	err := row.Scan(
		&rec.Identity,
		&rec.TotalRequests,
		&rec.SuccessfulRequests,
		&rec.FailedRequests,
		&rec.BlockedCount,
		&rec.RiskScore,
		&rec.IsSuspicious,
		&rec.SuspiciousReason,
		&suspiciousAt,
		&rec.IsPermanentlyBlocked,
		&blockedUntil,
		&rec.BlockedReason,
		&firstBlocked,
		&lastBlocked,
		&lastRequest,
		&rec.UserAgent,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.SuspiciousAt = suspiciousAt.Time
	rec.BlockedUntil = blockedUntil.Time
	rec.FirstBlockedAt = firstBlocked.Time
	rec.LastBlockedAt = lastBlocked.Time
	rec.LastRequestAt = lastRequest.Time
	return &rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
