package bans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
)

// PostgresStore persists bans in blocked_identities. A partial unique index
// on identity WHERE active keeps one active ban per identity.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ban store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const banColumns = `id, identity, reason, banned_by, banned_at, active, notes, deactivated_at`

func (s *PostgresStore) Create(ctx context.Context, b *Ban) (*Ban, bool, error) {
	stored := *b
	if stored.ID == "" {
		stored.ID = idgen.WithPrefix(idgen.PrefixBan)
	}
	if stored.BannedAt.IsZero() {
		stored.BannedAt = time.Now()
	}
	stored.Active = true

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_identities (id, identity, reason, banned_by, banned_at, active, notes)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (identity) WHERE active DO NOTHING
	`, stored.ID, stored.Identity, stored.Reason, stored.BannedBy, stored.BannedAt, stored.Notes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create ban: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return &stored, true, nil
	}

	existing, err := s.Active(ctx, stored.Identity)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) Active(ctx context.Context, identity string) (*Ban, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+banColumns+`
		FROM blocked_identities WHERE identity = $1 AND active`, identity)
	b, err := scanBan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ban: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, identity string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blocked_identities
		SET active = FALSE, deactivated_at = NOW()
		WHERE identity = $1 AND active
	`, identity)
	if err != nil {
		return fmt.Errorf("failed to deactivate ban: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Ban, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+banColumns+`
		FROM blocked_identities
		WHERE active
		ORDER BY banned_at DESC, identity ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Ban, 0)
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocked_identities WHERE active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count bans: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBan(row scanner) (*Ban, error) {
	var b Ban
	var deactivated sql.NullTime
	if err := row.Scan(&b.ID, &b.Identity, &b.Reason, &b.BannedBy, &b.BannedAt,
		&b.Active, &b.Notes, &deactivated); err != nil {
		return nil, err
	}
	b.DeactivatedAt = deactivated.Time
	return &b, nil
}
