package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps statistics in Redis: one hash per identity, a sorted set
// ranking identities by blocked count, and index sets for summaries.
// CompareAndSwap uses WATCH/MULTI so concurrent writers from several
// processes still lose cleanly with ErrConflict.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default "sentinel:stats").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// NewRedisStore creates a Redis-backed statistics store.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "sentinel:stats"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) recordKey(identity string) string { return s.prefix + ":id:" + identity }
func (s *RedisStore) indexKey() string                 { return s.prefix + ":ids" }
func (s *RedisStore) blockedKey() string               { return s.prefix + ":blocked" }
func (s *RedisStore) bannedKey() string                { return s.prefix + ":banned" }

func (s *RedisStore) Get(ctx context.Context, identity string) (*Statistics, error) {
	fields, err := s.rdb.HGetAll(ctx, s.recordKey(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(identity, fields)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, next *Statistics, expectedVersion int64) error {
	key := s.recordKey(next.Identity)

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Int64()
		switch {
		case errors.Is(err, redis.Nil):
			current = 0
		case err != nil:
			return err
		}
		if current != expectedVersion {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeHash(next))
			pipe.SAdd(ctx, s.indexKey(), next.Identity)
			if next.BlockedCount > 0 {
				pipe.ZAdd(ctx, s.blockedKey(), redis.Z{Score: float64(next.BlockedCount), Member: next.Identity})
			} else {
				pipe.ZRem(ctx, s.blockedKey(), next.Identity)
			}
			if next.IsPermanentlyBlocked {
				pipe.SAdd(ctx, s.bannedKey(), next.Identity)
			} else {
				pipe.SRem(ctx, s.bannedKey(), next.Identity)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return fmt.Errorf("failed to write statistics: %w", err)
	}
}

func (s *RedisStore) TopBlocked(ctx context.Context, limit int) ([]*Statistics, error) {
	if limit <= 0 {
		limit = 100
	}
	ranked, err := s.rdb.ZRevRangeWithScores(ctx, s.blockedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list top blocked: %w", err)
	}
	if len(ranked) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ranked))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, z := range ranked {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(fmt.Sprint(z.Member)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load top blocked: %w", err)
	}

	result := make([]*Statistics, 0, len(ranked))
	for i, z := range ranked {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeHash(fmt.Sprint(z.Member), fields)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	sortByBlocked(result)
	return result, nil
}

func (s *RedisStore) Summary(ctx context.Context) (Summary, error) {
	var (
		tracked, banned *redis.IntCmd
		blocked         *redis.ZSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		tracked = pipe.SCard(ctx, s.indexKey())
		banned = pipe.SCard(ctx, s.bannedKey())
		blocked = pipe.ZRangeWithScores(ctx, s.blockedKey(), 0, -1)
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize statistics: %w", err)
	}

	sum := Summary{
		TrackedIdentities:  int(tracked.Val()),
		PermanentlyBlocked: int(banned.Val()),
	}
	for _, z := range blocked.Val() {
		sum.BlockedIdentities++
		sum.TotalBlocks += int64(z.Score)
	}
	return sum, nil
}

func (s *RedisStore) Delete(ctx context.Context, identity string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(identity))
		pipe.SRem(ctx, s.indexKey(), identity)
		pipe.ZRem(ctx, s.blockedKey(), identity)
		pipe.SRem(ctx, s.bannedKey(), identity)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete statistics: %w", err)
	}
	return nil
}

func (s *RedisStore) PurgeIdle(ctx context.Context, cutoff time.Time) (int, error) {
	var cursor uint64
	purged := 0
	for {
		ids, next, err := s.rdb.SScan(ctx, s.indexKey(), cursor, "", 200).Result()
		if err != nil {
			return purged, fmt.Errorf("failed to scan statistics: %w", err)
		}
		for _, id := range ids {
			rec, err := s.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				_ = s.rdb.SRem(ctx, s.indexKey(), id).Err()
				continue
			}
			if err != nil {
				return purged, err
			}
			last := rec.LastRequestAt
			if last.IsZero() {
				last = rec.CreatedAt
			}
			if rec.IsPermanentlyBlocked || !last.Before(cutoff) {
				continue
			}
			if err := s.Delete(ctx, id); err != nil {
				return purged, err
			}
			purged++
		}
		if next == 0 {
			return purged, nil
		}
		cursor = next
	}
}

func encodeHash(s *Statistics) map[string]any {
	return map[string]any{
		"total_requests":         s.TotalRequests,
		"successful_requests":    s.SuccessfulRequests,
		"failed_requests":        s.FailedRequests,
		"blocked_count":          s.BlockedCount,
		"risk_score":             s.RiskScore,
		"is_suspicious":          strconv.FormatBool(s.IsSuspicious),
		"suspicious_reason":      s.SuspiciousReason,
		"suspicious_at":          encodeTime(s.SuspiciousAt),
		"is_permanently_blocked": strconv.FormatBool(s.IsPermanentlyBlocked),
		"blocked_until":          encodeTime(s.BlockedUntil),
		"blocked_reason":         s.BlockedReason,
		"first_blocked_at":       encodeTime(s.FirstBlockedAt),
		"last_blocked_at":        encodeTime(s.LastBlockedAt),
		"last_request_at":        encodeTime(s.LastRequestAt),
		"user_agent":             s.UserAgent,
		"version":                s.Version,
		"created_at":             encodeTime(s.CreatedAt),
		"updated_at":             encodeTime(s.UpdatedAt),
	}
}

func decodeHash(identity string, f map[string]string) (*Statistics, error) {
	d := hashDecoder{fields: f}
	rec := &Statistics{
		Identity:             identity,
		TotalRequests:        d.int64("total_requests"),
		SuccessfulRequests:   d.int64("successful_requests"),
		FailedRequests:       d.int64("failed_requests"),
		BlockedCount:         int(d.int64("blocked_count")),
		RiskScore:            int(d.int64("risk_score")),
		IsSuspicious:         d.bool("is_suspicious"),
		SuspiciousReason:     f["suspicious_reason"],
		SuspiciousAt:         d.time("suspicious_at"),
		IsPermanentlyBlocked: d.bool("is_permanently_blocked"),
		BlockedUntil:         d.time("blocked_until"),
		BlockedReason:        f["blocked_reason"],
		FirstBlockedAt:       d.time("first_blocked_at"),
		LastBlockedAt:        d.time("last_blocked_at"),
		LastRequestAt:        d.time("last_request_at"),
		UserAgent:            f["user_agent"],
		Version:              d.int64("version"),
		CreatedAt:            d.time("created_at"),
		UpdatedAt:            d.time("updated_at"),
	}
	if d.err != nil {
		return nil, fmt.Errorf("failed to decode statistics for %s: %w", identity, d.err)
	}
	return rec, nil
}

// hashDecoder keeps the first parse error so decodeHash reads straight through.
type hashDecoder struct {
	fields map[string]string
	err    error
}

func (d *hashDecoder) int64(name string) int64 {
	v, ok := d.fields[name]
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("field %s: %w", name, err)
	}
	return n
}

func (d *hashDecoder) bool(name string) bool {
	return d.fields[name] == "true"
}

func (d *hashDecoder) time(name string) time.Time {
	n := d.int64(name)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
