package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create then update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := New("198.51.100.1", base)
		rec.RecordBlock(base, "THROTTLED", "curl/8.0")
		rec.Version = 1
		require.NoError(t, s.CompareAndSwap(ctx, rec, 0))

		assert.ErrorIs(t, s.CompareAndSwap(ctx, rec, 0), ErrConflict, "create twice")

		got, err := s.Get(ctx, "198.51.100.1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, 1, got.BlockedCount)
		assert.Equal(t, int64(1), got.FailedRequests)
		assert.Equal(t, "curl/8.0", got.UserAgent)
		assert.True(t, got.LastBlockedAt.Equal(base))
		assert.True(t, got.SuspiciousAt.IsZero())

		got.BlockedCount = 2
		got.Version = 2
		require.NoError(t, s.CompareAndSwap(ctx, got, 1))
		assert.ErrorIs(t, s.CompareAndSwap(ctx, got, 1), ErrConflict, "stale version")

		again, err := s.Get(ctx, "198.51.100.1")
		require.NoError(t, err)
		assert.Equal(t, 2, again.BlockedCount)
	})

	t.Run("update missing conflicts", func(t *testing.T) {
		s := newStore(t)
		rec := New("ghost", base)
		rec.Version = 4
		assert.ErrorIs(t, s.CompareAndSwap(context.Background(), rec, 3), ErrConflict)
	})

	t.Run("top blocked and summary", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, blocks := range []int{3, 0, 7, 3} {
			rec := New(fmt.Sprintf("id-%d", i), base)
			rec.BlockedCount = blocks
			rec.LastRequestAt = base
			rec.IsPermanentlyBlocked = blocks == 7
			rec.Version = 1
			require.NoError(t, s.CompareAndSwap(ctx, rec, 0))
		}

		top, err := s.TopBlocked(ctx, 10)
		require.NoError(t, err)
		require.Len(t, top, 3)
		assert.Equal(t, "id-2", top[0].Identity)
		assert.Equal(t, "id-0", top[1].Identity)
		assert.Equal(t, "id-3", top[2].Identity)

		top, err = s.TopBlocked(ctx, 1)
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, 7, top[0].BlockedCount)

		sum, err := s.Summary(ctx)
		require.NoError(t, err)
		assert.Equal(t, Summary{TrackedIdentities: 4, BlockedIdentities: 3, PermanentlyBlocked: 1, TotalBlocks: 13}, sum)
	})

	t.Run("purge idle keeps banned", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		old := New("old", base)
		old.LastRequestAt = base
		old.Version = 1
		banned := New("banned", base)
		banned.LastRequestAt = base
		banned.IsPermanentlyBlocked = true
		banned.Version = 1
		fresh := New("fresh", base)
		fresh.LastRequestAt = base.Add(48 * time.Hour)
		fresh.Version = 1
		for _, r := range []*Statistics{old, banned, fresh} {
			require.NoError(t, s.CompareAndSwap(ctx, r, 0))
		}

		n, err := s.PurgeIdle(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "banned")
		assert.NoError(t, err)
	})

	t.Run("purge idle falls back to creation time", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		// Created by a reset or ban before any request was seen.
		recent := New("recent", base.Add(48*time.Hour))
		recent.Version = 1
		stale := New("stale", base)
		stale.Version = 1
		for _, r := range []*Statistics{recent, stale} {
			require.NoError(t, s.CompareAndSwap(ctx, r, 0))
		}

		n, err := s.PurgeIdle(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "recent")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "stale")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := New("gone", base)
		rec.BlockedCount = 1
		rec.Version = 1
		require.NoError(t, s.CompareAndSwap(ctx, rec, 0))

		require.NoError(t, s.Delete(ctx, "gone"))
		_, err := s.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrNotFound)

		top, err := s.TopBlocked(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, top)
	})
}
