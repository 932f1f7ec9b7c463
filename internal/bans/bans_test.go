package bans

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/testutil"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, created, err := s.Create(ctx, &Ban{Identity: "ip-1", Reason: "rate limit exceeded multiple times", BannedBy: System, BannedAt: base})
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, first.Active)
		assert.NotEmpty(t, first.ID)

		second, created, err := s.Create(ctx, &Ban{Identity: "ip-1", Reason: "other", BannedBy: "admin", BannedAt: base.Add(time.Minute)})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "rate limit exceeded multiple times", second.Reason)

		n, err := s.CountActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("concurrent creates yield one ban", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		createdCount := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, created, err := s.Create(ctx, &Ban{Identity: "ip-1", Reason: "r", BannedBy: System, BannedAt: base})
				assert.NoError(t, err)
				if created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, createdCount)
	})

	t.Run("deactivate then ban again", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.Create(ctx, &Ban{Identity: "ip-1", Reason: "r", BannedBy: "admin", Notes: "manual", BannedAt: base})
		require.NoError(t, err)

		got, err := s.Active(ctx, "ip-1")
		require.NoError(t, err)
		assert.Equal(t, "manual", got.Notes)

		require.NoError(t, s.Deactivate(ctx, "ip-1"))
		assert.ErrorIs(t, s.Deactivate(ctx, "ip-1"), ErrNotFound)

		_, err = s.Active(ctx, "ip-1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, created, err := s.Create(ctx, &Ban{Identity: "ip-1", Reason: "again", BannedBy: System, BannedAt: base.Add(time.Hour)})
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("list active newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, id := range []string{"ip-1", "ip-2", "ip-3"} {
			_, _, err := s.Create(ctx, &Ban{Identity: id, Reason: "r", BannedBy: System, BannedAt: base.Add(time.Duration(i) * time.Minute)})
			require.NoError(t, err)
		}
		require.NoError(t, s.Deactivate(ctx, "ip-2"))

		list, err := s.ListActive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "ip-3", list[0].Identity)
		assert.Equal(t, "ip-1", list[1].Identity)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	db := testutil.PGTest(t)
	runStoreSuite(t, func(t *testing.T) Store {
		testutil.Truncate(t, db)
		return NewPostgresStore(db)
	})
}
