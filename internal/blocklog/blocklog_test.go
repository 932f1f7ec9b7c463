package blocklog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/testutil"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("append and list newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			e := &Entry{EventID: "evt", Identity: "ip-1", Operation: "login", Reason: "THROTTLED", BlockedCount: i + 1, CreatedAt: base.Add(time.Duration(i) * time.Second)}
			require.NoError(t, s.Append(ctx, e))
			assert.NotZero(t, e.ID)
		}
		require.NoError(t, s.Append(ctx, &Entry{EventID: "evt", Identity: "ip-2", Operation: "login", Reason: "SUSPICIOUS", Kind: "BOT_LIKE_BEHAVIOR", BlockedCount: 1, CreatedAt: base}))

		list, err := s.ListByIdentity(ctx, "ip-1", 3)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, 5, list[0].BlockedCount)
		assert.Equal(t, 3, list[2].BlockedCount)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(6), n)
	})

	t.Run("purge before cutoff", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, &Entry{EventID: "a", Identity: "ip-1", Operation: "login", Reason: "THROTTLED", CreatedAt: base.Add(-31 * 24 * time.Hour)}))
		require.NoError(t, s.Append(ctx, &Entry{EventID: "b", Identity: "ip-1", Operation: "login", Reason: "THROTTLED", CreatedAt: base}))

		n, err := s.PurgeBefore(ctx, base.Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		list, err := s.ListByIdentity(ctx, "ip-1", 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "b", list[0].EventID)
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

func TestObserver(t *testing.T) {
	store := NewMemoryStore()
	obs := NewObserver(store, nil)

	obs.ObserveBlock(context.Background(), events.BlockObserved{
		EventID:      "evt-1",
		Identity:     "203.0.113.7",
		Operation:    "login",
		Path:         "/api/login",
		UserAgent:    "curl/8.4.0",
		Reason:       "SUSPICIOUS",
		Kind:         "BOT_LIKE_BEHAVIOR",
		BlockedCount: 7,
		At:           base,
	})

	list, err := store.ListByIdentity(context.Background(), "203.0.113.7", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	e := list[0]
	assert.Equal(t, "evt-1", e.EventID)
	assert.Equal(t, "/api/login", e.Path)
	assert.Equal(t, "BOT_LIKE_BEHAVIOR", e.Kind)
	assert.Equal(t, 7, e.BlockedCount)
	assert.True(t, e.CreatedAt.Equal(base))
}
