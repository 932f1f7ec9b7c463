package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func toString(v any) string {
	return fmt.Sprint(v)
}

func TestStatistics_Rates(t *testing.T) {
	s := New("id", time.Now())
	assert.Equal(t, 0.0, s.FailureRate())

	s.RecordRequest(true, time.Now(), "")
	s.RecordRequest(false, time.Now(), "")
	s.RecordRequest(false, time.Now(), "")
	s.RecordRequest(false, time.Now(), "")

	assert.Equal(t, 75.0, s.FailureRate())
	assert.Equal(t, 25.0, s.SuccessRate())
	assert.Equal(t, s.TotalRequests, s.SuccessfulRequests+s.FailedRequests)
}

func TestStatistics_RecordBlockKeepsTotalsBalanced(t *testing.T) {
	now := mustTime(t)
	s := New("id", now)
	s.RecordBlock(now, "THROTTLED", "")
	s.RecordBlock(now.Add(time.Minute), "THROTTLED", "")

	assert.Equal(t, 2, s.BlockedCount)
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, s.TotalRequests, s.SuccessfulRequests+s.FailedRequests)
	assert.True(t, s.FirstBlockedAt.Equal(now))
	assert.True(t, s.LastBlockedAt.Equal(now.Add(time.Minute)))
}

func TestStatistics_ClearBlocksKeepsBan(t *testing.T) {
	now := mustTime(t)
	s := New("id", now)
	s.RecordBlock(now, "SUSPICIOUS", "")
	s.MarkSuspicious("RAPID_REQUESTS", now)
	s.BlockedUntil = now.Add(time.Hour)
	s.IsPermanentlyBlocked = true

	s.ClearBlocks()

	assert.Equal(t, 0, s.BlockedCount)
	assert.False(t, s.IsSuspicious)
	assert.True(t, s.BlockedUntil.IsZero())
	assert.True(t, s.IsPermanentlyBlocked)
	assert.Equal(t, int64(1), s.TotalRequests, "request history is kept")
}

func TestStatistics_MarkSuspiciousKeepsFirstReason(t *testing.T) {
	now := mustTime(t)
	s := New("id", now)
	s.MarkSuspicious("BOT_LIKE_BEHAVIOR", now)
	s.MarkSuspicious("RAPID_REQUESTS", now.Add(time.Minute))

	assert.Equal(t, "BOT_LIKE_BEHAVIOR", s.SuspiciousReason)
	assert.True(t, s.SuspiciousAt.Equal(now))
}

func TestStatistics_Blocking(t *testing.T) {
	now := mustTime(t)
	s := New("id", now)
	assert.False(t, s.IsCurrentlyBlocked(now))
	assert.Equal(t, time.Duration(0), s.TimeUntilUnblock(now))

	s.BlockedUntil = now.Add(90 * time.Second)
	assert.True(t, s.IsCurrentlyBlocked(now))
	assert.Equal(t, 90*time.Second, s.TimeUntilUnblock(now))
	assert.False(t, s.IsCurrentlyBlocked(now.Add(2*time.Minute)))

	s.IsPermanentlyBlocked = true
	assert.Equal(t, time.Duration(-1), s.TimeUntilUnblock(now.Add(time.Hour)))
}

func TestUpdater_CreatesAndIncrements(t *testing.T) {
	u := NewUpdater(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec, err := u.Apply(ctx, "id", func(s *Statistics) error {
			s.RecordBlock(time.Now(), "THROTTLED", "")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, rec.BlockedCount)
		assert.Equal(t, int64(i+1), rec.Version)
	}
}

func TestUpdater_MutationErrorIsNotRetried(t *testing.T) {
	u := NewUpdater(NewMemoryStore())
	calls := 0
	boom := errors.New("reject")

	_, err := u.Apply(context.Background(), "id", func(*Statistics) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

// conflictingStore makes the first n CompareAndSwap calls lose.
type conflictingStore struct {
	*MemoryStore
	mu        sync.Mutex
	remaining int
}

func (s *conflictingStore) CompareAndSwap(ctx context.Context, next *Statistics, expected int64) error {
	s.mu.Lock()
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return ErrConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.CompareAndSwap(ctx, next, expected)
}

func TestUpdater_RetriesConflicts(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore(), remaining: 2}
	u := NewUpdater(store, WithRetry(5, time.Millisecond))

	rec, err := u.Apply(context.Background(), "id", func(s *Statistics) error {
		s.BlockedCount++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.BlockedCount, "mutation is applied once to the stored record")
}

func TestUpdater_GivesUpAfterBudget(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore(), remaining: 100}
	u := NewUpdater(store, WithRetry(3, time.Millisecond))

	_, err := u.Apply(context.Background(), "id", func(s *Statistics) error {
		s.BlockedCount++
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.Get(context.Background(), "id")
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Get(context.Context, string) (*Statistics, error) {
	return nil, errors.New("connection refused")
}

func TestUpdater_StoreErrorIsNotRetried(t *testing.T) {
	u := NewUpdater(failingStore{NewMemoryStore()}, WithRetry(5, time.Millisecond))
	_, err := u.Apply(context.Background(), "id", func(*Statistics) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestUpdater_ConcurrentWritersNeverLoseIncrements(t *testing.T) {
	store := NewMemoryStore()
	// Two updaters model two processes: their in-process locks do not
	// coordinate, so only the version check keeps increments exact.
	a := NewUpdater(store, WithRetry(100, time.Microsecond))
	b := NewUpdater(store, WithRetry(100, time.Microsecond))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, u := range []*Updater{a, b} {
			wg.Add(1)
			go func(u *Updater) {
				defer wg.Done()
				_, err := u.Apply(context.Background(), "hot", func(s *Statistics) error {
					s.RecordBlock(time.Now(), "THROTTLED", "")
					return nil
				})
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	rec, err := store.Get(context.Background(), "hot")
	require.NoError(t, err)
	assert.Equal(t, 100, rec.BlockedCount)
	assert.Equal(t, rec.TotalRequests, rec.SuccessfulRequests+rec.FailedRequests)
}

func TestUpdater_LockHonoursContext(t *testing.T) {
	u := NewUpdater(NewMemoryStore())
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = u.Apply(context.Background(), "id", func(*Statistics) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := u.Apply(ctx, "id", func(*Statistics) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrBusy)
	close(release)
}
