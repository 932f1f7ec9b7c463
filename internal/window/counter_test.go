package window

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/policy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testPolicies(t *testing.T) policy.Set {
	t.Helper()
	s, err := policy.NewSet(map[string]policy.Policy{
		"login":   {MaxAttempts: 5, Window: 30 * time.Second, AutoReset: time.Hour},
		"booking": {MaxAttempts: 3, Window: time.Minute, AutoReset: 5 * time.Minute, WindowScoped: true},
	})
	require.NoError(t, err)
	return s
}

func TestCheck_AllowsUpToMaxThenDenies(t *testing.T) {
	clock := newFakeClock()
	c := NewCounter(testPolicies(t), WithClock(clock.Now))

	var remaining []int
	for i := 0; i < 5; i++ {
		res, err := c.Check("203.0.113.7", "login")
		require.NoError(t, err)
		require.True(t, res.Allowed, "attempt %d", i+1)
		remaining = append(remaining, res.Remaining)
	}
	assert.Equal(t, []int{4, 3, 2, 1, 0}, remaining)

	res, err := c.Check("203.0.113.7", "login")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 5, res.Limit)
	assert.Equal(t, 30, res.ResetInSeconds())
	assert.Equal(t, 3600, res.RetryAfterSeconds())
}

func TestCheck_DenialDoesNotIncrement(t *testing.T) {
	clock := newFakeClock()
	c := NewCounter(testPolicies(t), WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		_, _ = c.Check("id", "login")
	}
	res, err := c.Peek("id", "login")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Count)
}

func TestCheck_ResetInCountsDown(t *testing.T) {
	clock := newFakeClock()
	c := NewCounter(testPolicies(t), WithClock(clock.Now))

	_, _ = c.Check("id", "login")
	clock.Advance(12 * time.Second)
	res, _ := c.Check("id", "login")
	assert.Equal(t, 18, res.ResetInSeconds())

	clock.Advance(40 * time.Second)
	res, _ = c.Check("id", "login")
	assert.Equal(t, 0, res.ResetInSeconds(), "never negative")
}

func TestCheck_AutoResetForgivesExhaustedBudget(t *testing.T) {
	clock := newFakeClock()
	c := NewCounter(testPolicies(t), WithClock(clock.Now))

	for i := 0; i < 6; i++ {
		_, _ = c.Check("id", "login")
	}

	// Window elapsed but auto-reset has not: login is not window-scoped.
	clock.Advance(10 * time.Minute)
	res, _ := c.Check("id", "login")
	assert.False(t, res.Allowed)

	clock.Advance(time.Hour)
	res, _ = c.Check("id", "login")
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestCheck_WindowScopedResetsAfterWindow(t *testing.T) {
	clock := newFakeClock()
	c := NewCounter(testPolicies(t), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		res, _ := c.Check("id", "booking")
		require.True(t, res.Allowed)
	}
	res, _ := c.Check("id", "booking")
	require.False(t, res.Allowed)
	assert.Equal(t, 60, res.RetryAfterSeconds())

	clock.Advance(61 * time.Second)
	res, _ = c.Check("id", "booking")
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, 60, res.ResetInSeconds(), "window restarts at the reset")
}

func TestCheck_BoundaryIsExclusive(t *testing.T) {
	clock := newFakeClock()
	c := NewCounter(testPolicies(t), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		_, _ = c.Check("id", "booking")
	}
	clock.Advance(time.Minute)
	res, _ := c.Check("id", "booking")
	assert.False(t, res.Allowed, "reset only once now > windowStart + window")
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	c := NewCounter(testPolicies(t))

	for i := 0; i < 5; i++ {
		_, _ = c.Check("a", "login")
	}
	res, _ := c.Check("b", "login")
	assert.True(t, res.Allowed)
	res, _ = c.Check("a", "booking")
	assert.True(t, res.Allowed)
}

func TestCheck_UnknownOperation(t *testing.T) {
	c := NewCounter(testPolicies(t))
	_, err := c.Check("id", "checkout")
	assert.True(t, errors.Is(err, ErrUnknownOperation))

	_, err = c.Peek("id", "checkout")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestCheck_ConcurrentCallersShareBudget(t *testing.T) {
	s, err := policy.NewSet(map[string]policy.Policy{
		"chat": {MaxAttempts: 50, Window: time.Minute, AutoReset: time.Hour},
	})
	require.NoError(t, err)
	c := NewCounter(s)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, _ := c.Check("hot", "chat"); res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestCheck_CountNeverDecreasesWithinWindow(t *testing.T) {
	s, err := policy.NewSet(map[string]policy.Policy{
		"chat": {MaxAttempts: 1000, Window: time.Minute, AutoReset: time.Hour},
	})
	require.NoError(t, err)
	c := NewCounter(s)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for i := 0; i < 100; i++ {
				res, _ := c.Check("id", "chat")
				if res.Count < last {
					t.Errorf("count went backwards: %d after %d", res.Count, last)
					return
				}
				last = res.Count
			}
		}()
	}
	wg.Wait()
}

func TestReset(t *testing.T) {
	c := NewCounter(testPolicies(t))
	for i := 0; i < 6; i++ {
		_, _ = c.Check("id", "login")
		_, _ = c.Check("id", "booking")
	}

	assert.True(t, c.Reset("id", "login"))
	assert.False(t, c.Reset("id", "login"))

	res, _ := c.Check("id", "login")
	assert.True(t, res.Allowed)
	res, _ = c.Check("id", "booking")
	assert.False(t, res.Allowed, "other operation types keep their state")
}

func TestResetIdentityAndAll(t *testing.T) {
	c := NewCounter(testPolicies(t))
	_, _ = c.Check("a", "login")
	_, _ = c.Check("a", "booking")
	_, _ = c.Check("b", "login")

	assert.Equal(t, 2, c.ResetIdentity("a"))
	assert.Equal(t, 1, c.Len())

	c.ResetAll()
	assert.Equal(t, 0, c.Len())
}

func TestThrottled(t *testing.T) {
	c := NewCounter(testPolicies(t))
	assert.False(t, c.Throttled("id"))

	for i := 0; i < 3; i++ {
		_, _ = c.Check("id", "booking")
	}
	assert.True(t, c.Throttled("id"))
}

func TestPeek_DoesNotConsume(t *testing.T) {
	c := NewCounter(testPolicies(t))
	res, err := c.Peek("fresh", "login")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
	assert.Equal(t, 0, c.Len())
}

func TestSweep_RemovesIdleEntries(t *testing.T) {
	clock := newFakeClock()
	c := NewCounter(testPolicies(t), WithClock(clock.Now))

	_, _ = c.Check("old", "login")
	clock.Advance(23 * time.Hour)
	_, _ = c.Check("recent", "login")
	clock.Advance(2 * time.Hour)

	assert.Equal(t, 1, c.Sweep(24*time.Hour))
	assert.Equal(t, 1, c.Len())

	res, _ := c.Check("old", "login")
	assert.Equal(t, 4, res.Remaining, "re-created lazily after sweep")
}

func TestSweep_ConcurrentWithChecks(t *testing.T) {
	clock := newFakeClock()
	c := NewCounter(testPolicies(t), WithClock(clock.Now))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.Sweep(0)
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		_, err := c.Check("id", "booking")
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}
