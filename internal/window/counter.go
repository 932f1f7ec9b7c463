// Package window implements the per-(identity, operation) attempt counter.
//
// Each key owns a fixed window and a longer auto-reset span. Calls inside the
// budget increment the count; calls over it are denied without incrementing,
// so probing a throttled key never extends its penalty. Locking is per key:
// unrelated identities never contend.
package window

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/policy"
)

// ErrUnknownOperation is returned for operation types without a policy.
var ErrUnknownOperation = errors.New("window: unknown operation type")

// Result is the outcome of one Check.
type Result struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	// ResetIn is the time left in the current window, never negative.
	ResetIn time.Duration
	// RetryAfter is set on denial: how long until the key admits again.
	RetryAfter time.Duration
}

// ResetInSeconds rounds ResetIn up to whole seconds.
func (r Result) ResetInSeconds() int {
	return ceilSeconds(r.ResetIn)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	return ceilSeconds(r.RetryAfter)
}

type key struct {
	identity string
	op       string
}

type entry struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	createdAt   time.Time
	lastSeen    time.Time
	removed     bool
}

// Counter tracks attempt counts for every (identity, operation) pair.
type Counter struct {
	policies policy.Set
	entries  sync.Map // key -> *entry
	now      func() time.Time
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// NewCounter creates a counter enforcing the given policies.
func NewCounter(policies policy.Set, opts ...Option) *Counter {
	c := &Counter{policies: policies, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check consumes one attempt for (identity, op) if the budget allows it.
func (c *Counter) Check(identity, op string) (Result, error) {
	p, ok := c.policies.Lookup(op)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	now := c.now()
	k := key{identity: identity, op: op}

	for {
		e := c.load(k, now)
		e.mu.Lock()
		if e.removed {
			// Lost a race with Reset or Sweep; the next load stores a fresh entry.
			e.mu.Unlock()
			continue
		}
		res := e.consume(p, now)
		e.mu.Unlock()
		return res, nil
	}
}

// Peek reports what the next Check would see without consuming an attempt.
func (c *Counter) Peek(identity, op string) (Result, error) {
	p, ok := c.policies.Lookup(op)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	now := c.now()

	v, ok := c.entries.Load(key{identity: identity, op: op})
	if !ok {
		return Result{Allowed: true, Limit: p.MaxAttempts, Remaining: p.MaxAttempts, ResetIn: p.Window}, nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	count, start := e.count, e.windowStart
	if expired(p, now.Sub(start)) {
		count, start = 0, now
	}
	elapsed := now.Sub(start)
	res := Result{
		Allowed:   count < p.MaxAttempts,
		Count:     count,
		Limit:     p.MaxAttempts,
		Remaining: max(0, p.MaxAttempts-count),
		ResetIn:   max(0, p.Window-elapsed),
	}
	if !res.Allowed {
		res.RetryAfter = retryAfter(p, elapsed)
	}
	return res, nil
}

// Throttled reports whether any operation budget for identity is exhausted.
func (c *Counter) Throttled(identity string) bool {
	for _, op := range c.policies.Operations() {
		if res, err := c.Peek(identity, op); err == nil && !res.Allowed {
			return true
		}
	}
	return false
}

// Reset clears the counter for one operation. It reports whether one existed.
func (c *Counter) Reset(identity, op string) bool {
	v, ok := c.entries.LoadAndDelete(key{identity: identity, op: op})
	if !ok {
		return false
	}
	retire(v.(*entry))
	return true
}

// ResetIdentity clears every operation counter for identity.
func (c *Counter) ResetIdentity(identity string) int {
	n := 0
	for _, op := range c.policies.Operations() {
		if c.Reset(identity, op) {
			n++
		}
	}
	return n
}

// ResetAll clears every counter.
func (c *Counter) ResetAll() {
	c.entries.Range(func(k, v any) bool {
		if c.entries.CompareAndDelete(k, v) {
			retire(v.(*entry))
		}
		return true
	})
}

// Sweep drops counters untouched for at least idle and returns how many were
// removed. Entries busy with a Check are skipped rather than waited on.
func (c *Counter) Sweep(idle time.Duration) int {
	now := c.now()
	removed := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if !e.mu.TryLock() {
			return true
		}
		stale := !e.removed && now.Sub(e.lastSeen) >= idle
		if stale {
			e.removed = true
		}
		e.mu.Unlock()
		if stale && c.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of live counters.
func (c *Counter) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Counter) load(k key, now time.Time) *entry {
	if v, ok := c.entries.Load(k); ok {
		return v.(*entry)
	}
	v, _ := c.entries.LoadOrStore(k, &entry{windowStart: now, createdAt: now, lastSeen: now})
	return v.(*entry)
}

// caller holds e.mu
func (e *entry) consume(p policy.Policy, now time.Time) Result {
	e.lastSeen = now
	elapsed := now.Sub(e.windowStart)
	if expired(p, elapsed) {
		e.count = 0
		e.windowStart = now
		elapsed = 0
	}

	res := Result{Limit: p.MaxAttempts}
	if e.count < p.MaxAttempts {
		e.count++
		res.Allowed = true
	}
	res.Count = e.count
	res.Remaining = max(0, p.MaxAttempts-e.count)
	res.ResetIn = max(0, p.Window-elapsed)
	if !res.Allowed {
		res.RetryAfter = retryAfter(p, elapsed)
	}
	return res
}

func expired(p policy.Policy, elapsed time.Duration) bool {
	return elapsed > p.AutoReset || (p.WindowScoped && elapsed > p.Window)
}

func retryAfter(p policy.Policy, elapsed time.Duration) time.Duration {
	boundary := p.AutoReset
	if p.WindowScoped {
		boundary = p.Window
	}
	return max(0, boundary-elapsed)
}

func retire(e *entry) {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
