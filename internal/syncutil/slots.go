package syncutil

import (
	"context"
	"sync/atomic"
)

// Slots bounds how many background tasks may run at once. A full pool means
// the caller skips the work instead of queueing it.
type Slots struct {
	sem    chan struct{}
	closed atomic.Bool
}

// NewSlots creates a pool with n slots (minimum 1).
func NewSlots(n int) *Slots {
	if n <= 0 {
		n = 1
	}
	return &Slots{sem: make(chan struct{}, n)}
}

// TryAcquire takes a slot without waiting. The release func must be called
// exactly once.
func (s *Slots) TryAcquire() (func(), bool) {
	if s.closed.Load() {
		return nil, false
	}
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, true
	default:
		return nil, false
	}
}

// Acquire waits for a slot until ctx is done.
func (s *Slots) Acquire(ctx context.Context) (func(), error) {
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Go runs fn on its own goroutine if a slot is free and reports whether it
// was started.
func (s *Slots) Go(fn func()) bool {
	release, ok := s.TryAcquire()
	if !ok {
		return false
	}
	go func() {
		defer release()
		fn()
	}()
	return true
}

// Close stops the pool from starting new tasks and waits for running ones to
// finish, or for ctx to end. Slots are never handed out again afterwards.
func (s *Slots) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	for range cap(s.sem) {
		if _, err := s.Acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}

// InUse returns the number of slots currently taken.
func (s *Slots) InUse() int { return len(s.sem) }

// Cap returns the pool size.
func (s *Slots) Cap() int { return cap(s.sem) }
