// Package events fans a recorded block out to read-only observers.
//
// The engine publishes exactly one BlockObserved per block event after the
// durable counter has been incremented. Observers get a copy carrying the
// post-increment count; none of them can change it.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BlockObserved describes one recorded block.
type BlockObserved struct {
	EventID   string
	Identity  string
	Operation string
	Path      string
	UserAgent string
	// Reason is the decision reason: THROTTLED or SUSPICIOUS.
	Reason string
	// Kind is the anomaly classification for suspicion blocks.
	Kind string
	// BlockedCount is the durable count after this event, or 0 when the
	// statistics store could not be updated.
	BlockedCount int
	At           time.Time
}

// Observer reacts to block notifications.
type Observer interface {
	ObserveBlock(ctx context.Context, ev BlockObserved)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev BlockObserved)

func (f ObserverFunc) ObserveBlock(ctx context.Context, ev BlockObserved) { f(ctx, ev) }

type inFlightKey struct{}

// Dispatching reports whether ctx belongs to an observer call.
func Dispatching(ctx context.Context) bool {
	v, _ := ctx.Value(inFlightKey{}).(bool)
	return v
}

// DefaultObserverTimeout bounds each observer call.
const DefaultObserverTimeout = 2 * time.Second

// Bus delivers notifications synchronously to every subscriber in
// registration order.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	timeout   time.Duration
	logger    *slog.Logger
	dropped   atomic.Int64
}

// NewBus creates a bus. timeout <= 0 uses DefaultObserverTimeout.
func NewBus(logger *slog.Logger, timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = DefaultObserverTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{timeout: timeout, logger: logger}
}

// Subscribe adds an observer.
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Publish delivers ev to every observer. A publish issued from inside an
// observer is dropped so a misbehaving observer cannot loop.
func (b *Bus) Publish(ctx context.Context, ev BlockObserved) {
	if Dispatching(ctx) {
		b.dropped.Add(1)
		b.logger.Warn("nested block notification dropped", "identity", ev.Identity, "event_id", ev.EventID)
		return
	}
	ctx = context.WithValue(ctx, inFlightKey{}, true)

	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, o := range observers {
		b.deliver(ctx, o, ev)
	}
}

// Dropped returns how many nested publishes were discarded.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) deliver(ctx context.Context, o Observer, ev BlockObserved) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in block observer", "panic", fmt.Sprint(r), "identity", ev.Identity)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	o.ObserveBlock(ctx, ev)
}
