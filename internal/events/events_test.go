package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(nil, 0)
	var got []string
	bus.Subscribe(ObserverFunc(func(_ context.Context, ev BlockObserved) {
		got = append(got, "first:"+ev.Identity)
	}))
	bus.Subscribe(ObserverFunc(func(_ context.Context, ev BlockObserved) {
		got = append(got, "second:"+ev.Identity)
	}))

	bus.Publish(context.Background(), BlockObserved{Identity: "ip-1", BlockedCount: 3})
	assert.Equal(t, []string{"first:ip-1", "second:ip-1"}, got)
}

func TestBus_ObserversGetCopies(t *testing.T) {
	bus := NewBus(nil, 0)
	bus.Subscribe(ObserverFunc(func(_ context.Context, ev BlockObserved) {
		ev.BlockedCount = 999
	}))
	var seen int
	bus.Subscribe(ObserverFunc(func(_ context.Context, ev BlockObserved) {
		seen = ev.BlockedCount
	}))

	bus.Publish(context.Background(), BlockObserved{BlockedCount: 4})
	assert.Equal(t, 4, seen)
}

func TestBus_PanicIsIsolated(t *testing.T) {
	bus := NewBus(nil, 0)
	bus.Subscribe(ObserverFunc(func(context.Context, BlockObserved) { panic("boom") }))
	var called atomic.Bool
	bus.Subscribe(ObserverFunc(func(context.Context, BlockObserved) { called.Store(true) }))

	require.NotPanics(t, func() { bus.Publish(context.Background(), BlockObserved{}) })
	assert.True(t, called.Load())
}

func TestBus_ObserverContextHasDeadline(t *testing.T) {
	bus := NewBus(nil, 50*time.Millisecond)
	var deadline bool
	bus.Subscribe(ObserverFunc(func(ctx context.Context, _ BlockObserved) {
		_, deadline = ctx.Deadline()
		<-ctx.Done()
	}))

	start := time.Now()
	bus.Publish(context.Background(), BlockObserved{})
	assert.True(t, deadline)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBus_NestedPublishIsDropped(t *testing.T) {
	bus := NewBus(nil, 0)
	var calls atomic.Int32
	bus.Subscribe(ObserverFunc(func(ctx context.Context, ev BlockObserved) {
		calls.Add(1)
		assert.True(t, Dispatching(ctx))
		bus.Publish(ctx, ev)
	}))

	bus.Publish(context.Background(), BlockObserved{Identity: "ip-1"})
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), bus.Dropped())
	assert.False(t, Dispatching(context.Background()))
}
