package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/alerts"
	"github.com/mbd888/sentinel/internal/bans"
	"github.com/mbd888/sentinel/internal/blocklog"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/stats"
	"github.com/mbd888/sentinel/internal/traces"
)

// Breaker keys and storage_errors_total labels.
const (
	depStats    = "stats"
	depAlerts   = "alerts"
	depBans     = "bans"
	depBlockLog = "blocklog"
)

// guard runs fn against a durable dependency with a timeout and the
// dependency's circuit breaker. Expected misses (not found, lost CAS race)
// count as healthy responses.
func (e *Engine) guard(ctx context.Context, dep string, fn func(context.Context) error) error {
	var callErr error
	err := e.breaker.Execute(dep, func() error {
		ctx, span := traces.StartStoreSpan(ctx, dep)
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()

		callErr = fn(ctx)
		if callErr == nil || isMiss(callErr) {
			return nil
		}
		traces.RecordError(span, callErr)
		return callErr
	})
	if err == nil {
		return callErr
	}

	metrics.StorageErrorsTotal.WithLabelValues(dep).Inc()
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		e.reporter.Warn(ctx, "durable store call failed", "dependency", dep, "error", err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, dep, err)
}

func isMiss(err error) bool {
	return errors.Is(err, stats.ErrNotFound) ||
		errors.Is(err, stats.ErrConflict) ||
		errors.Is(err, stats.ErrBusy) ||
		errors.Is(err, bans.ErrNotFound) ||
		errors.Is(err, alerts.ErrNotFound)
}

// applyStats runs one guarded statistics mutation.
func (e *Engine) applyStats(ctx context.Context, identity string, mutate stats.Mutation) (*stats.Statistics, error) {
	var snap *stats.Statistics
	err := e.guard(ctx, depStats, func(ctx context.Context) error {
		var err error
		snap, err = e.updater.Apply(ctx, identity, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// readStats returns identity's statistics, or a fresh record if there are none.
func (e *Engine) readStats(ctx context.Context, identity string) (*stats.Statistics, error) {
	var snap *stats.Statistics
	err := e.guard(ctx, depStats, func(ctx context.Context) error {
		var err error
		snap, err = e.stats.Get(ctx, identity)
		return err
	})
	if errors.Is(err, stats.ErrNotFound) {
		return stats.New(identity, e.now()), nil
	}
	return snap, err
}

// guardedSink routes observer writes through the alerts breaker.
type guardedSink struct {
	alerts.Sink
	e *Engine
}

func (g guardedSink) Raise(ctx context.Context, a *alerts.Alert) (bool, error) {
	var created bool
	err := g.e.guard(ctx, depAlerts, func(ctx context.Context) error {
		var err error
		created, err = g.Sink.Raise(ctx, a)
		return err
	})
	return created, err
}

// guardedBlockLog routes observer writes through the block-log breaker.
type guardedBlockLog struct {
	blocklog.Store
	e *Engine
}

func (g guardedBlockLog) Append(ctx context.Context, entry *blocklog.Entry) error {
	return g.e.guard(ctx, depBlockLog, func(ctx context.Context) error {
		return g.Store.Append(ctx, entry)
	})
}

// durable detaches ctx from the caller's cancellation so a block that has
// been decided is also recorded.
func durable(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
