package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/sentinel/internal/metrics"
)

// SweepResult counts in-memory entries dropped by one SweepIdle pass.
type SweepResult struct {
	Counters  int
	Histories int
	Pending   int
	Holds     int
	Risk      int
	BanCache  int
}

// Total is the sum of all evictions.
func (r SweepResult) Total() int {
	return r.Counters + r.Histories + r.Pending + r.Holds + r.Risk + r.BanCache
}

// SweepIdle drops in-memory state untouched for at least idle. Expired holds
// and stale negative ban lookups are dropped regardless of idle. Live
// admissions may run concurrently; a dropped entry is recreated on next use.
func (e *Engine) SweepIdle(idle time.Duration) SweepResult {
	now := e.now()
	r := SweepResult{
		Counters:  e.counter.Sweep(idle),
		Histories: e.analyzer.Sweep(idle),
	}

	e.pending.Range(func(k, v any) bool {
		if now.Sub(v.(pendingFlag).at) >= idle && e.pending.CompareAndDelete(k, v) {
			r.Pending++
		}
		return true
	})
	e.holds.Range(func(k, v any) bool {
		if !now.Before(v.(time.Time)) && e.holds.CompareAndDelete(k, v) {
			r.Holds++
		}
		return true
	})
	e.riskCache.Range(func(k, v any) bool {
		if now.Sub(v.(cachedRisk).at) >= idle && e.riskCache.CompareAndDelete(k, v) {
			r.Risk++
		}
		return true
	})
	e.banned.Range(func(k, v any) bool {
		b := v.(banEntry)
		if !b.banned && now.Sub(b.checkedAt) >= e.banRecheck && e.banned.CompareAndDelete(k, v) {
			r.BanCache++
		}
		return true
	})

	metrics.SweepEvictionsTotal.WithLabelValues("counters").Add(float64(r.Counters))
	metrics.SweepEvictionsTotal.WithLabelValues("histories").Add(float64(r.Histories))
	metrics.SweepEvictionsTotal.WithLabelValues("pending").Add(float64(r.Pending))
	metrics.TrackedCounters.Set(float64(e.counter.Len()))
	return r
}

// Sweeper periodically evicts idle in-memory state and, on a slower cadence,
// purges durable rows past retention.
type Sweeper struct {
	engine        *Engine
	interval      time.Duration
	idle          time.Duration
	retention     time.Duration
	purgeInterval time.Duration
	logger        *slog.Logger
	stop          chan struct{}
	running       atomic.Bool
	lastPurgeAt   time.Time
}

// NewSweeper creates a sweeper. retention <= 0 disables purging.
func NewSweeper(e *Engine, interval, idle, retention time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = e.logger
	}
	return &Sweeper{
		engine:        e,
		interval:      interval,
		idle:          idle,
		retention:     retention,
		purgeInterval: time.Hour,
		logger:        logger,
		stop:          make(chan struct{}, 1),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	if r := s.engine.SweepIdle(s.idle); r.Total() > 0 {
		s.logger.Info("swept idle admission state",
			"counters", r.Counters,
			"histories", r.Histories,
			"pending", r.Pending,
			"holds", r.Holds,
		)
	}

	if s.retention <= 0 {
		return
	}
	now := s.engine.now()
	if now.Sub(s.lastPurgeAt) < s.purgeInterval {
		return
	}
	res, err := s.engine.Purge(ctx, s.retention)
	if err != nil {
		s.logger.Warn("retention purge incomplete", "error", err)
	}
	s.lastPurgeAt = now
	if res.Alerts+res.BlockLog+res.Statistics > 0 {
		s.logger.Info("purged expired rows",
			"alerts", res.Alerts,
			"block_log", res.BlockLog,
			"statistics", res.Statistics,
		)
	}
}
