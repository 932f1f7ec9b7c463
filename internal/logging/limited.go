package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limited passes at most burst records per interval through to its logger and
// drops the rest. The number dropped since the last emitted record is attached
// as "suppressed" so an outage still shows its true volume.
type Limited struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewLimited wraps logger with a token bucket refilled once per interval.
func NewLimited(logger *slog.Logger, interval time.Duration, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Warn logs at warn level subject to the rate limit.
func (l *Limited) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Suppressed returns how many records are currently being held back.
func (l *Limited) Suppressed() int64 {
	return l.suppressed.Load()
}

func (l *Limited) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	l.logger.Log(ctx, level, msg, args...)
}
