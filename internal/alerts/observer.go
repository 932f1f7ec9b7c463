package alerts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/sentinel/internal/events"
)

// Default block-count thresholds.
const (
	DefaultWarnThreshold   = 5
	DefaultDangerThreshold = 10
)

// ThresholdObserver raises an alert when a block notification's count lands
// on a threshold. Counts grow by exactly one per event, so each crossing is
// seen once.
type ThresholdObserver struct {
	sink   Sink
	warn   int
	danger int
	logger *slog.Logger
}

// NewThresholdObserver creates an observer. Non-positive thresholds disable
// that level.
func NewThresholdObserver(sink Sink, warn, danger int, logger *slog.Logger) *ThresholdObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThresholdObserver{sink: sink, warn: warn, danger: danger, logger: logger}
}

func (o *ThresholdObserver) ObserveBlock(ctx context.Context, ev events.BlockObserved) {
	a := o.alertFor(ev)
	if a == nil {
		return
	}
	created, err := o.sink.Raise(ctx, a)
	if err != nil {
		o.logger.Warn("failed to raise alert", "identity", ev.Identity, "kind", a.Kind, "error", err)
		return
	}
	if created {
		o.logger.Info("alert raised", "identity", ev.Identity, "kind", a.Kind, "blocked_count", ev.BlockedCount)
	}
}

func (o *ThresholdObserver) alertFor(ev events.BlockObserved) *Alert {
	n := ev.BlockedCount
	switch {
	case o.danger > 0 && n == o.danger:
		return &Alert{
			Identity:  ev.Identity,
			Kind:      KindSuspiciousActivity,
			Severity:  SeverityDanger,
			Message:   fmt.Sprintf("%s has been blocked %d times", ev.Identity, n),
			CreatedAt: ev.At,
		}
	case o.warn > 0 && n == o.warn:
		return &Alert{
			Identity:  ev.Identity,
			Kind:      KindHighFrequencyBlock,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("%s has been blocked %d times", ev.Identity, n),
			CreatedAt: ev.At,
		}
	}
	return nil
}

// PermanentBlock builds the alert raised when an identity is banned.
func PermanentBlock(identity, reason string) *Alert {
	return &Alert{
		Identity: identity,
		Kind:     KindPermanentBlock,
		Severity: SeverityDanger,
		Message:  fmt.Sprintf("%s permanently blocked: %s", identity, reason),
	}
}
