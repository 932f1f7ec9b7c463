// Package blocklog keeps an append-only audit trail of denied requests.
package blocklog

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/events"
)

// Entry is one recorded block. Entries are never modified.
type Entry struct {
	ID           int64     `json:"id"`
	EventID      string    `json:"eventId"`
	Identity     string    `json:"identity"`
	Operation    string    `json:"operation"`
	Path         string    `json:"path,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	Reason       string    `json:"reason"`
	Kind         string    `json:"kind,omitempty"`
	BlockedCount int       `json:"blockedCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// ListByIdentity returns the most recent entries first.
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*Entry, error)
	Count(ctx context.Context) (int64, error)
	PurgeBefore(ctx context.Context, before time.Time) (int, error)
}

// Observer writes one entry per block notification.
type Observer struct {
	store  Store
	logger *slog.Logger
}

// NewObserver creates an observer writing into store.
func NewObserver(store Store, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{store: store, logger: logger}
}

func (o *Observer) ObserveBlock(ctx context.Context, ev events.BlockObserved) {
	e := &Entry{
		EventID:      ev.EventID,
		Identity:     ev.Identity,
		Operation:    ev.Operation,
		Path:         ev.Path,
		UserAgent:    ev.UserAgent,
		Reason:       ev.Reason,
		Kind:         ev.Kind,
		BlockedCount: ev.BlockedCount,
		CreatedAt:    ev.At,
	}
	if err := o.store.Append(ctx, e); err != nil {
		o.logger.Warn("failed to append block log entry", "identity", ev.Identity, "event_id", ev.EventID, "error", err)
	}
}
