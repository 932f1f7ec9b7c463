// Package alerts records threshold crossings for operators. An open alert of
// a given kind is never duplicated for the same identity; alerts only close
// when resolved explicitly.
package alerts

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an alert id does not exist.
var ErrNotFound = errors.New("alerts: not found")

// Kind classifies an alert.
type Kind string

const (
	KindHighFrequencyBlock Kind = "HIGH_FREQUENCY_BLOCK"
	KindSuspiciousActivity Kind = "SUSPICIOUS_ACTIVITY"
	KindPermanentBlock     Kind = "PERMANENT_BLOCK"
)

// Severity is how loudly an alert should be surfaced.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Alert is one operator-facing notice about an identity.
type Alert struct {
	ID         string    `json:"id"`
	Identity   string    `json:"identity"`
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	CreatedAt  time.Time `json:"createdAt"`
	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolvedAt,omitzero"`
}

// Sink stores alerts and owns their lifecycle.
type Sink interface {
	// Raise stores a, unless an unresolved alert of the same kind already
	// exists for the identity. It reports whether a new alert was stored.
	Raise(ctx context.Context, a *Alert) (bool, error)
	Resolve(ctx context.Context, id string) error
	ResolveAll(ctx context.Context, identity string) (int, error)
	ListOpen(ctx context.Context, limit int) ([]*Alert, error)
	ListByIdentity(ctx context.Context, identity string) ([]*Alert, error)
	CountOpen(ctx context.Context) (int, error)
	// PurgeResolved deletes resolved alerts created before the cutoff.
	PurgeResolved(ctx context.Context, before time.Time) (int, error)
}
