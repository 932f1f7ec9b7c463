// Package bans stores permanent bans. At most one ban is active per identity;
// creating a ban for an already-banned identity returns the existing one.
package bans

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an identity has no active ban.
var ErrNotFound = errors.New("bans: not found")

// System is the BannedBy value for bans the engine creates on its own.
const System = "system"

// Ban is a permanent block on an identity until an operator lifts it.
type Ban struct {
	ID            string    `json:"id"`
	Identity      string    `json:"identity"`
	Reason        string    `json:"reason"`
	BannedBy      string    `json:"bannedBy"`
	BannedAt      time.Time `json:"bannedAt"`
	Active        bool      `json:"active"`
	Notes         string    `json:"notes,omitempty"`
	DeactivatedAt time.Time `json:"deactivatedAt,omitzero"`
}

// Store persists bans.
type Store interface {
	// Create stores b as active. If the identity already has an active ban,
	// that ban is returned with created=false.
	Create(ctx context.Context, b *Ban) (*Ban, bool, error)
	Active(ctx context.Context, identity string) (*Ban, error)
	// Deactivate lifts the active ban; ErrNotFound if there is none.
	Deactivate(ctx context.Context, identity string) error
	ListActive(ctx context.Context, limit int) ([]*Ban, error)
	CountActive(ctx context.Context) (int, error)
}
