// Package idgen generates identifiers for alerts, bans, and block events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes used for stored records.
const (
	PrefixAlert = "alrt_"
	PrefixBan   = "ban_"
)

// New returns a random (v4) UUID string. Block events and block-log rows use
// it so rows written by different stores share one ID format.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex chars.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
