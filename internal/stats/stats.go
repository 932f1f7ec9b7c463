// Package stats holds the durable per-identity statistics and the only write
// path allowed to change them.
//
// Every mutation goes through Updater.Apply, which serializes writers for one
// identity in-process and uses an optimistic version check against the store
// so that a block event increments BlockedCount exactly once even when
// several writers race.
package stats

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when an identity has no statistics yet.
	ErrNotFound = errors.New("stats: not found")
	// ErrConflict is returned by CompareAndSwap when the stored version moved.
	ErrConflict = errors.New("stats: concurrent modification")
	// ErrBusy is returned by Updater.Apply when the per-identity lock could
	// not be taken before the context ended.
	ErrBusy = errors.New("stats: identity busy")
)

// Statistics is the cross-operation record kept for one identity.
type Statistics struct {
	Identity             string    `json:"identity"`
	TotalRequests        int64     `json:"totalRequests"`
	SuccessfulRequests   int64     `json:"successfulRequests"`
	FailedRequests       int64     `json:"failedRequests"`
	BlockedCount         int       `json:"blockedCount"`
	RiskScore            int       `json:"riskScore"`
	IsSuspicious         bool      `json:"isSuspicious"`
	SuspiciousReason     string    `json:"suspiciousReason,omitempty"`
	SuspiciousAt         time.Time `json:"suspiciousAt,omitzero"`
	IsPermanentlyBlocked bool      `json:"isPermanentlyBlocked"`
	BlockedUntil         time.Time `json:"blockedUntil,omitzero"`
	BlockedReason        string    `json:"blockedReason,omitempty"`
	FirstBlockedAt       time.Time `json:"firstBlockedAt,omitzero"`
	LastBlockedAt        time.Time `json:"lastBlockedAt,omitzero"`
	LastRequestAt        time.Time `json:"lastRequestAt,omitzero"`
	UserAgent            string    `json:"userAgent,omitempty"`
	Version              int64     `json:"version"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// New returns an empty record for identity.
func New(identity string, now time.Time) *Statistics {
	return &Statistics{Identity: identity, CreatedAt: now, UpdatedAt: now}
}

// Clone returns an independent copy.
func (s *Statistics) Clone() *Statistics {
	c := *s
	return &c
}

// FailureRate is failed/total as a percentage; 0 with no traffic.
func (s *Statistics) FailureRate() float64 {
	return percent(s.FailedRequests, s.TotalRequests)
}

// SuccessRate is successful/total as a percentage; 0 with no traffic.
func (s *Statistics) SuccessRate() float64 {
	return percent(s.SuccessfulRequests, s.TotalRequests)
}

// RecordRequest counts one admission decision.
func (s *Statistics) RecordRequest(success bool, at time.Time, userAgent string) {
	s.TotalRequests++
	if success {
		s.SuccessfulRequests++
	} else {
		s.FailedRequests++
	}
	s.LastRequestAt = at
	if userAgent != "" {
		s.UserAgent = userAgent
	}
}

// RecordBlock counts one block event. The denied request is also counted as a
// failed request so TotalRequests stays the sum of successes and failures.
func (s *Statistics) RecordBlock(at time.Time, reason, userAgent string) {
	s.RecordRequest(false, at, userAgent)
	s.BlockedCount++
	if s.FirstBlockedAt.IsZero() {
		s.FirstBlockedAt = at
	}
	s.LastBlockedAt = at
	s.BlockedReason = reason
}

// MarkSuspicious sets the suspicion flag; the first reason wins until cleared.
func (s *Statistics) MarkSuspicious(reason string, at time.Time) {
	if !s.IsSuspicious {
		s.SuspiciousAt = at
		s.SuspiciousReason = reason
	}
	s.IsSuspicious = true
}

// ClearBlocks forgets block history and suspicion. The permanent-ban flag and
// request totals are kept.
func (s *Statistics) ClearBlocks() {
	s.BlockedCount = 0
	s.FirstBlockedAt = time.Time{}
	s.LastBlockedAt = time.Time{}
	s.BlockedUntil = time.Time{}
	s.BlockedReason = ""
	s.IsSuspicious = false
	s.SuspiciousReason = ""
	s.SuspiciousAt = time.Time{}
	s.RiskScore = 0
}

// IsCurrentlyBlocked reports a permanent ban or an unexpired temporary block.
func (s *Statistics) IsCurrentlyBlocked(now time.Time) bool {
	return s.IsPermanentlyBlocked || s.BlockedUntil.After(now)
}

// TimeUntilUnblock is -1 for a permanent ban, 0 when not blocked, otherwise the
// remaining temporary block.
func (s *Statistics) TimeUntilUnblock(now time.Time) time.Duration {
	switch {
	case s.IsPermanentlyBlocked:
		return -1
	case s.BlockedUntil.After(now):
		return s.BlockedUntil.Sub(now)
	default:
		return 0
	}
}

// Summary aggregates counts across all identities.
type Summary struct {
	TrackedIdentities  int   `json:"trackedIdentities"`
	BlockedIdentities  int   `json:"blockedIdentities"`
	PermanentlyBlocked int   `json:"permanentlyBlocked"`
	TotalBlocks        int64 `json:"totalBlocks"`
}

// Store persists statistics. Implementations must never hand out a pointer
// they keep: callers may mutate whatever they receive.
type Store interface {
	Get(ctx context.Context, identity string) (*Statistics, error)
	// CompareAndSwap writes next if the stored version equals expectedVersion.
	// expectedVersion 0 means "create"; it fails if a record already exists.
	CompareAndSwap(ctx context.Context, next *Statistics, expectedVersion int64) error
	// TopBlocked returns identities with BlockedCount > 0, highest first.
	TopBlocked(ctx context.Context, limit int) ([]*Statistics, error)
	Summary(ctx context.Context) (Summary, error)
	Delete(ctx context.Context, identity string) error
	// PurgeIdle deletes records last seen before cutoff that are not banned.
	PurgeIdle(ctx context.Context, cutoff time.Time) (int, error)
}

func percent(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}
