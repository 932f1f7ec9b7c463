package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/alerts"
	"github.com/mbd888/sentinel/internal/bans"
	"github.com/mbd888/sentinel/internal/blocklog"
	"github.com/mbd888/sentinel/internal/escalation"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/stats"
	"github.com/mbd888/sentinel/internal/window"
)

// Listing bounds.
const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// Reset clears throttling state. With op set only that operation's counter
// is cleared. With op empty every counter for identity is cleared together
// with its block history, suspicion flags and open alerts; an active ban is
// left in place.
func (e *Engine) Reset(ctx context.Context, identity, op string) error {
	if err := validIdentity(identity); err != nil {
		return err
	}
	if op != "" {
		if _, ok := e.policies.Lookup(op); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownOperation, op)
		}
		e.counter.Reset(identity, op)
		return nil
	}

	cleared := e.counter.ResetIdentity(identity)
	e.forgetLocal(identity)

	var errs []error
	if _, err := e.applyStats(ctx, identity, func(s *stats.Statistics) error {
		s.ClearBlocks()
		return nil
	}); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear statistics: %w", err))
	}
	resolved, err := e.resolveAlerts(ctx, identity)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to resolve alerts: %w", err))
	}

	e.logger.Info("rate limit reset", "identity", identity, "counters", cleared, "alerts_resolved", resolved)
	return errors.Join(errs...)
}

// RecordSuccess returns the budget for op after the caller completed it (a
// successful login, say), so legitimate users are not throttled by their own
// earlier attempts. Statistics are untouched: the admitted request was
// already counted as successful.
func (e *Engine) RecordSuccess(_ context.Context, identity, op string) error {
	if err := validIdentity(identity); err != nil {
		return err
	}
	if _, ok := e.policies.Lookup(op); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	e.counter.Reset(identity, op)
	return nil
}

// forgetLocal drops every in-memory trace of identity except its ban.
func (e *Engine) forgetLocal(identity string) {
	e.analyzer.Forget(identity)
	e.pending.Delete(identity)
	e.holds.Delete(identity)
	e.riskCache.Delete(identity)
}

func (e *Engine) resolveAlerts(ctx context.Context, identity string) (int, error) {
	var n int
	err := e.guard(ctx, depAlerts, func(ctx context.Context) error {
		var err error
		n, err = e.alerts.ResolveAll(ctx, identity)
		return err
	})
	return n, err
}

// Ban permanently blocks identity. Banning an identity that is already banned
// returns the existing ban.
func (e *Engine) Ban(ctx context.Context, identity, reason, bannedBy, notes string) (*bans.Ban, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "banned by operator"
	}
	if _, err := e.applyStats(ctx, identity, func(s *stats.Statistics) error {
		s.IsPermanentlyBlocked = true
		s.BlockedReason = reason
		return nil
	}); err != nil {
		e.logger.Warn("ban recorded without statistics", "identity", identity, "error", err)
	}
	return e.imposeBan(ctx, identity, reason, bannedBy, notes, "manual")
}

// imposeBan enforces a ban locally and persists it. The local cache is set
// first so the identity is refused even if the ban store is down.
func (e *Engine) imposeBan(ctx context.Context, identity, reason, bannedBy, notes, origin string) (*bans.Ban, error) {
	now := e.now()
	e.banned.Store(identity, banEntry{banned: true, checkedAt: now})
	e.pending.Delete(identity)
	e.holds.Delete(identity)

	var (
		ban     *bans.Ban
		created bool
	)
	err := e.guard(ctx, depBans, func(ctx context.Context) error {
		var err error
		ban, created, err = e.bans.Create(ctx, &bans.Ban{
			Identity: identity,
			Reason:   reason,
			BannedBy: bannedBy,
			BannedAt: now,
			Active:   true,
			Notes:    notes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return ban, nil
	}

	metrics.BansTotal.WithLabelValues(origin).Inc()
	a := alerts.PermanentBlock(identity, reason)
	a.CreatedAt = now
	if _, err := (guardedSink{Sink: e.alerts, e: e}).Raise(ctx, a); err != nil {
		e.logger.Debug("permanent block alert not raised", "identity", identity, "error", err)
	}
	e.logger.Info("ban created", "identity", identity, "ban_id", ban.ID, "banned_by", bannedBy, "origin", origin)
	return ban, nil
}

// Unban lifts the active ban and gives identity a clean slate: counters,
// block history, suspicion and open alerts are all cleared. Request totals
// are kept. Returns bans.ErrNotFound if identity was not banned.
func (e *Engine) Unban(ctx context.Context, identity string) error {
	if err := validIdentity(identity); err != nil {
		return err
	}
	err := e.guard(ctx, depBans, func(ctx context.Context) error {
		return e.bans.Deactivate(ctx, identity)
	})
	if err != nil && !errors.Is(err, bans.ErrNotFound) {
		return err
	}
	notFound := err != nil

	e.banned.Delete(identity)
	e.counter.ResetIdentity(identity)
	e.forgetLocal(identity)

	var errs []error
	if notFound {
		errs = append(errs, err)
	}
	if _, err := e.applyStats(ctx, identity, func(s *stats.Statistics) error {
		s.ClearBlocks()
		s.IsPermanentlyBlocked = false
		return nil
	}); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear statistics: %w", err))
	}
	if _, err := e.resolveAlerts(ctx, identity); err != nil {
		errs = append(errs, fmt.Errorf("failed to resolve alerts: %w", err))
	}

	if !notFound {
		e.logger.Info("ban lifted", "identity", identity)
	}
	return errors.Join(errs...)
}

// Threat is the read-only risk report for one identity.
type Threat struct {
	Identity                string           `json:"identity"`
	RiskScore               int              `json:"riskScore"`
	RiskLevel               risk.Level       `json:"riskLevel"`
	IsSuspicious            bool             `json:"isSuspicious"`
	SuspiciousReason        string           `json:"suspiciousReason,omitempty"`
	BlockedCount            int              `json:"blockedCount"`
	IsCurrentlyBlocked      bool             `json:"isCurrentlyBlocked"`
	IsPermanentlyBlocked    bool             `json:"isPermanentlyBlocked"`
	TimeUntilUnblockSeconds int              `json:"timeUntilUnblockSeconds"`
	State                   escalation.State `json:"-"`
	StateName               string           `json:"state"`
	TotalRequests           int64            `json:"totalRequests"`
	FailureRate             float64          `json:"failureRate"`
	LastBlockedAt           time.Time        `json:"lastBlockedAt,omitzero"`
	UserAgent               string           `json:"userAgent,omitempty"`
}

// ThreatIntelligence scores identity from its current statistics. Local
// holds and bans are folded in, so the report agrees with what Admit would
// decide right now.
func (e *Engine) ThreatIntelligence(ctx context.Context, identity string) (Threat, error) {
	if err := validIdentity(identity); err != nil {
		return Threat{}, err
	}
	snap, err := e.readStats(ctx, identity)
	if err != nil {
		return Threat{}, err
	}
	now := e.now()

	if v, ok := e.banned.Load(identity); ok && v.(banEntry).banned {
		snap.IsPermanentlyBlocked = true
	}
	if until, held := e.heldUntil(identity, now); held && until.After(snap.BlockedUntil) {
		snap.BlockedUntil = until
	}

	a := e.scorer.Assess(*snap, now)
	state := escalation.Describe(*snap, e.counter.Throttled(identity), now)
	if _, flagged := e.pending.Load(identity); flagged && state == escalation.StateClear {
		state = escalation.StateSuspicious
	}

	until := snap.TimeUntilUnblock(now)
	untilSeconds := ceilSeconds(until)
	if until < 0 {
		untilSeconds = -1
	}

	return Threat{
		Identity:                identity,
		RiskScore:               a.Score,
		RiskLevel:               a.Level,
		IsSuspicious:            snap.IsSuspicious || a.Suspicious,
		SuspiciousReason:        snap.SuspiciousReason,
		BlockedCount:            snap.BlockedCount,
		IsCurrentlyBlocked:      snap.IsCurrentlyBlocked(now),
		IsPermanentlyBlocked:    snap.IsPermanentlyBlocked,
		TimeUntilUnblockSeconds: untilSeconds,
		State:                   state,
		StateName:               state.String(),
		TotalRequests:           snap.TotalRequests,
		FailureRate:             snap.FailureRate(),
		LastBlockedAt:           snap.LastBlockedAt,
		UserAgent:               snap.UserAgent,
	}, nil
}

// Offender is one row of the top-offenders report.
type Offender struct {
	Identity             string     `json:"identity"`
	BlockedCount         int        `json:"blockedCount"`
	RiskScore            int        `json:"riskScore"`
	RiskLevel            risk.Level `json:"riskLevel"`
	IsPermanentlyBlocked bool       `json:"isPermanentlyBlocked"`
	BlockedReason        string     `json:"blockedReason,omitempty"`
	LastBlockedAt        time.Time  `json:"lastBlockedAt,omitzero"`
}

// TopOffenders returns identities ordered by block count, highest first. The
// result is a snapshot; calling again starts over.
func (e *Engine) TopOffenders(ctx context.Context, limit int) ([]Offender, error) {
	limit = clampLimit(limit)

	var rows []*stats.Statistics
	err := e.guard(ctx, depStats, func(ctx context.Context) error {
		var err error
		rows, err = e.stats.TopBlocked(ctx, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	out := make([]Offender, 0, len(rows))
	for _, s := range rows {
		score := e.scorer.Score(*s, now)
		out = append(out, Offender{
			Identity:             s.Identity,
			BlockedCount:         s.BlockedCount,
			RiskScore:            score,
			RiskLevel:            e.scorer.Level(score),
			IsPermanentlyBlocked: s.IsPermanentlyBlocked,
			BlockedReason:        s.BlockedReason,
			LastBlockedAt:        s.LastBlockedAt,
		})
	}
	return out, nil
}

// Overview summarizes the engine's state for a dashboard.
type Overview struct {
	TrackedIdentities      int   `json:"trackedIdentities"`
	TotalBlockedIdentities int   `json:"totalBlockedIdentities"`
	PermanentlyBanned      int   `json:"permanentlyBanned"`
	OpenAlerts             int   `json:"openAlerts"`
	TotalBlocks            int64 `json:"totalBlocks"`
	LoggedBlocks           int64 `json:"loggedBlocks"`
	ActiveCounters         int   `json:"activeCounters"`
	AnalysisInFlight       int   `json:"analysisInFlight"`
	AnalysisCapacity       int   `json:"analysisCapacity"`
	// SuppressedWarnings counts store-failure log lines currently held back.
	SuppressedWarnings int64 `json:"suppressedStorageWarnings"`
}

// Overview gathers counts from every store. Sections whose store is
// unavailable are left at zero and reported in the joined error.
func (e *Engine) Overview(ctx context.Context) (Overview, error) {
	o := Overview{
		ActiveCounters:     e.counter.Len(),
		AnalysisInFlight:   e.slots.InUse(),
		AnalysisCapacity:   e.slots.Cap(),
		SuppressedWarnings: e.reporter.Suppressed(),
	}
	var errs []error

	if err := e.guard(ctx, depStats, func(ctx context.Context) error {
		sum, err := e.stats.Summary(ctx)
		if err != nil {
			return err
		}
		o.TrackedIdentities = sum.TrackedIdentities
		o.TotalBlockedIdentities = sum.BlockedIdentities
		o.TotalBlocks = sum.TotalBlocks
		return nil
	}); err != nil {
		errs = append(errs, err)
	}
	if err := e.guard(ctx, depBans, func(ctx context.Context) error {
		var err error
		o.PermanentlyBanned, err = e.bans.CountActive(ctx)
		return err
	}); err != nil {
		errs = append(errs, err)
	}
	if err := e.guard(ctx, depAlerts, func(ctx context.Context) error {
		var err error
		o.OpenAlerts, err = e.alerts.CountOpen(ctx)
		return err
	}); err != nil {
		errs = append(errs, err)
	}
	if err := e.guard(ctx, depBlockLog, func(ctx context.Context) error {
		var err error
		o.LoggedBlocks, err = e.blockLog.Count(ctx)
		return err
	}); err != nil {
		errs = append(errs, err)
	}
	return o, errors.Join(errs...)
}

// BlockHistory returns identity's most recent block-log entries.
func (e *Engine) BlockHistory(ctx context.Context, identity string, limit int) ([]*blocklog.Entry, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}
	var out []*blocklog.Entry
	err := e.guard(ctx, depBlockLog, func(ctx context.Context) error {
		var err error
		out, err = e.blockLog.ListByIdentity(ctx, identity, clampLimit(limit))
		return err
	})
	return out, err
}

// Alerts returns every alert raised for identity, newest first.
func (e *Engine) Alerts(ctx context.Context, identity string) ([]*alerts.Alert, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}
	var out []*alerts.Alert
	err := e.guard(ctx, depAlerts, func(ctx context.Context) error {
		var err error
		out, err = e.alerts.ListByIdentity(ctx, identity)
		return err
	})
	return out, err
}

// OpenAlerts returns unresolved alerts across all identities.
func (e *Engine) OpenAlerts(ctx context.Context, limit int) ([]*alerts.Alert, error) {
	var out []*alerts.Alert
	err := e.guard(ctx, depAlerts, func(ctx context.Context) error {
		var err error
		out, err = e.alerts.ListOpen(ctx, clampLimit(limit))
		return err
	})
	return out, err
}

// DismissAlert resolves a single alert.
func (e *Engine) DismissAlert(ctx context.Context, id string) error {
	return e.guard(ctx, depAlerts, func(ctx context.Context) error {
		return e.alerts.Resolve(ctx, id)
	})
}

// PurgeResult counts rows removed by Purge.
type PurgeResult struct {
	Alerts     int `json:"alerts"`
	BlockLog   int `json:"blockLog"`
	Statistics int `json:"statistics"`
}

// Purge removes resolved alerts, block-log entries and idle, unbanned
// statistics older than olderThan.
func (e *Engine) Purge(ctx context.Context, olderThan time.Duration) (PurgeResult, error) {
	if olderThan <= 0 {
		return PurgeResult{}, fmt.Errorf("retention must be positive, got %s", olderThan)
	}
	cutoff := e.now().Add(-olderThan)
	var (
		res  PurgeResult
		errs []error
	)

	if err := e.guard(ctx, depAlerts, func(ctx context.Context) error {
		var err error
		res.Alerts, err = e.alerts.PurgeResolved(ctx, cutoff)
		return err
	}); err != nil {
		errs = append(errs, err)
	}
	if err := e.guard(ctx, depBlockLog, func(ctx context.Context) error {
		var err error
		res.BlockLog, err = e.blockLog.PurgeBefore(ctx, cutoff)
		return err
	}); err != nil {
		errs = append(errs, err)
	}
	if err := e.guard(ctx, depStats, func(ctx context.Context) error {
		var err error
		res.Statistics, err = e.stats.PurgeIdle(ctx, cutoff)
		return err
	}); err != nil {
		errs = append(errs, err)
	}

	metrics.SweepEvictionsTotal.WithLabelValues("alerts").Add(float64(res.Alerts))
	metrics.SweepEvictionsTotal.WithLabelValues("blocklog").Add(float64(res.BlockLog))
	metrics.SweepEvictionsTotal.WithLabelValues("statistics").Add(float64(res.Statistics))
	return res, errors.Join(errs...)
}

// BucketInfo reports the window counter for (identity, op) without consuming
// an attempt.
func (e *Engine) BucketInfo(identity, op string) (window.Result, error) {
	if err := validIdentity(identity); err != nil {
		return window.Result{}, err
	}
	res, err := e.counter.Peek(identity, op)
	if errors.Is(err, window.ErrUnknownOperation) {
		return res, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return res, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
