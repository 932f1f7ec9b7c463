package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/bans"
	"github.com/mbd888/sentinel/internal/escalation"
	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/pattern"
	"github.com/mbd888/sentinel/internal/policy"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/stats"
	"github.com/mbd888/sentinel/internal/traces"
)

// Reason is the machine-readable cause of a deny decision.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonThrottled  Reason = "THROTTLED"
	ReasonSuspicious Reason = "SUSPICIOUS"
	ReasonBlocked    Reason = "BLOCKED"
	ReasonBanned     Reason = "BANNED"
	ReasonInvalid    Reason = "INVALID"
)

// RequestMeta carries what the caller knows about the request.
type RequestMeta struct {
	Path      string
	UserAgent string
}

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Reason    Reason        `json:"reason,omitempty"`
	Identity  string        `json:"identity"`
	Operation string        `json:"operation"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"-"`
	// RetryAfter is how long a denied caller should wait. Zero for bans.
	RetryAfter time.Duration `json:"-"`
	RiskScore  int           `json:"riskScore"`
	RiskLevel  risk.Level    `json:"riskLevel"`
	// Kind is the anomaly behind a SUSPICIOUS decision.
	Kind pattern.Kind `json:"kind,omitempty"`
}

// ResetInSeconds rounds ResetIn up to whole seconds.
func (d Decision) ResetInSeconds() int { return ceilSeconds(d.ResetIn) }

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int { return ceilSeconds(d.RetryAfter) }

func (d Decision) outcome() string {
	if d.Allowed {
		return "ALLOWED"
	}
	return string(d.Reason)
}

// Admit decides whether identity may perform op now.
//
// Bans, hard-block holds and pending suspicion flags are checked before the
// window counter, so a denied caller never consumes budget. Admit returns an
// error only for an invalid identity or an unknown operation, and the
// decision is a deny in both cases. Storage failures never change the
// outcome.
func (e *Engine) Admit(ctx context.Context, identity, op string, meta RequestMeta) (Decision, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "engine.Admit", traces.Identity(identity), traces.Operation(op))
	defer span.End()

	d, err := e.admit(ctx, identity, op, meta)

	label := op
	if _, ok := e.policies.Lookup(op); !ok {
		label = "unknown"
	}
	metrics.DecisionsTotal.WithLabelValues(label, d.outcome()).Inc()
	metrics.AdmitDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.Outcome(d.outcome()))
	traces.RecordError(span, err)
	return d, err
}

func (e *Engine) admit(ctx context.Context, identity, op string, meta RequestMeta) (Decision, error) {
	d := Decision{Identity: identity, Operation: op, RiskLevel: risk.LevelMinimal}

	if err := validIdentity(identity); err != nil {
		d.Reason = ReasonInvalid
		return d, err
	}
	p, ok := e.policies.Lookup(op)
	if !ok {
		d.Reason = ReasonInvalid
		return d, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	d.Limit = p.MaxAttempts
	e.fillRisk(&d)

	if e.isBanned(ctx, identity) {
		d.Reason = ReasonBanned
		e.fillBudget(&d, p)
		return d, nil
	}

	now := e.now()
	if until, held := e.heldUntil(identity, now); held {
		d.Reason = ReasonBlocked
		e.fillBudget(&d, p)
		d.RetryAfter = until.Sub(now)
		return d, nil
	}

	// Throttled requests count toward the burst history too.
	e.analyzer.Observe(identity, pattern.RequestMeta{Path: meta.Path, UserAgent: meta.UserAgent})

	if v, ok := e.pending.LoadAndDelete(identity); ok {
		flag := v.(pendingFlag)
		action := e.recordBlock(ctx, identity, op, meta, escalation.Suspicion(string(flag.kind)))
		d.Reason = ReasonSuspicious
		d.Kind = flag.kind
		e.fillBudget(&d, p)
		e.fillRisk(&d)
		if !action.BlockUntil.IsZero() {
			d.RetryAfter = max(0, action.BlockUntil.Sub(now))
		}
		if action.Ban {
			d.Reason = ReasonBanned
			d.RetryAfter = 0
		}
		return d, nil
	}

	res, err := e.counter.Check(identity, op)
	if err != nil {
		// Lookup succeeded above; only a policy set swapped underneath us lands here.
		d.Reason = ReasonInvalid
		return d, fmt.Errorf("%w: %w", ErrUnknownOperation, err)
	}
	d.Remaining = res.Remaining
	d.ResetIn = res.ResetIn

	if !res.Allowed {
		action := e.recordBlock(ctx, identity, op, meta, escalation.Throttle())
		d.Reason = ReasonThrottled
		d.RetryAfter = res.RetryAfter
		e.fillRisk(&d)
		if action.Ban {
			d.Reason = ReasonBanned
			d.RetryAfter = 0
			return d, nil
		}
		e.flagBurst(identity, now)
		return d, nil
	}

	d.Allowed = true
	e.dispatchAnalysis(ctx, identity, meta)
	if e.inline {
		e.fillRisk(&d)
	}
	return d, nil
}

// ValidateIdentity reports whether Admit would accept identity.
func ValidateIdentity(identity string) error { return validIdentity(identity) }

func validIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(identity) > MaxIdentityLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, MaxIdentityLength)
	}
	return nil
}

// fillBudget reports the counter state without consuming an attempt.
func (e *Engine) fillBudget(d *Decision, p policy.Policy) {
	res, err := e.counter.Peek(d.Identity, d.Operation)
	if err != nil {
		d.Remaining = p.MaxAttempts
		d.ResetIn = p.Window
		return
	}
	d.Remaining = res.Remaining
	d.ResetIn = res.ResetIn
}

func (e *Engine) fillRisk(d *Decision) {
	if v, ok := e.riskCache.Load(d.Identity); ok {
		c := v.(cachedRisk)
		d.RiskScore = c.assessment.Score
		d.RiskLevel = c.assessment.Level
	}
}

type cachedRisk struct {
	assessment risk.Assessment
	at         time.Time
}

func (e *Engine) cacheRisk(identity string, a risk.Assessment) {
	e.riskCache.Store(identity, cachedRisk{assessment: a, at: e.now()})
}

// isBanned consults the local ban cache, falling back to the ban store at
// most once per recheck interval. A store failure admits the caller.
func (e *Engine) isBanned(ctx context.Context, identity string) bool {
	now := e.now()
	if v, ok := e.banned.Load(identity); ok {
		b := v.(banEntry)
		if b.banned {
			return true
		}
		if now.Sub(b.checkedAt) < e.banRecheck {
			return false
		}
	}

	var active bool
	err := e.guard(ctx, depBans, func(ctx context.Context) error {
		_, err := e.bans.Active(ctx, identity)
		active = err == nil
		return err
	})
	switch {
	case err == nil || isMiss(err):
		e.banned.Store(identity, banEntry{banned: active, checkedAt: now})
		return active
	default:
		return false
	}
}

type banEntry struct {
	banned    bool
	checkedAt time.Time
}

func (e *Engine) heldUntil(identity string, now time.Time) (time.Time, bool) {
	v, ok := e.holds.Load(identity)
	if !ok {
		return time.Time{}, false
	}
	until := v.(time.Time)
	if now.Before(until) {
		return until, true
	}
	e.holds.CompareAndDelete(identity, v)
	return time.Time{}, false
}

// recordBlock is the only place a block event is counted. It applies one
// statistics mutation, enforces the escalation action, and then notifies the
// read-only observers with the post-increment count.
func (e *Engine) recordBlock(ctx context.Context, identity, op string, meta RequestMeta, t escalation.Trigger) escalation.Action {
	ctx = durable(ctx)
	ctx, span := traces.StartSpan(ctx, "engine.recordBlock",
		traces.Identity(identity), traces.Operation(op), traces.Trigger(t.Reason()))
	defer span.End()

	now := e.now()
	var (
		action     escalation.Action
		assessment risk.Assessment
	)
	snap, err := e.applyStats(ctx, identity, func(s *stats.Statistics) error {
		s.RecordBlock(now, t.Reason(), meta.UserAgent)
		action = e.escalation.OnDeny(t, s.BlockedCount, now)
		if t.Cause == escalation.CauseSuspicion {
			s.MarkSuspicious(t.Classification, now)
		}
		if action.BlockUntil.After(s.BlockedUntil) {
			s.BlockedUntil = action.BlockUntil
		}
		if action.Ban {
			s.IsPermanentlyBlocked = true
		}
		assessment = e.scorer.Assess(*s, now)
		s.RiskScore = assessment.Score
		return nil
	})

	blocked := 0
	if err != nil {
		// The count is unknown, so no ban can be decided; the hold still applies.
		action = e.escalation.OnDeny(t, 0, now)
		e.logger.Debug("block recorded without statistics", "identity", identity, "error", err)
	} else {
		blocked = snap.BlockedCount
		e.cacheRisk(identity, assessment)
	}
	span.SetAttributes(traces.BlockedCount(blocked))

	if !action.BlockUntil.IsZero() {
		e.holds.Store(identity, action.BlockUntil)
	}

	reason := ReasonThrottled
	if t.Cause == escalation.CauseSuspicion {
		reason = ReasonSuspicious
	}
	e.bus.Publish(ctx, events.BlockObserved{
		EventID:      idgen.New(),
		Identity:     identity,
		Operation:    op,
		Path:         meta.Path,
		UserAgent:    meta.UserAgent,
		Reason:       string(reason),
		Kind:         t.Classification,
		BlockedCount: blocked,
		At:           now,
	})

	if action.Ban {
		if _, err := e.imposeBan(ctx, identity, action.BanReason, bans.System, "", "auto"); err != nil {
			e.logger.Debug("automatic ban not persisted", "identity", identity, "error", err)
		}
		e.logger.Warn("identity permanently banned",
			"identity", identity, "reason", action.BanReason, "blocked_count", blocked)
	}
	return action
}

// dispatchAnalysis runs post-admission analysis inline or on a free worker.
// With every worker busy the analysis is skipped.
func (e *Engine) dispatchAnalysis(ctx context.Context, identity string, meta RequestMeta) {
	ctx = durable(ctx)
	if e.inline {
		e.analyze(ctx, identity, meta)
		return
	}
	if !e.slots.Go(func() { e.safeAnalyze(ctx, identity, meta) }) {
		metrics.AnalysisDroppedTotal.Inc()
	}
}

func (e *Engine) safeAnalyze(ctx context.Context, identity string, meta RequestMeta) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in admission analysis", "identity", identity, "panic", fmt.Sprint(r))
		}
	}()
	e.analyze(ctx, identity, meta)
}

// analyze records the admitted request in the statistics, rescores the identity and, when the
// analyzer or scorer flags it, leaves a pending suspicion for the next call.
func (e *Engine) analyze(ctx context.Context, identity string, meta RequestMeta) {
	now := e.now()
	pm := pattern.RequestMeta{Path: meta.Path, UserAgent: meta.UserAgent}

	var (
		kind       pattern.Kind
		assessment risk.Assessment
	)
	_, err := e.applyStats(ctx, identity, func(s *stats.Statistics) error {
		s.RecordRequest(true, now, meta.UserAgent)
		assessment = e.scorer.Assess(*s, now)
		s.RiskScore = assessment.Score

		kind = pattern.KindNone
		if !e.detection {
			return nil
		}
		kind = e.analyzer.Classify(identity, pm, s)
		if kind == pattern.KindNone && assessment.Suspicious {
			kind = KindHighRiskScore
		}
		if kind != pattern.KindNone {
			s.MarkSuspicious(string(kind), now)
		}
		return nil
	})
	if err != nil {
		if !e.detection {
			return
		}
		// Without statistics only the history-based checks can run.
		kind = e.analyzer.Classify(identity, pm, nil)
	} else {
		e.cacheRisk(identity, assessment)
	}

	if kind == pattern.KindNone {
		return
	}
	e.flag(identity, kind, assessment.Score, now)
}

// flagBurst flags identity when its traffic, throttled requests included,
// is over the burst threshold. Admitted requests are covered by analyze.
func (e *Engine) flagBurst(identity string, now time.Time) {
	if !e.detection || !e.analyzer.Bursting(identity) {
		return
	}
	score := 0
	if v, ok := e.riskCache.Load(identity); ok {
		score = v.(cachedRisk).assessment.Score
	}
	e.flag(identity, pattern.KindRapidRequests, score, now)
}

// flag leaves a pending suspicion that the next Admit for identity enforces.
func (e *Engine) flag(identity string, kind pattern.Kind, score int, now time.Time) {
	if _, loaded := e.pending.LoadOrStore(identity, pendingFlag{kind: kind, at: now}); !loaded {
		metrics.AnomaliesTotal.WithLabelValues(string(kind)).Inc()
		e.logger.Info("identity flagged as suspicious", "identity", identity, "kind", string(kind),
			"risk_score", score)
	}
}
