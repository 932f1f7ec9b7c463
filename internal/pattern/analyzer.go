// Package pattern keeps a short rolling request history per identity and
// classifies it into at most one anomaly kind.
//
// Checks run in a fixed order and the first match is reported: rapid
// requests, then bot-like agent, then high failure rate, then the unusual
// (metronomic repetition) heuristic. The order decides which single kind is
// reported, not which is most severe.
package pattern

import (
	"strings"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/stats"
)

// Kind is an anomaly classification. The empty Kind means none.
type Kind string

const (
	KindNone            Kind = ""
	KindRapidRequests   Kind = "RAPID_REQUESTS"
	KindBotLike         Kind = "BOT_LIKE_BEHAVIOR"
	KindHighFailureRate Kind = "HIGH_FAILURE_RATE"
	KindUnusualPattern  Kind = "UNUSUAL_PATTERN"
)

// Defaults
const (
	DefaultBurstThreshold = 100
	DefaultBurstWindow    = time.Minute
	DefaultHistoryLimit   = 1000
	DefaultMaxAge         = 24 * time.Hour
	DefaultFailureRate    = 80.0
	DefaultRepeatRun      = 10
	DefaultGapTolerance   = 50 * time.Millisecond
)

// DefaultAgentDenyList holds lower-case substrings of automation clients.
var DefaultAgentDenyList = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "java", "go-http", "okhttp", "httpclient", "libwww",
}

// RequestMeta is what the analyzer needs to know about one request.
type RequestMeta struct {
	Path      string
	UserAgent string
}

type sample struct {
	at   time.Time
	path string
}

type history struct {
	mu      sync.Mutex
	samples []sample
	removed bool
}

// Analyzer tracks per-identity histories. Safe for concurrent use.
type Analyzer struct {
	histories sync.Map // identity -> *history

	burstThreshold int
	burstWindow    time.Duration
	historyLimit   int
	maxAge         time.Duration
	failureRate    float64
	repeatRun      int
	gapTolerance   time.Duration
	denyList       []string
	now            func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithBurstThreshold sets how many requests in the burst window count as rapid.
func WithBurstThreshold(n int) Option {
	return func(a *Analyzer) { a.burstThreshold = n }
}

// WithHistoryLimit caps samples kept per identity.
func WithHistoryLimit(n int) Option {
	return func(a *Analyzer) { a.historyLimit = n }
}

// WithAgentDenyList replaces the automation substrings (matched case-insensitively).
func WithAgentDenyList(list []string) Option {
	return func(a *Analyzer) {
		a.denyList = make([]string, 0, len(list))
		for _, s := range list {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				a.denyList = append(a.denyList, s)
			}
		}
	}
}

// WithRepetition tunes the unusual-pattern heuristic: run identical paths
// whose inter-arrival gaps differ by at most tolerance.
func WithRepetition(run int, tolerance time.Duration) Option {
	return func(a *Analyzer) {
		a.repeatRun = run
		a.gapTolerance = tolerance
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer creates an analyzer with default thresholds.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{
		burstThreshold: DefaultBurstThreshold,
		burstWindow:    DefaultBurstWindow,
		historyLimit:   DefaultHistoryLimit,
		maxAge:         DefaultMaxAge,
		failureRate:    DefaultFailureRate,
		repeatRun:      DefaultRepeatRun,
		gapTolerance:   DefaultGapTolerance,
		denyList:       DefaultAgentDenyList,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe appends a request to identity's history.
func (a *Analyzer) Observe(identity string, meta RequestMeta) {
	now := a.now()
	for {
		h := a.history(identity)
		h.mu.Lock()
		if h.removed {
			h.mu.Unlock()
			continue
		}
		h.samples = append(h.samples, sample{at: now, path: meta.Path})
		a.prune(h, now)
		h.mu.Unlock()
		return
	}
}

// Classify returns the first matching anomaly for identity, or KindNone.
// snap may be nil when statistics are unavailable; the failure-rate check is
// then skipped.
func (a *Analyzer) Classify(identity string, meta RequestMeta, snap *stats.Statistics) Kind {
	samples := a.snapshot(identity)
	now := a.now()

	if a.countSince(samples, now.Add(-a.burstWindow)) > a.burstThreshold {
		return KindRapidRequests
	}
	if a.IsBotAgent(meta.UserAgent) {
		return KindBotLike
	}
	if snap != nil && snap.TotalRequests > 0 && snap.FailureRate() > a.failureRate {
		return KindHighFailureRate
	}
	if a.metronomic(samples) {
		return KindUnusualPattern
	}
	return KindNone
}

// Bursting reports whether identity's history holds more than the burst
// threshold within the burst window.
func (a *Analyzer) Bursting(identity string) bool {
	return a.countSince(a.snapshot(identity), a.now().Add(-a.burstWindow)) > a.burstThreshold
}

// IsBotAgent reports whether agent is missing or names an automation client.
func (a *Analyzer) IsBotAgent(agent string) bool {
	ua := strings.ToLower(strings.TrimSpace(agent))
	if ua == "" {
		return true
	}
	for _, sig := range a.denyList {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}

// RecentCount returns how many requests identity made within d.
func (a *Analyzer) RecentCount(identity string, d time.Duration) int {
	return a.countSince(a.snapshot(identity), a.now().Add(-d))
}

// Forget drops identity's history.
func (a *Analyzer) Forget(identity string) {
	if v, ok := a.histories.LoadAndDelete(identity); ok {
		h := v.(*history)
		h.mu.Lock()
		h.removed = true
		h.mu.Unlock()
	}
}

// Sweep prunes every history and removes those with no sample newer than
// maxAge. It returns the number of identities removed.
func (a *Analyzer) Sweep(maxAge time.Duration) int {
	now := a.now()
	cutoff := now.Add(-maxAge)
	removed := 0
	a.histories.Range(func(k, v any) bool {
		h := v.(*history)
		if !h.mu.TryLock() {
			return true
		}
		a.prune(h, now)
		stale := !h.removed && (len(h.samples) == 0 || !h.samples[len(h.samples)-1].at.After(cutoff))
		if stale {
			h.removed = true
		}
		h.mu.Unlock()
		if stale && a.histories.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Len returns how many identities have a history.
func (a *Analyzer) Len() int {
	n := 0
	a.histories.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (a *Analyzer) history(identity string) *history {
	if v, ok := a.histories.Load(identity); ok {
		return v.(*history)
	}
	v, _ := a.histories.LoadOrStore(identity, &history{})
	return v.(*history)
}

func (a *Analyzer) snapshot(identity string) []sample {
	v, ok := a.histories.Load(identity)
	if !ok {
		return nil
	}
	h := v.(*history)
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sample, len(h.samples))
	copy(out, h.samples)
	return out
}

// prune drops samples older than maxAge and caps the slice; caller holds h.mu.
func (a *Analyzer) prune(h *history, now time.Time) {
	cutoff := now.Add(-a.maxAge)
	start := 0
	for start < len(h.samples) && h.samples[start].at.Before(cutoff) {
		start++
	}
	if over := len(h.samples) - start - a.historyLimit; over > 0 {
		start += over
	}
	if start > 0 {
		h.samples = append(h.samples[:0:0], h.samples[start:]...)
	}
}

func (a *Analyzer) countSince(samples []sample, since time.Time) int {
	n := 0
	for i := len(samples) - 1; i >= 0 && samples[i].at.After(since); i-- {
		n++
	}
	return n
}

// metronomic reports whether the last repeatRun samples hit one path with
// near-identical spacing, the signature of a scripted loop. Gaps shorter than
// the tolerance are a burst, not pacing, and do not count.
func (a *Analyzer) metronomic(samples []sample) bool {
	if a.repeatRun < 3 || len(samples) < a.repeatRun {
		return false
	}
	run := samples[len(samples)-a.repeatRun:]
	path := run[0].path
	minGap, maxGap := time.Duration(-1), time.Duration(0)
	for i := 1; i < len(run); i++ {
		if run[i].path != path {
			return false
		}
		gap := run[i].at.Sub(run[i-1].at)
		if minGap < 0 || gap < minGap {
			minGap = gap
		}
		if gap > maxGap {
			maxGap = gap
		}
	}
	return minGap >= a.gapTolerance && maxGap-minGap <= a.gapTolerance
}
