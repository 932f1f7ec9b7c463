// Package engine is the admission façade: the one entry point callers use to
// decide whether an identity may perform an operation.
//
// The hot path consults only in-memory state (ban cache, hard-block holds,
// pending suspicion flags, window counters). Durable collaborators are
// called through a guard that bounds each call with a timeout and a circuit
// breaker; their failures are logged and never change a decision.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/alerts"
	"github.com/mbd888/sentinel/internal/bans"
	"github.com/mbd888/sentinel/internal/blocklog"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/escalation"
	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/pattern"
	"github.com/mbd888/sentinel/internal/policy"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/stats"
	"github.com/mbd888/sentinel/internal/syncutil"
	"github.com/mbd888/sentinel/internal/window"
)

var (
	// ErrInvalidIdentity is returned for an empty or oversized identity.
	ErrInvalidIdentity = errors.New("engine: invalid identity")
	// ErrUnknownOperation is returned for an operation type without a policy.
	ErrUnknownOperation = errors.New("engine: unknown operation type")
	// ErrStorageUnavailable wraps failures of durable collaborators. Admit
	// never returns it.
	ErrStorageUnavailable = errors.New("engine: storage unavailable")
)

// MaxIdentityLength bounds identities so they fit every store's key column.
const MaxIdentityLength = 255

// Defaults
const (
	DefaultStoreTimeout    = 250 * time.Millisecond
	DefaultAnalysisWorkers = 64
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 10 * time.Second
	DefaultBanRecheck      = 30 * time.Second
)

// KindHighRiskScore is reported when the risk scorer, rather than the pattern
// analyzer, marks an identity suspicious.
const KindHighRiskScore pattern.Kind = "HIGH_RISK_SCORE"

type options struct {
	logger         *slog.Logger
	now            func() time.Time
	statsStore     stats.Store
	alertSink      alerts.Sink
	banStore       bans.Store
	blockLog       blocklog.Store
	riskConfig     risk.Config
	escalation     escalation.Policy
	warn, danger   int
	storeTimeout   time.Duration
	inline         bool
	workers        int
	detection      bool
	burstThreshold int
	agentDenyList  []string
	observers      []events.Observer
	breakerFails   int
	breakerCool    time.Duration
	banRecheck     time.Duration
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock replaces the time source for every component.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithStatsStore sets the durable statistics store (default: in-memory).
func WithStatsStore(s stats.Store) Option { return func(o *options) { o.statsStore = s } }

// WithAlertSink sets the alert sink (default: in-memory).
func WithAlertSink(s alerts.Sink) Option { return func(o *options) { o.alertSink = s } }

// WithBanStore sets the ban store (default: in-memory).
func WithBanStore(s bans.Store) Option { return func(o *options) { o.banStore = s } }

// WithBlockLog sets the block audit log (default: in-memory).
func WithBlockLog(s blocklog.Store) Option { return func(o *options) { o.blockLog = s } }

// WithRiskConfig overrides the risk bands and weights.
func WithRiskConfig(c risk.Config) Option { return func(o *options) { o.riskConfig = c } }

// WithEscalation overrides the escalation policy.
func WithEscalation(p escalation.Policy) Option { return func(o *options) { o.escalation = p } }

// WithAlertThresholds sets the block counts that raise warning and danger alerts.
func WithAlertThresholds(warn, danger int) Option {
	return func(o *options) { o.warn, o.danger = warn, danger }
}

// WithStoreTimeout bounds every durable call.
func WithStoreTimeout(d time.Duration) Option { return func(o *options) { o.storeTimeout = d } }

// WithInlineAnalysis runs post-admission analysis before Admit returns.
func WithInlineAnalysis() Option { return func(o *options) { o.inline = true } }

// WithAnalysisWorkers caps concurrent background analyses.
func WithAnalysisWorkers(n int) Option { return func(o *options) { o.workers = n } }

// WithSuspiciousDetection toggles anomaly-driven suspicion blocks.
func WithSuspiciousDetection(enabled bool) Option { return func(o *options) { o.detection = enabled } }

// WithBurstThreshold sets how many requests per minute count as rapid.
func WithBurstThreshold(n int) Option { return func(o *options) { o.burstThreshold = n } }

// WithAgentDenyList replaces the automation user-agent substrings.
func WithAgentDenyList(list []string) Option { return func(o *options) { o.agentDenyList = list } }

// WithObserver subscribes an extra read-only block observer.
func WithObserver(obs events.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithBreaker tunes the per-dependency circuit breaker.
func WithBreaker(failures int, cooldown time.Duration) Option {
	return func(o *options) { o.breakerFails, o.breakerCool = failures, cooldown }
}

// WithBanRecheck sets how long a negative ban lookup is trusted before the
// ban store is asked again.
func WithBanRecheck(d time.Duration) Option { return func(o *options) { o.banRecheck = d } }

// pendingFlag is a suspicion raised by analysis, enforced on the next call.
type pendingFlag struct {
	kind pattern.Kind
	at   time.Time
}

// Engine owns all per-identity admission state.
type Engine struct {
	policies   policy.Set
	counter    *window.Counter
	analyzer   *pattern.Analyzer
	scorer     *risk.Scorer
	escalation escalation.Policy
	updater    *stats.Updater
	stats      stats.Store
	alerts     alerts.Sink
	bans       bans.Store
	blockLog   blocklog.Store
	bus        *events.Bus
	breaker    *circuitbreaker.Breaker
	slots      *syncutil.Slots

	storeTimeout time.Duration
	banRecheck   time.Duration
	inline       bool
	detection    bool
	now          func() time.Time
	logger       *slog.Logger
	reporter     *logging.Limited

	banned    sync.Map // identity -> banEntry
	holds     sync.Map // identity -> time.Time
	pending   sync.Map // identity -> pendingFlag
	riskCache sync.Map // identity -> cachedRisk
}

// New builds an engine over policies. Collaborators not supplied through
// options default to in-memory implementations.
func New(policies policy.Set, opts ...Option) (*Engine, error) {
	o := options{
		logger:         slog.Default(),
		now:            time.Now,
		riskConfig:     risk.DefaultConfig(),
		escalation:     escalation.DefaultPolicy(),
		warn:           alerts.DefaultWarnThreshold,
		danger:         alerts.DefaultDangerThreshold,
		storeTimeout:   DefaultStoreTimeout,
		workers:        DefaultAnalysisWorkers,
		detection:      true,
		burstThreshold: pattern.DefaultBurstThreshold,
		breakerFails:   DefaultBreakerFailures,
		breakerCool:    DefaultBreakerCooldown,
		banRecheck:     DefaultBanRecheck,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if policies.Len() == 0 {
		return nil, policy.ErrEmptySet
	}
	if err := o.riskConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk config: %w", err)
	}
	if err := o.escalation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid escalation policy: %w", err)
	}
	if o.storeTimeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive, got %s", o.storeTimeout)
	}
	if o.statsStore == nil {
		o.statsStore = stats.NewMemoryStore()
	}
	if o.alertSink == nil {
		o.alertSink = alerts.NewMemoryStore()
	}
	if o.banStore == nil {
		o.banStore = bans.NewMemoryStore()
	}
	if o.blockLog == nil {
		o.blockLog = blocklog.NewMemoryStore()
	}

	analyzerOpts := []pattern.Option{
		pattern.WithClock(o.now),
		pattern.WithBurstThreshold(o.burstThreshold),
	}
	if o.agentDenyList != nil {
		analyzerOpts = append(analyzerOpts, pattern.WithAgentDenyList(o.agentDenyList))
	}

	e := &Engine{
		policies:   policies,
		counter:    window.NewCounter(policies, window.WithClock(o.now)),
		analyzer:   pattern.NewAnalyzer(analyzerOpts...),
		scorer:     risk.NewScorer(o.riskConfig),
		escalation: o.escalation,
		updater: stats.NewUpdater(o.statsStore,
			stats.WithClock(o.now),
			stats.WithLogger(o.logger),
		),
		stats:        o.statsStore,
		alerts:       o.alertSink,
		bans:         o.banStore,
		blockLog:     o.blockLog,
		bus:          events.NewBus(o.logger, o.storeTimeout),
		breaker:      circuitbreaker.New(o.breakerFails, o.breakerCool).WithClock(o.now),
		slots:        syncutil.NewSlots(o.workers),
		storeTimeout: o.storeTimeout,
		banRecheck:   o.banRecheck,
		inline:       o.inline,
		detection:    o.detection,
		now:          o.now,
		logger:       o.logger,
		reporter:     logging.NewLimited(o.logger, 10*time.Second, 5),
	}
	e.breaker.OnTransition(func(dep string, from, to circuitbreaker.State) {
		e.logger.Warn("storage circuit changed state", "dependency", dep, "from", from.String(), "to", to.String())
	})

	e.bus.Subscribe(blocklog.NewObserver(guardedBlockLog{Store: e.blockLog, e: e}, e.logger))
	e.bus.Subscribe(alerts.NewThresholdObserver(guardedSink{Sink: e.alerts, e: e}, o.warn, o.danger, e.logger))
	e.bus.Subscribe(metrics.BlockObserver())
	for _, obs := range o.observers {
		e.bus.Subscribe(obs)
	}

	return e, nil
}

// Policies returns the configured operation policies.
func (e *Engine) Policies() policy.Set { return e.policies }

// Close stops background analysis and waits until running analyses have
// finished their store writes, or ctx ends. Admit keeps answering afterwards
// but no longer analyzes admitted requests. Close the engine before closing
// the stores it writes to.
func (e *Engine) Close(ctx context.Context) error {
	return e.slots.Close(ctx)
}
