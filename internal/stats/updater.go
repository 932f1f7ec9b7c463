package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/syncutil"
)

var (
	casConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "stats",
		Name:      "cas_conflicts_total",
		Help:      "Statistics writes that lost an optimistic version check and were retried.",
	})
	updatesAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "stats",
		Name:      "updates_abandoned_total",
		Help:      "Statistics writes given up after exhausting retries.",
	})
)

func init() {
	prometheus.MustRegister(casConflicts, updatesAbandoned)
}

// Default retry budget for a single Apply.
const (
	DefaultAttempts  = 5
	DefaultBaseDelay = 5 * time.Millisecond
	DefaultMaxDelay  = 80 * time.Millisecond
)

// Mutation edits a statistics record in place. It may run more than once for
// a single Apply (once per attempt) and must only depend on its argument.
type Mutation func(*Statistics) error

// Updater is the single write path into a Store.
type Updater struct {
	store  Store
	locks  *syncutil.ContextShardedMutex
	policy retry.Policy
	now    func() time.Time
	logger *slog.Logger
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

// WithClock replaces the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) UpdaterOption {
	return func(u *Updater) { u.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) UpdaterOption {
	return func(u *Updater) { u.logger = l }
}

// WithRetry overrides the conflict retry budget.
func WithRetry(attempts int, baseDelay time.Duration) UpdaterOption {
	return func(u *Updater) {
		u.policy.Attempts = attempts
		u.policy.BaseDelay = baseDelay
	}
}

// NewUpdater creates an updater over store.
func NewUpdater(store Store, opts ...UpdaterOption) *Updater {
	u := &Updater{
		store: store,
		locks: syncutil.NewContextShardedMutex(),
		policy: retry.Policy{
			Attempts:  DefaultAttempts,
			BaseDelay: DefaultBaseDelay,
			MaxDelay:  DefaultMaxDelay,
			Retryable: func(err error) bool { return errors.Is(err, ErrConflict) },
		},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Store returns the underlying store for reads.
func (u *Updater) Store() Store { return u.store }

// Apply loads the current record for identity (a fresh one if none exists),
// runs mutate on a copy, and writes it back only if nobody else wrote in
// between. Conflicts are retried with backoff. The returned record is the
// state that was actually stored.
func (u *Updater) Apply(ctx context.Context, identity string, mutate Mutation) (*Statistics, error) {
	unlock, err := u.locks.LockContext(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	defer unlock()

	var stored *Statistics
	err = u.policy.Do(ctx, func(attempt int) error {
		now := u.now()
		cur, err := u.store.Get(ctx, identity)
		var expected int64
		switch {
		case errors.Is(err, ErrNotFound):
			cur = New(identity, now)
		case err != nil:
			return retry.Permanent(fmt.Errorf("failed to read statistics: %w", err))
		default:
			expected = cur.Version
		}

		next := cur.Clone()
		if err := mutate(next); err != nil {
			return retry.Permanent(err)
		}
		next.Identity = identity
		next.Version = expected + 1
		next.UpdatedAt = now

		if err := u.store.CompareAndSwap(ctx, next, expected); err != nil {
			if errors.Is(err, ErrConflict) {
				casConflicts.Inc()
				return err
			}
			return retry.Permanent(fmt.Errorf("failed to write statistics: %w", err))
		}
		stored = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			updatesAbandoned.Inc()
			u.logger.Warn("statistics update abandoned after retries",
				"identity", identity, "attempts", u.policy.Attempts)
		}
		return nil, err
	}
	return stored.Clone(), nil
}
