// Package escalation decides how far a denied request pushes an identity
// along CLEAR -> THROTTLED -> SUSPICIOUS -> BLOCKED -> PERMANENTLY_BANNED.
package escalation

import (
	"errors"
	"time"

	"github.com/mbd888/sentinel/internal/stats"
)

// State is an identity's position in the escalation ladder.
type State int

const (
	StateClear State = iota
	StateThrottled
	StateSuspicious
	StateBlocked
	StatePermanentlyBanned
)

func (s State) String() string {
	switch s {
	case StateClear:
		return "CLEAR"
	case StateThrottled:
		return "THROTTLED"
	case StateSuspicious:
		return "SUSPICIOUS"
	case StateBlocked:
		return "BLOCKED"
	case StatePermanentlyBanned:
		return "PERMANENTLY_BANNED"
	default:
		return "UNKNOWN"
	}
}

// ThrottleBanReason is recorded on bans caused by repeated window exhaustion.
const ThrottleBanReason = "rate limit exceeded multiple times"

// Cause distinguishes the two ways a request can be denied and recorded.
type Cause int

const (
	CauseThrottle Cause = iota
	CauseSuspicion
)

// Trigger describes why a block event is being recorded.
type Trigger struct {
	Cause Cause
	// Classification names the anomaly for CauseSuspicion.
	Classification string
}

// Throttle is the trigger for an exhausted window.
func Throttle() Trigger { return Trigger{Cause: CauseThrottle} }

// Suspicion is the trigger for a pending anomaly classification.
func Suspicion(kind string) Trigger {
	return Trigger{Cause: CauseSuspicion, Classification: kind}
}

// Reason is the human-readable block reason stored on the statistics record.
func (t Trigger) Reason() string {
	if t.Cause == CauseSuspicion {
		return "suspicious activity: " + t.Classification
	}
	return "rate limit exceeded"
}

// Action is what the engine must do for one recorded block.
type Action struct {
	State      State
	Reason     string
	BlockUntil time.Time
	Ban        bool
	BanReason  string
}

// Defaults
const (
	DefaultAutoBlockThreshold = 15
	DefaultHardBlockDuration  = 5 * time.Minute
)

// Policy holds the escalation knobs.
type Policy struct {
	AutoBlockEnabled   bool
	AutoBlockThreshold int
	// HardBlockDuration is how long a suspicion-triggered block lasts. Zero
	// disables the temporary block; the request is still denied and counted.
	HardBlockDuration time.Duration
}

// DefaultPolicy returns auto-blocking at 15 events with a 5 minute hard block.
func DefaultPolicy() Policy {
	return Policy{
		AutoBlockEnabled:   true,
		AutoBlockThreshold: DefaultAutoBlockThreshold,
		HardBlockDuration:  DefaultHardBlockDuration,
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.AutoBlockEnabled && p.AutoBlockThreshold <= 0 {
		return errors.New("escalation: auto block threshold must be positive")
	}
	if p.HardBlockDuration < 0 {
		return errors.New("escalation: hard block duration must not be negative")
	}
	return nil
}

// OnDeny maps a recorded block to an action. blockedCountAfter is the durable
// count after this event was added; a ban is requested once it reaches the
// threshold. Ban creation is idempotent downstream, so asking again on later
// events is harmless.
func (p Policy) OnDeny(t Trigger, blockedCountAfter int, now time.Time) Action {
	a := Action{State: StateThrottled, Reason: t.Reason()}
	if t.Cause == CauseSuspicion {
		a.State = StateBlocked
		if p.HardBlockDuration > 0 {
			a.BlockUntil = now.Add(p.HardBlockDuration)
		}
	}
	if p.AutoBlockEnabled && blockedCountAfter >= p.AutoBlockThreshold {
		a.State = StatePermanentlyBanned
		a.Ban = true
		a.BanReason = ThrottleBanReason
		if t.Cause == CauseSuspicion && t.Classification != "" {
			a.BanReason = t.Classification
		}
	}
	return a
}

// Describe derives the current state for reporting. throttled reports whether
// any window counter for the identity is exhausted right now.
func Describe(snap stats.Statistics, throttled bool, now time.Time) State {
	switch {
	case snap.IsPermanentlyBlocked:
		return StatePermanentlyBanned
	case snap.BlockedUntil.After(now):
		return StateBlocked
	case snap.IsSuspicious:
		return StateSuspicious
	case throttled:
		return StateThrottled
	default:
		return StateClear
	}
}
