package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/sentinel/internal/stats"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLEAR", StateClear.String())
	assert.Equal(t, "PERMANENTLY_BANNED", StatePermanentlyBanned.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestOnDeny_Throttle(t *testing.T) {
	p := DefaultPolicy()

	a := p.OnDeny(Throttle(), 1, now)
	assert.Equal(t, StateThrottled, a.State)
	assert.Equal(t, "rate limit exceeded", a.Reason)
	assert.True(t, a.BlockUntil.IsZero(), "throttling is not a hard block")
	assert.False(t, a.Ban)
}

func TestOnDeny_Suspicion(t *testing.T) {
	p := DefaultPolicy()

	a := p.OnDeny(Suspicion("BOT_LIKE_BEHAVIOR"), 3, now)
	assert.Equal(t, StateBlocked, a.State)
	assert.Equal(t, "suspicious activity: BOT_LIKE_BEHAVIOR", a.Reason)
	assert.Equal(t, now.Add(5*time.Minute), a.BlockUntil)
	assert.False(t, a.Ban)

	p.HardBlockDuration = 0
	assert.True(t, p.OnDeny(Suspicion("RAPID_REQUESTS"), 3, now).BlockUntil.IsZero())
}

func TestOnDeny_BanAtThreshold(t *testing.T) {
	p := DefaultPolicy()

	for n := 1; n < 15; n++ {
		assert.False(t, p.OnDeny(Throttle(), n, now).Ban, "count %d", n)
	}

	a := p.OnDeny(Throttle(), 15, now)
	assert.True(t, a.Ban)
	assert.Equal(t, StatePermanentlyBanned, a.State)
	assert.Equal(t, ThrottleBanReason, a.BanReason)
	assert.Contains(t, a.BanReason, "rate limit")

	a = p.OnDeny(Suspicion("RAPID_REQUESTS"), 20, now)
	assert.True(t, a.Ban)
	assert.Equal(t, "RAPID_REQUESTS", a.BanReason)
}

func TestOnDeny_AutoBlockDisabled(t *testing.T) {
	p := DefaultPolicy()
	p.AutoBlockEnabled = false
	assert.False(t, p.OnDeny(Throttle(), 1000, now).Ban)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{AutoBlockEnabled: true}.Validate())
	assert.NoError(t, Policy{AutoBlockEnabled: false}.Validate())
	assert.Error(t, Policy{HardBlockDuration: -time.Second}.Validate())
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name      string
		snap      stats.Statistics
		throttled bool
		want      State
	}{
		{"clear", stats.Statistics{}, false, StateClear},
		{"throttled", stats.Statistics{}, true, StateThrottled},
		{"suspicious", stats.Statistics{IsSuspicious: true}, true, StateSuspicious},
		{"blocked", stats.Statistics{IsSuspicious: true, BlockedUntil: now.Add(time.Minute)}, false, StateBlocked},
		{"block expired", stats.Statistics{BlockedUntil: now.Add(-time.Minute)}, false, StateClear},
		{"banned", stats.Statistics{IsPermanentlyBlocked: true, BlockedUntil: now.Add(time.Minute)}, true, StatePermanentlyBanned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.snap, tt.throttled, now))
		})
	}
}
