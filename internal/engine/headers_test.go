package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/sentinel/internal/risk"
)

func TestDecisionHeaders(t *testing.T) {
	tests := []struct {
		name string
		d    Decision
		want map[string]string
	}{
		{
			name: "allowed",
			d: Decision{
				Allowed: true, Limit: 5, Remaining: 3, ResetIn: 1500 * time.Millisecond,
				RiskScore: 15, RiskLevel: risk.LevelMinimal,
			},
			want: map[string]string{
				HeaderLimit:     "5",
				HeaderRemaining: "3",
				HeaderReset:     "2",
				HeaderRiskScore: "15",
				HeaderRiskLevel: "MINIMAL",
			},
		},
		{
			name: "throttled",
			d: Decision{
				Reason: ReasonThrottled, Limit: 5, ResetIn: 10 * time.Second,
				RetryAfter: 3599 * time.Second, RiskScore: 55, RiskLevel: risk.LevelMedium,
			},
			want: map[string]string{
				HeaderLimit:      "5",
				HeaderRemaining:  "0",
				HeaderReset:      "10",
				HeaderRiskScore:  "55",
				HeaderRiskLevel:  "MEDIUM",
				HeaderRetryAfter: "3599",
			},
		},
		{
			name: "deny with elapsed hold still asks for a second",
			d:    Decision{Reason: ReasonBlocked, Limit: 5, RiskLevel: risk.LevelLow},
			want: map[string]string{
				HeaderLimit:      "5",
				HeaderRemaining:  "0",
				HeaderReset:      "0",
				HeaderRiskScore:  "0",
				HeaderRiskLevel:  "LOW",
				HeaderRetryAfter: "1",
			},
		},
		{
			name: "banned has no retry",
			d:    Decision{Reason: ReasonBanned, Limit: 5, Remaining: 5, RiskScore: 100, RiskLevel: risk.LevelHigh},
			want: map[string]string{
				HeaderLimit:     "5",
				HeaderRemaining: "5",
				HeaderReset:     "0",
				HeaderRiskScore: "100",
				HeaderRiskLevel: "HIGH",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecisionHeaders(tt.d).Map())
		})
	}
}
