package engine

import "strconv"

// Advisory header names.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRiskScore  = "X-RateLimit-Risk-Score"
	HeaderRiskLevel  = "X-RateLimit-Risk-Level"
	HeaderRetryAfter = "Retry-After"
)

// Headers are the advisory values a caller may surface for a decision. Reset
// and RetryAfter are in whole seconds; RetryAfter is only set on a deny that
// will lift on its own.
type Headers struct {
	Limit      int
	Remaining  int
	Reset      int
	RiskScore  int
	RiskLevel  string
	RetryAfter int
	HasRetry   bool
}

// DecisionHeaders derives the advisory values for d.
func DecisionHeaders(d Decision) Headers {
	h := Headers{
		Limit:     d.Limit,
		Remaining: d.Remaining,
		Reset:     d.ResetInSeconds(),
		RiskScore: d.RiskScore,
		RiskLevel: string(d.RiskLevel),
	}
	if !d.Allowed && d.Reason != ReasonBanned && d.Reason != ReasonInvalid {
		h.RetryAfter = max(1, d.RetryAfterSeconds())
		h.HasRetry = true
	}
	return h
}

// Map renders h as header name to value.
func (h Headers) Map() map[string]string {
	m := map[string]string{
		HeaderLimit:     strconv.Itoa(h.Limit),
		HeaderRemaining: strconv.Itoa(h.Remaining),
		HeaderReset:     strconv.Itoa(h.Reset),
		HeaderRiskScore: strconv.Itoa(h.RiskScore),
	}
	if h.RiskLevel != "" {
		m[HeaderRiskLevel] = h.RiskLevel
	}
	if h.HasRetry {
		m[HeaderRetryAfter] = strconv.Itoa(h.RetryAfter)
	}
	return m
}
