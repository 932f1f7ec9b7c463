// Package httpguard adapts the admission engine to gin: a per-route
// enforcement middleware and the operator routes for inspection and
// remediation.
package httpguard

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/engine"
	"github.com/mbd888/sentinel/internal/logging"
)

// ContextKeyDecision is where the middleware stores the admission decision.
const ContextKeyDecision = "admissionDecision"

// Admitter is the part of the engine the middleware needs.
type Admitter interface {
	Admit(ctx context.Context, identity, op string, meta engine.RequestMeta) (engine.Decision, error)
}

// IdentityFunc resolves the client identity for a request. An empty result
// is rejected with 400.
type IdentityFunc func(c *gin.Context) string

// ClientIP identifies callers by the address gin resolves from the
// connection and trusted proxy headers.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// Middleware enforces op on every request through it. Advisory rate-limit
// headers are set on both outcomes.
func Middleware(a Admitter, op string, identify IdentityFunc) gin.HandlerFunc {
	if identify == nil {
		identify = ClientIP
	}
	return func(c *gin.Context) {
		identity := identify(c)
		ctx := logging.WithIdentity(c.Request.Context(), identity)

		d, err := a.Admit(ctx, identity, op, engine.RequestMeta{
			Path:      c.Request.URL.Path,
			UserAgent: c.Request.UserAgent(),
		})
		if err != nil {
			switch {
			case errors.Is(err, engine.ErrInvalidIdentity):
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_identity",
					"message": "Client identity could not be determined",
				})
			default:
				logging.L(ctx).Error("admission misconfigured", "operation", op, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "Admission policy unavailable",
				})
			}
			return
		}

		for k, v := range engine.DecisionHeaders(d).Map() {
			c.Header(k, v)
		}
		c.Set(ContextKeyDecision, d)

		if d.Allowed {
			c.Next()
			return
		}

		status, body := denyResponse(d)
		c.AbortWithStatusJSON(status, body)
	}
}

func denyResponse(d engine.Decision) (int, gin.H) {
	switch d.Reason {
	case engine.ReasonThrottled:
		return http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": d.RetryAfterSeconds(),
		}
	case engine.ReasonBanned:
		return http.StatusForbidden, gin.H{
			"error":   "banned",
			"message": "Access from this client has been permanently blocked.",
		}
	case engine.ReasonBlocked:
		return http.StatusForbidden, gin.H{
			"error":       "temporarily_blocked",
			"message":     "Access from this client is temporarily blocked.",
			"retry_after": d.RetryAfterSeconds(),
		}
	default:
		return http.StatusForbidden, gin.H{
			"error":       "suspicious_activity",
			"message":     "Unusual activity was detected from this client.",
			"retry_after": d.RetryAfterSeconds(),
		}
	}
}

// DecisionFrom returns the decision the middleware stored on c.
func DecisionFrom(c *gin.Context) (engine.Decision, bool) {
	v, ok := c.Get(ContextKeyDecision)
	if !ok {
		return engine.Decision{}, false
	}
	d, ok := v.(engine.Decision)
	return d, ok
}
