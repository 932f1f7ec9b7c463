package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/engine"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/validation"
)

// Request metadata is stored verbatim in the block log.
const (
	maxPathLength      = 2048
	maxUserAgentLength = 1024
)

// checkRequest is the body of POST /v1/check.
type checkRequest struct {
	Identity  string `json:"identity"`
	Operation string `json:"operation"`
	Path      string `json:"path"`
	UserAgent string `json:"userAgent"`
}

// checkHandler lets an upstream service ask for a decision without routing
// its traffic through this process. The decision is always returned with
// 200; advisory headers mirror what the middleware would set.
func (s *Server) checkHandler(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be JSON with identity and operation",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("operation", req.Operation),
		validation.MaxLength("path", req.Path, maxPathLength),
		validation.MaxLength("userAgent", req.UserAgent, maxUserAgentLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := logging.WithIdentity(c.Request.Context(), req.Identity)
	d, err := s.engine.Admit(ctx, req.Identity, req.Operation, engine.RequestMeta{
		Path:      req.Path,
		UserAgent: req.UserAgent,
	})
	if err != nil && !errors.Is(err, engine.ErrInvalidIdentity) && !errors.Is(err, engine.ErrUnknownOperation) {
		logging.L(ctx).Error("admission failed", "operation", req.Operation, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Admission failed"})
		return
	}

	h := engine.DecisionHeaders(d)
	for k, v := range h.Map() {
		c.Header(k, v)
	}
	body := gin.H{
		"decision":       d,
		"resetInSeconds": h.Reset,
	}
	if h.HasRetry {
		body["retryAfterSeconds"] = h.RetryAfter
	}
	if err != nil {
		body["message"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// successRequest is the body of POST /v1/success.
type successRequest struct {
	Identity  string `json:"identity" binding:"required"`
	Operation string `json:"operation" binding:"required"`
}

// successHandler forgives the caller's budget for an operation that
// completed successfully, such as a login with valid credentials.
func (s *Server) successHandler(c *gin.Context) {
	var req successRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be JSON with identity and operation",
		})
		return
	}
	if err := s.engine.RecordSuccess(c.Request.Context(), req.Identity, req.Operation); err != nil {
		status, code := http.StatusInternalServerError, "internal_error"
		switch {
		case errors.Is(err, engine.ErrInvalidIdentity):
			status, code = http.StatusBadRequest, "invalid_identity"
		case errors.Is(err, engine.ErrUnknownOperation):
			status, code = http.StatusBadRequest, "unknown_operation"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": req.Identity, "operation": req.Operation, "reset": true})
}

// policiesHandler lists the configured budgets.
func (s *Server) policiesHandler(c *gin.Context) {
	set := s.engine.Policies()
	out := make([]gin.H, 0, set.Len())
	for _, op := range set.Operations() {
		p, _ := set.Lookup(op)
		out = append(out, gin.H{
			"operation":        op,
			"maxAttempts":      p.MaxAttempts,
			"windowSeconds":    int(p.Window.Seconds()),
			"autoResetSeconds": int(p.AutoReset.Seconds()),
			"windowScoped":     p.WindowScoped,
		})
	}
	c.JSON(http.StatusOK, gin.H{"policies": out, "count": len(out), "version": s.version})
}
