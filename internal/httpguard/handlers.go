package httpguard

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/alerts"
	"github.com/mbd888/sentinel/internal/bans"
	"github.com/mbd888/sentinel/internal/engine"
	"github.com/mbd888/sentinel/internal/validation"
)

// Handler serves the operator routes.
type Handler struct {
	engine    *engine.Engine
	retention time.Duration
	logger    *slog.Logger
}

// NewHandler creates a handler over e.
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{engine: e, retention: 30 * 24 * time.Hour, logger: slog.Default()}
}

// WithRetention sets the purge horizon used when the request names none.
func (h *Handler) WithRetention(d time.Duration) *Handler {
	h.retention = d
	return h
}

// WithLogger sets the logger.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	h.logger = l
	return h
}

// RegisterRoutes mounts the operator routes on r. Callers are expected to
// protect r with RequireAdmin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/threat/:identity", h.Threat)
	r.GET("/offenders", h.TopOffenders)
	r.GET("/overview", h.Overview)
	r.GET("/alerts", h.OpenAlerts)
	r.GET("/identities/:identity/blocks", h.BlockHistory)
	r.GET("/identities/:identity/alerts", h.IdentityAlerts)
	r.GET("/identities/:identity/buckets/:operation", h.Bucket)
	r.POST("/identities/:identity/reset", h.Reset)
	r.POST("/identities/:identity/ban", h.Ban)
	r.DELETE("/identities/:identity/ban", h.Unban)
	r.POST("/alerts/:id/dismiss", h.DismissAlert)
	r.POST("/maintenance/purge", h.Purge)
}

// RequireAdmin rejects requests whose bearer token does not match secret.
// An empty secret rejects everything.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if secret == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required. Include 'Authorization: Bearer <secret>' header.",
			})
			return
		}
		c.Next()
	}
}

// Threat handles GET /threat/:identity
func (h *Handler) Threat(c *gin.Context) {
	threat, err := h.engine.ThreatIntelligence(c.Request.Context(), c.Param("identity"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, threat)
}

// TopOffenders handles GET /offenders?limit=
func (h *Handler) TopOffenders(c *gin.Context) {
	offenders, err := h.engine.TopOffenders(c.Request.Context(), queryInt(c, "limit", engine.DefaultListLimit))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offenders": offenders, "count": len(offenders)})
}

// Overview handles GET /overview. Sections whose store is down are zero and
// the response is marked degraded.
func (h *Handler) Overview(c *gin.Context) {
	o, err := h.engine.Overview(c.Request.Context())
	if err != nil {
		h.logger.Warn("overview incomplete", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"overview": o, "degraded": err != nil})
}

// OpenAlerts handles GET /alerts?limit=
func (h *Handler) OpenAlerts(c *gin.Context) {
	list, err := h.engine.OpenAlerts(c.Request.Context(), queryInt(c, "limit", engine.DefaultListLimit))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}

// BlockHistory handles GET /identities/:identity/blocks?limit=
func (h *Handler) BlockHistory(c *gin.Context) {
	entries, err := h.engine.BlockHistory(c.Request.Context(), c.Param("identity"), queryInt(c, "limit", engine.DefaultListLimit))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": entries, "count": len(entries)})
}

// IdentityAlerts handles GET /identities/:identity/alerts
func (h *Handler) IdentityAlerts(c *gin.Context) {
	list, err := h.engine.Alerts(c.Request.Context(), c.Param("identity"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}

// Bucket handles GET /identities/:identity/buckets/:operation
func (h *Handler) Bucket(c *gin.Context) {
	res, err := h.engine.BucketInfo(c.Param("identity"), c.Param("operation"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"allowed":           res.Allowed,
		"count":             res.Count,
		"limit":             res.Limit,
		"remaining":         res.Remaining,
		"resetInSeconds":    res.ResetInSeconds(),
		"retryAfterSeconds": res.RetryAfterSeconds(),
	})
}

// Reset handles POST /identities/:identity/reset?operation=
func (h *Handler) Reset(c *gin.Context) {
	identity := c.Param("identity")
	op := c.Query("operation")
	if err := h.engine.Reset(c.Request.Context(), identity, op); err != nil {
		h.writeError(c, err)
		return
	}
	scope := op
	if scope == "" {
		scope = "all"
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "reset": scope})
}

type banRequest struct {
	Reason   string `json:"reason"`
	Notes    string `json:"notes"`
	BannedBy string `json:"bannedBy"`
}

// Ban handles POST /identities/:identity/ban
func (h *Handler) Ban(c *gin.Context) {
	var req banRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Body must be JSON with optional reason, notes and bannedBy",
			})
			return
		}
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, 1000),
		validation.MaxLength("notes", req.Notes, 4000),
		validation.MaxLength("bannedBy", req.BannedBy, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if req.BannedBy == "" {
		req.BannedBy = "admin"
	}

	ban, err := h.engine.Ban(c.Request.Context(), c.Param("identity"), req.Reason, req.BannedBy, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ban": ban})
}

// Unban handles DELETE /identities/:identity/ban
func (h *Handler) Unban(c *gin.Context) {
	identity := c.Param("identity")
	if err := h.engine.Unban(c.Request.Context(), identity); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "unbanned": true})
}

// DismissAlert handles POST /alerts/:id/dismiss
func (h *Handler) DismissAlert(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.DismissAlert(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "resolved": true})
}

// Purge handles POST /maintenance/purge?days=
func (h *Handler) Purge(c *gin.Context) {
	retention := h.retention
	if days := queryInt(c, "days", 0); days > 0 {
		retention = time.Duration(days) * 24 * time.Hour
	}
	res, err := h.engine.Purge(c.Request.Context(), retention)
	if err != nil && res == (engine.PurgeResult{}) {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": res, "degraded": err != nil})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity", "message": err.Error()})
	case errors.Is(err, engine.ErrUnknownOperation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_operation", "message": err.Error()})
	case errors.Is(err, bans.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Identity is not banned"})
	case errors.Is(err, alerts.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Alert not found"})
	case errors.Is(err, engine.ErrStorageUnavailable):
		h.logger.Warn("operator request hit unavailable storage", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable", "message": "Try again shortly"})
	default:
		h.logger.Error("operator request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request failed"})
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
