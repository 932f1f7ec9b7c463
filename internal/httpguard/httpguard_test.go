package httpguard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/engine"
	"github.com/mbd888/sentinel/internal/policy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	secret    = "s3cret-admin-token"
	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Gecko/20100101 Firefox/125.0"
)

func byHeader(c *gin.Context) string { return c.GetHeader("X-Client-ID") }

func setupRouter(t *testing.T) (*gin.Engine, *engine.Engine) {
	t.Helper()
	set, err := policy.NewSet(map[string]policy.Policy{
		policy.OpLogin: {MaxAttempts: 2, Window: 30 * time.Second, AutoReset: time.Hour},
	})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := engine.New(set,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithClock(func() time.Time { return now }),
		engine.WithInlineAnalysis(),
	)
	require.NoError(t, err)

	r := gin.New()
	r.POST("/login", Middleware(e, policy.OpLogin, byHeader), func(c *gin.Context) {
		d, ok := DecisionFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"remaining": d.Remaining})
	})
	r.POST("/misconfigured", Middleware(e, "teleport", byHeader), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	admin := r.Group("/admin", RequireAdmin(secret))
	NewHandler(e).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(admin)
	return r, e
}

func do(r http.Handler, method, path, client string, body []byte) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("User-Agent", browserUA)
	if client != "" {
		req.Header.Set("X-Client-ID", client)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doAdmin(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestMiddleware_AllowThenThrottle(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/login", "198.51.100.4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get(engine.HeaderLimit))
	assert.Equal(t, "1", w.Header().Get(engine.HeaderRemaining))
	assert.Equal(t, "30", w.Header().Get(engine.HeaderReset))
	assert.Equal(t, "MINIMAL", w.Header().Get(engine.HeaderRiskLevel))
	assert.Empty(t, w.Header().Get(engine.HeaderRetryAfter))

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/login", "198.51.100.4", nil).Code)

	w = do(r, http.MethodPost, "/login", "198.51.100.4", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get(engine.HeaderRetryAfter))
	assert.Equal(t, "rate_limit_exceeded", decode(t, w)["error"])
}

func TestMiddleware_InvalidIdentity(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/login", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_identity", decode(t, w)["error"])
}

func TestMiddleware_UnknownOperation(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/misconfigured", "198.51.100.4", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMiddleware_Banned(t *testing.T) {
	r, _ := setupRouter(t)

	w := doAdmin(r, http.MethodPost, "/admin/identities/198.51.100.9/ban", []byte(`{"reason":"card testing"}`))
	require.Equal(t, http.StatusOK, w.Code)
	ban := decode(t, w)["ban"].(map[string]any)
	assert.Equal(t, "card testing", ban["reason"])
	assert.Equal(t, "admin", ban["bannedBy"])

	w = do(r, http.MethodPost, "/login", "198.51.100.9", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "banned", decode(t, w)["error"])
	assert.Empty(t, w.Header().Get(engine.HeaderRetryAfter))

	require.Equal(t, http.StatusOK, doAdmin(r, http.MethodDelete, "/admin/identities/198.51.100.9/ban", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/login", "198.51.100.9", nil).Code)

	assert.Equal(t, http.StatusNotFound, doAdmin(r, http.MethodDelete, "/admin/identities/198.51.100.9/ban", nil).Code)
}

func TestRequireAdmin(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodGet, "/admin/overview", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/overview", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, http.StatusOK, doAdmin(r, http.MethodGet, "/admin/overview", nil).Code)
}

func TestRequireAdmin_EmptySecretRejectsAll(t *testing.T) {
	r := gin.New()
	r.GET("/x", RequireAdmin(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_ReportingRoutes(t *testing.T) {
	r, _ := setupRouter(t)

	for i := 0; i < 4; i++ {
		do(r, http.MethodPost, "/login", "198.51.100.4", nil)
	}

	w := doAdmin(r, http.MethodGet, "/admin/threat/198.51.100.4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	threat := decode(t, w)
	assert.EqualValues(t, 2, threat["blockedCount"])
	assert.Equal(t, "THROTTLED", threat["state"])

	w = doAdmin(r, http.MethodGet, "/admin/offenders?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = doAdmin(r, http.MethodGet, "/admin/identities/198.51.100.4/blocks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])

	w = doAdmin(r, http.MethodGet, "/admin/identities/198.51.100.4/buckets/login", nil)
	require.Equal(t, http.StatusOK, w.Code)
	bucket := decode(t, w)
	assert.Equal(t, false, bucket["allowed"])
	assert.EqualValues(t, 0, bucket["remaining"])

	w = doAdmin(r, http.MethodGet, "/admin/identities/198.51.100.4/buckets/teleport", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doAdmin(r, http.MethodGet, "/admin/overview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["degraded"])
	assert.EqualValues(t, 2, body["overview"].(map[string]any)["totalBlocks"])
}

func TestHandler_ResetAndAlerts(t *testing.T) {
	r, _ := setupRouter(t)

	// Two allowed, five denied: the fifth block raises a warning alert.
	for i := 0; i < 7; i++ {
		do(r, http.MethodPost, "/login", "198.51.100.4", nil)
	}

	w := doAdmin(r, http.MethodGet, "/admin/identities/198.51.100.4/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["alerts"].([]any)
	require.Len(t, list, 1)
	id := list[0].(map[string]any)["id"].(string)

	w = doAdmin(r, http.MethodGet, "/admin/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	require.Equal(t, http.StatusOK, doAdmin(r, http.MethodPost, "/admin/alerts/"+id+"/dismiss", nil).Code)
	assert.Equal(t, http.StatusNotFound, doAdmin(r, http.MethodPost, "/admin/alerts/alrt_missing/dismiss", nil).Code)

	w = doAdmin(r, http.MethodPost, "/admin/identities/198.51.100.4/reset?operation=login", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "login", decode(t, w)["reset"])
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/login", "198.51.100.4", nil).Code)

	w = doAdmin(r, http.MethodPost, "/admin/identities/198.51.100.4/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "all", decode(t, w)["reset"])

	w = doAdmin(r, http.MethodPost, "/admin/identities/198.51.100.4/reset?operation=teleport", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Purge(t *testing.T) {
	r, _ := setupRouter(t)

	w := doAdmin(r, http.MethodPost, "/admin/maintenance/purge?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["degraded"])
	assert.NotNil(t, body["purged"])
}

func TestHandler_BanRejectsBadBody(t *testing.T) {
	r, _ := setupRouter(t)

	w := doAdmin(r, http.MethodPost, "/admin/identities/198.51.100.4/ban", []byte(`{"reason":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_BanRejectsOversizedFields(t *testing.T) {
	r, e := setupRouter(t)

	body, err := json.Marshal(map[string]string{
		"reason":   "scraping",
		"bannedBy": strings.Repeat("x", 256),
	})
	require.NoError(t, err)

	w := doAdmin(r, http.MethodPost, "/admin/identities/198.51.100.5/ban", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decode(t, w)["error"])

	d, err := e.Admit(context.Background(), "198.51.100.5", policy.OpLogin, engine.RequestMeta{UserAgent: browserUA})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

type recordingAdmitter struct {
	meta engine.RequestMeta
}

func (r *recordingAdmitter) Admit(_ context.Context, identity, op string, meta engine.RequestMeta) (engine.Decision, error) {
	r.meta = meta
	return engine.Decision{Allowed: true, Identity: identity, Operation: op, Limit: 1, Remaining: 1}, nil
}

func TestMiddleware_PassesRequestPath(t *testing.T) {
	rec := &recordingAdmitter{}
	r := gin.New()
	r.GET("/items/:id", Middleware(rec, policy.OpGeneral, byHeader), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := do(r, http.MethodGet, "/items/42", "client-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/items/42", rec.meta.Path)
	assert.Equal(t, browserUA, rec.meta.UserAgent)
}
