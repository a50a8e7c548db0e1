package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/margin-console/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3nha"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := &config.Config{
		AppUsername:     "operador",
		AppPasswordHash: string(hash),
		SessionSecret:   "0123456789abcdef0123456789abcdef",
	}
	cfg.Auth.Sanitize()
	return cfg
}

func newRouter(m *Manager, secret string) *gin.Engine {
	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte(secret))))
	router.POST("/login", m.Login)
	protected := router.Group("")
	protected.Use(m.RequireLogin(), m.VerifyCSRF())
	protected.GET("/me", m.Me)
	protected.PUT("/action", func(c *gin.Context) { c.Status(http.StatusOK) })
	protected.POST("/logout", m.Logout)
	return router
}

func newManager(cfg *config.Config) *Manager {
	return NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(router http.Handler, method, path, body string, cookies []*http.Cookie, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, router http.Handler) ([]*http.Cookie, string) {
	t.Helper()
	w := do(router, http.MethodPost, "/login", `{"username":"operador","password":"s3nha"}`, nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	token := w.Header().Get(csrfHeader)
	require.NotEmpty(t, token)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies, token
}

func TestLoginAndCSRF(t *testing.T) {
	cfg := testConfig(t)
	router := newRouter(newManager(cfg), cfg.SessionSecret)

	w := do(router, http.MethodGet, "/me", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cookies, token := login(t, router)

	w = do(router, http.MethodGet, "/me", "", cookies, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":"operador"`)
	assert.Equal(t, token, w.Header().Get(csrfHeader))

	w = do(router, http.MethodPut, "/action", "", cookies, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "CSRF_INVALID")

	w = do(router, http.MethodPut, "/action", "", cookies, map[string]string{csrfHeader: token})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	cfg := testConfig(t)
	router := newRouter(newManager(cfg), cfg.SessionSecret)

	for i := 0; i < cfg.Auth.MaxLoginAttempts; i++ {
		w := do(router, http.MethodPost, "/login", `{"username":"operador","password":"errada"}`, nil, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := do(router, http.MethodPost, "/login", `{"username":"operador","password":"s3nha"}`, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	cfg := testConfig(t)
	router := newRouter(newManager(cfg), cfg.SessionSecret)

	w := do(router, http.MethodPost, "/login", `{"username":""}`, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")
}

func TestIdleSessionExpires(t *testing.T) {
	cfg := testConfig(t)
	m := newManager(cfg)
	router := newRouter(m, cfg.SessionSecret)

	cookies, _ := login(t, router)

	base := time.Now()
	m.now = func() time.Time { return base.Add(cfg.Auth.IdleTimeout + time.Minute) }

	w := do(router, http.MethodGet, "/me", "", cookies, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "SESSION_IDLE_TIMEOUT")
}

func TestDisabledAuthPassesThrough(t *testing.T) {
	m := newManager(&config.Config{})
	router := newRouter(m, "dev-secret-dev-secret-dev-secret")

	w := do(router, http.MethodPut, "/action", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/me", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"authEnabled":false`)

	w = do(router, http.MethodPost, "/login", `{"username":"a","password":"b"}`, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfiguredLockoutAndLifetime(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.MaxLoginAttempts = 2
	cfg.Auth.LockDuration = time.Minute
	cfg.Auth.SessionLifetime = time.Hour
	m := newManager(cfg)
	router := newRouter(m, cfg.SessionSecret)

	assert.Equal(t, 3600, m.SessionMaxAgeSeconds())

	base := time.Now()
	m.now = func() time.Time { return base }
	for i := 0; i < 2; i++ {
		w := do(router, http.MethodPost, "/login", `{"username":"operador","password":"errada"}`, nil, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := do(router, http.MethodPost, "/login", `{"username":"operador","password":"s3nha"}`, nil, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	m.now = func() time.Time { return base.Add(time.Minute + time.Second) }
	cookies, _ := login(t, router)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	w = do(router, http.MethodGet, "/me", "", cookies, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "SESSION_EXPIRED")
}

func TestLimiterWindowResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	limits := config.AuthConfig{MaxLoginAttempts: 3, LoginWindow: time.Minute, LockDuration: time.Minute}
	l := newLimiter(limits, func() time.Time { return now })

	assert.Equal(t, 2, l.fail("1.2.3.4"))
	assert.Equal(t, 1, l.fail("1.2.3.4"))
	assert.Zero(t, l.lockedFor("1.2.3.4"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, l.fail("1.2.3.4"), "a new window starts after LoginWindow")

	l.reset("1.2.3.4")
	assert.Equal(t, 2, l.fail("1.2.3.4"))
}
