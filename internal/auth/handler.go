package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/margin-console/internal/httpx"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /api/auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	if !m.Enabled() {
		httpx.Fail(c, http.StatusNotFound, "AUTH_DISABLED", "Autenticação não configurada.")
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, http.StatusBadRequest, "INVALID_INPUT", "Envie username e password em JSON.")
		return
	}

	if err := m.ensureCredentials(); err != nil {
		m.logger.Error("auth.misconfigured", "err", err)
		httpx.Fail(c, http.StatusInternalServerError, "SERVER_MISCONFIGURATION", err.Error())
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.limiter.lockedFor(ip); retryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		httpx.Fail(c, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Muitas tentativas. Tente novamente mais tarde.")
		return
	}

	if !m.checkOperator(req.Username, req.Password) {
		remaining := m.limiter.fail(ip)
		m.logger.Warn("auth.login.failed", "ip", ip, "remaining", remaining)
		c.JSON(http.StatusUnauthorized, gin.H{
			"success":           false,
			"error":             "INVALID_CREDENTIALS",
			"message":           "Usuário ou senha inválidos.",
			"remainingAttempts": remaining,
		})
		return
	}

	m.limiter.reset(ip)

	token, err := newCSRFToken()
	if err != nil {
		httpx.Fail(c, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Falha ao gerar o token CSRF.")
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Set(sessionKeyUser, m.cfg.AppUsername)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		httpx.Fail(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "Falha ao salvar a sessão.")
		return
	}

	m.logger.Info("auth.login.ok", "ip", ip)
	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		httpx.Fail(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "Falha ao encerrar a sessão.")
		return
	}
	c.Status(http.StatusNoContent)
}

// Me は GET /api/auth/me のハンドラーです。ログイン状態と CSRF トークンを返します。
func (m *Manager) Me(c *gin.Context) {
	if !m.Enabled() {
		httpx.OK(c, gin.H{"authEnabled": false})
		return
	}
	session := sessions.Default(c)
	if token, ok := session.Get(sessionKeyCSRF).(string); ok && token != "" {
		c.Header(csrfHeader, token)
	}
	httpx.OK(c, gin.H{
		"authEnabled": true,
		"user":        c.GetString(ContextUserKey),
	})
}
