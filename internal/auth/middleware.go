package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/margin-console/internal/httpx"
)

// RequireLogin はセッションを検証するミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		session := sessions.Default(c)
		user, ok := session.Get(sessionKeyUser).(string)
		if !ok || user == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "Login necessário.")
			return
		}

		issuedAt := unixFrom(session.Get(sessionKeyIssuedAt))
		lastActive := unixFrom(session.Get(sessionKeyLastActive))
		if code := m.sessionState(issuedAt, lastActive); code != "" {
			session.Clear()
			_ = session.Save()
			message := "Sessão expirada. Faça login novamente."
			if code == "SESSION_IDLE_TIMEOUT" {
				message = "Sessão encerrada por inatividade."
			}
			abort(c, http.StatusUnauthorized, code, message)
			return
		}

		session.Set(sessionKeyLastActive, m.now().Unix())
		_ = session.Save()
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// VerifyCSRF は状態を変更するリクエストの X-CSRF-Token ヘッダーを検証します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() || isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			abort(c, http.StatusForbidden, "CSRF_MISSING", "Token CSRF ausente.")
			return
		}

		received := c.GetHeader(csrfHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			abort(c, http.StatusForbidden, "CSRF_INVALID", "Token CSRF inválido.")
			return
		}

		c.Next()
	}
}

func abort(c *gin.Context, status int, code, message string) {
	httpx.Fail(c, status, code, message)
	c.Abort()
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
