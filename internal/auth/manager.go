// Package auth はオペレーターのログインとセッション保護を提供します。
// APP_USERNAME と APP_PASSWORD_HASH が未設定の場合は認証なしで通過させます。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/margin-console/internal/config"
)

const (
	SessionCookieName    = "mc_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
const ContextUserKey = "auth.user"

// Manager はオペレーター認証の設定と試行制限をまとめた構造体です。
type Manager struct {
	cfg     *config.Config
	limits  config.AuthConfig
	limiter *limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	var limits config.AuthConfig
	if cfg != nil {
		limits = cfg.Auth
	}
	limits.Sanitize()

	m := &Manager{
		cfg:    cfg,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
	m.limiter = newLimiter(limits, func() time.Time { return m.now() })
	return m
}

// Enabled は認証が有効かを返します。
func (m *Manager) Enabled() bool {
	return m.cfg != nil && m.cfg.AuthEnabled()
}

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func (m *Manager) SessionMaxAgeSeconds() int {
	return int(m.limits.SessionLifetime.Seconds())
}

// checkOperator は設定済みのオペレーターと一致するかを検証します。
func (m *Manager) checkOperator(username, password string) bool {
	if username != m.cfg.AppUsername {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

func (m *Manager) ensureCredentials() error {
	switch {
	case m.cfg.AppUsername == "":
		return errors.New("APP_USERNAME não configurado")
	case m.cfg.AppPasswordHash == "":
		return errors.New("APP_PASSWORD_HASH não configurado")
	case m.cfg.SessionSecret == "":
		return errors.New("SESSION_SECRET não configurado")
	}
	return nil
}

// sessionState は保存済みのセッションが有効かを判定します。空文字なら有効です。
func (m *Manager) sessionState(issuedAt, lastActive time.Time) string {
	now := m.now()
	if issuedAt.IsZero() || now.Sub(issuedAt) > m.limits.SessionLifetime {
		return "SESSION_EXPIRED"
	}
	if lastActive.IsZero() || now.Sub(lastActive) > m.limits.IdleTimeout {
		return "SESSION_IDLE_TIMEOUT"
	}
	return ""
}

func newCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// unixFrom はクッキーに保存した Unix 秒を読みます。JSON 経由だと float64 になります。
func unixFrom(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
