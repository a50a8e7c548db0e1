package auth

import (
	"sync"
	"time"

	"github.com/yourusername/margin-console/internal/config"
)

type attempts struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// limiter は IP ごとのログイン失敗を数え、上限に達したら一定時間ロックします。
type limiter struct {
	limits config.AuthConfig
	now    func() time.Time

	mu    sync.Mutex
	byKey map[string]*attempts
}

func newLimiter(limits config.AuthConfig, now func() time.Time) *limiter {
	return &limiter{limits: limits, now: now, byKey: make(map[string]*attempts)}
}

// lockedFor はロック解除までの残り時間を返します。ロックされていなければ 0 です。
func (l *limiter) lockedFor(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.byKey[key]
	if !ok {
		return 0
	}
	return max(a.lockedUntil.Sub(l.now()), 0)
}

// fail は失敗を記録し、ロックまでの残り回数を返します。
func (l *limiter) fail(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	a, ok := l.byKey[key]
	if !ok || now.Sub(a.windowStart) > l.limits.LoginWindow {
		a = &attempts{windowStart: now}
		l.byKey[key] = a
	}

	a.failures = min(a.failures+1, l.limits.MaxLoginAttempts)
	if a.failures == l.limits.MaxLoginAttempts {
		a.lockedUntil = now.Add(l.limits.LockDuration)
	}
	return l.limits.MaxLoginAttempts - a.failures
}

func (l *limiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byKey, key)
}
