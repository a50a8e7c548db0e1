package portal

import (
	"sync"
	"time"
)

// Session はポータルへの手動ログイン状態を保持します。
// 実際の認証情報は扱わず、オペレーターが確認した事実だけを記録します。
type Session struct {
	mu          sync.RWMutex
	active      bool
	confirmedAt time.Time
	now         func() time.Time
}

// NewSession は未ログイン状態の Session を作成します。
func NewSession() *Session {
	return &Session{now: time.Now}
}

// Active はログイン済みかを返します。
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ConfirmedAt は最後にログインが確認された時刻を返します。
func (s *Session) ConfirmedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmedAt
}

// Confirm はログイン済みとして記録します。
func (s *Session) Confirm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.confirmedAt = s.now()
}

// Expire はセッションを失効させます。
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}
