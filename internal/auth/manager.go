// Package auth はセッションによるログインとCSRF対策を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/yourusername/fippo/internal/config"
)

const (
	SessionCookieName  = "fippo_session"
	sessionKeyUser     = "auth_user"
	sessionKeyIssuedAt = "issued_at"
	sessionKeyCSRF     = "csrf_token"

	csrfHeader = "X-CSRF-Token"

	// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
	ContextUserKey = "auth.user"

	// LocalUser は APP_USERS 未設定の開発環境で使われるユーザーです。
	LocalUser = "local"
)

var (
	maxSessionLifetime = 12 * time.Hour
	loginWindow        = 15 * time.Minute
	maxLoginAttempts   = 5
	limiterIdleTTL     = time.Hour
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	users     map[string]string
	allowDev  bool
	now       func() time.Time
	lock      sync.Mutex
	limiters  map[string]*ipLimiter
	lastSweep time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		users:    cfg.AppUsers,
		allowDev: cfg.GinMode != "release" && len(cfg.AppUsers) == 0,
		now:      time.Now,
		limiters: make(map[string]*ipLimiter),
	}
}

// verify はユーザー名とパスワードを bcrypt ハッシュと照合します。
// 存在しないユーザーでも同程度の時間がかかるようダミーハッシュと比較します。
func (m *Manager) verify(username, password string) bool {
	hash, ok := m.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("fippo-dummy-password"), bcrypt.MinCost)

// allowAttempt は IP ごとのトークンバケットでログイン試行を制限します。
func (m *Manager) allowAttempt(ip string) (bool, time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	if now.Sub(m.lastSweep) > limiterIdleTTL {
		for key, l := range m.limiters {
			if now.Sub(l.lastSeen) > limiterIdleTTL {
				delete(m.limiters, key)
			}
		}
		m.lastSweep = now
	}

	l, ok := m.limiters[ip]
	if !ok {
		every := loginWindow / time.Duration(maxLoginAttempts)
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), maxLoginAttempts)}
		m.limiters[ip] = l
	}
	l.lastSeen = now

	r := l.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
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
