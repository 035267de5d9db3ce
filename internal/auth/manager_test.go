package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/fippo/internal/config"
)

func newTestRouter(t *testing.T, cfg *config.Config) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := NewManager(cfg)
	r := gin.New()
	r.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	r.POST("/auth/login", m.Login)
	protected := r.Group("/api", m.RequireLogin(), m.VerifyCSRF())
	protected.GET("/me", m.Me)
	protected.POST("/echo", func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r, m
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return string(hash)
}

func login(r *gin.Engine, username, password string) *httptest.ResponseRecorder {
	body := bytes.NewBufferString(`{"username":"` + username + `","password":"` + password + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestLoginAndCSRF(t *testing.T) {
	cfg := &config.Config{GinMode: "release", AppUsers: map[string]string{"alice": hashPassword(t, "s3cret")}}
	r, _ := newTestRouter(t, cfg)

	rec := login(r, "alice", "s3cret")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body.String())
	}
	token := rec.Header().Get(csrfHeader)
	cookies := rec.Result().Cookies()
	if token == "" || len(cookies) == 0 {
		t.Fatalf("expected csrf token and session cookie")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing csrf header status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	req.Header.Set(csrfHeader, token)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "alice" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestRequireLoginRejectsAnonymous(t *testing.T) {
	cfg := &config.Config{GinMode: "release", AppUsers: map[string]string{"alice": hashPassword(t, "pw")}}
	r, _ := newTestRouter(t, cfg)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	cfg := &config.Config{GinMode: "release", AppUsers: map[string]string{"alice": hashPassword(t, "pw")}}
	r, m := newTestRouter(t, cfg)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	for i := 0; i < maxLoginAttempts; i++ {
		if rec := login(r, "alice", "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i+1, rec.Code)
		}
	}
	rec := login(r, "alice", "pw")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}

	m.now = func() time.Time { return fixed.Add(loginWindow) }
	if rec := login(r, "alice", "pw"); rec.Code != http.StatusNoContent {
		t.Fatalf("status after window = %d", rec.Code)
	}
}

func TestDevModeWithoutUsers(t *testing.T) {
	r, _ := newTestRouter(t, &config.Config{GinMode: "debug"})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/echo", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != LocalUser {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}
