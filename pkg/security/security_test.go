package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS(CORSOptions{
		AllowedOrigins: []string{"http://app.local"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "X-Device-ID"},
		MaxAge:         10 * time.Minute,
	}))
	r.GET("/api/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantOrigin string
	}{
		{"preflight from allowed origin", http.MethodOptions, "http://app.local", http.StatusNoContent, "http://app.local"},
		{"request from allowed origin", http.MethodGet, "http://app.local", http.StatusOK, "http://app.local"},
		{"request from unknown origin", http.MethodGet, "http://evil.local", http.StatusOK, ""},
		{"preflight from unknown origin", http.MethodOptions, "http://evil.local", http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/ping", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			h := w.Header()
			if got := h.Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := h.Get("Access-Control-Allow-Methods"); got != "GET, POST" {
				t.Errorf("Allow-Methods = %q", got)
			}
			if got := h.Get("Access-Control-Allow-Headers"); got != "Authorization, X-Device-ID" {
				t.Errorf("Allow-Headers = %q", got)
			}
			if got := h.Get("Access-Control-Max-Age"); got != "600" {
				t.Errorf("Max-Age = %q", got)
			}
		})
	}
}

func TestCORS_DefaultsWhenUnset(t *testing.T) {
	r := gin.New()
	r.Use(CORS(CORSOptions{}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, PATCH, OPTIONS" {
		t.Errorf("Allow-Methods = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "" {
		t.Errorf("Max-Age should be omitted, got %q", got)
	}
}

func TestSecure(t *testing.T) {
	r := gin.New()
	r.Use(Secure())
	r.GET("/api/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("unexpected headers on api route: %v", w.Header())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := w.Header().Get("Cache-Control"); got != "" {
		t.Errorf("Cache-Control on /metrics = %q", got)
	}
}

// userRouter 模拟认证中间件：X-User 头写入 user
func userRouter(l *Limiter) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-User"); u != "" {
			c.Set("uid", u)
		}
		c.Next()
	})
	r.Use(l.Handler())
	r.GET("/api/ws", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func uid(c *gin.Context) string { return c.GetString("uid") }

func get(r http.Handler, user, ip string) int {
	req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	req.RemoteAddr = ip + ":1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestLimiter_ByUser(t *testing.T) {
	r := userRouter(NewLimiter(2, time.Hour, ByUser(uid)))

	// 同一用户换 IP 仍共用额度
	steps := []struct {
		user, ip string
		want     int
	}{
		{"alice", "10.0.0.1", http.StatusOK},
		{"alice", "10.0.0.2", http.StatusOK},
		{"alice", "10.0.0.3", http.StatusTooManyRequests},
		{"bob", "10.0.0.1", http.StatusOK},
		{"", "10.0.0.1", http.StatusOK},
		{"", "10.0.0.1", http.StatusOK},
		{"", "10.0.0.1", http.StatusTooManyRequests},
		{"bob", "10.0.0.1", http.StatusOK},
	}
	for i, s := range steps {
		if got := get(r, s.user, s.ip); got != s.want {
			t.Fatalf("step %d (%s@%s): status = %d, want %d", i, s.user, s.ip, got, s.want)
		}
	}
}

func TestLimiter_ByClientIP(t *testing.T) {
	r := userRouter(NewLimiter(1, time.Hour, ByClientIP))

	if got := get(r, "alice", "10.0.0.1"); got != http.StatusOK {
		t.Fatalf("first = %d", got)
	}
	if got := get(r, "bob", "10.0.0.1"); got != http.StatusTooManyRequests {
		t.Fatalf("same ip = %d, want 429", got)
	}
	if got := get(r, "alice", "10.0.0.2"); got != http.StatusOK {
		t.Fatalf("other ip = %d", got)
	}
}

func TestLimiter_SweepDropsIdleKeys(t *testing.T) {
	l := NewLimiter(5, time.Minute, ByClientIP)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(2 * time.Minute)
	l.Allow("b")
	now = now.Add(2 * time.Minute)
	l.Sweep()

	if got := l.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}
