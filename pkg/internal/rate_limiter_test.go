package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	rl, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, _ := rl.allow("1.2.3.4")
		assert.True(t, ok, "request %d", i)
	}
	ok, retry := rl.allow("1.2.3.4")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retry)

	ok, _ = rl.allow("5.6.7.8")
	assert.True(t, ok, "other IPs have their own bucket")

	clock.t = clock.t.Add(time.Minute + time.Second)
	ok, _ = rl.allow("1.2.3.4")
	assert.True(t, ok, "window reset")
}

func TestRateLimiter_CleanupPreventsMemoryLeak(t *testing.T) {
	rl, clock := newTestLimiter(10, 100*time.Millisecond)

	for i := 0; i < 150; i++ {
		rl.allow("192.168.1." + strings.Repeat("x", i%7) + string(rune('a'+i%26)))
	}
	require.NotEmpty(t, rl.requests)

	clock.t = clock.t.Add(time.Second)
	rl.Cleanup()
	assert.Empty(t, rl.requests)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, 30*time.Second)
	limited := 0
	rl.OnLimited = func(*http.Request) { limited++ }

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/card", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, limited)
}

func TestRateLimiter_DisabledWhenLimitZero(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := NewRateLimiter(0, time.Second).Middleware(next)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", "203.0.113.5, 10.0.0.1", "10.0.0.2:1234", "203.0.113.5"},
		{"remote with port", "", "192.0.2.1:4321", "192.0.2.1"},
		{"remote without port", "", "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}
