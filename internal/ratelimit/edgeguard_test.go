package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEdgeGuardAllow(t *testing.T) {
	g := NewEdgeGuard(60, 2, time.Minute)
	defer g.Close()

	assert.True(t, g.Allow("1.2.3.4"))
	assert.True(t, g.Allow("1.2.3.4"))
	assert.False(t, g.Allow("1.2.3.4"), "burst of 2 exhausted")

	// Other clients are unaffected.
	assert.True(t, g.Allow("5.6.7.8"))
}

func TestEdgeGuardCleanup(t *testing.T) {
	g := NewEdgeGuard(60, 1, time.Minute)
	defer g.Close()

	g.Allow("1.2.3.4")
	g.mu.Lock()
	g.lastAccess["1.2.3.4"] = time.Now().Add(-2 * time.Minute)
	g.mu.Unlock()

	g.cleanup()

	g.mu.RLock()
	defer g.mu.RUnlock()
	assert.Empty(t, g.limiters)
}

func TestEdgeGuardMiddleware(t *testing.T) {
	g := NewEdgeGuard(60, 1, time.Minute)
	defer g.Close()

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientKey(req))

	req.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientKey(req))

	req.Header.Set("X-Real-IP", "not-an-ip")
	assert.Equal(t, "10.0.0.1", ClientKey(req))
}
