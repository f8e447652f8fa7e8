package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EdgeGuard is a per-client in-process limiter sitting in front of
// the HTTP API. It sheds abusive clients before any parsing or store
// round trip; the shared sliding window stays authoritative for
// admitted traffic.
type EdgeGuard struct {
	mu         sync.RWMutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time

	limit      rate.Limit
	burst      int
	cleanupTTL time.Duration
	stop       chan struct{}
}

// NewEdgeGuard creates a guard allowing rpm requests per minute per
// client with the given burst. Idle limiters are dropped after
// cleanupTTL.
func NewEdgeGuard(rpm, burst int, cleanupTTL time.Duration) *EdgeGuard {
	if rpm <= 0 {
		rpm = 600
	}
	if burst <= 0 {
		burst = rpm / 6
		if burst < 1 {
			burst = 1
		}
	}
	if cleanupTTL <= 0 {
		cleanupTTL = 10 * time.Minute
	}

	g := &EdgeGuard{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		limit:      rate.Limit(float64(rpm) / 60.0),
		burst:      burst,
		cleanupTTL: cleanupTTL,
		stop:       make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Allow reports whether the client identified by key may proceed.
func (g *EdgeGuard) Allow(key string) bool {
	return g.limiter(key).Allow()
}

// Close stops the cleanup goroutine.
func (g *EdgeGuard) Close() {
	close(g.stop)
}

func (g *EdgeGuard) limiter(key string) *rate.Limiter {
	g.mu.RLock()
	l, ok := g.limiters[key]
	g.mu.RUnlock()
	if ok {
		g.mu.Lock()
		g.lastAccess[key] = time.Now()
		g.mu.Unlock()
		return l
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok = g.limiters[key]; ok {
		g.lastAccess[key] = time.Now()
		return l
	}
	l = rate.NewLimiter(g.limit, g.burst)
	g.limiters[key] = l
	g.lastAccess[key] = time.Now()
	return l
}

func (g *EdgeGuard) cleanupLoop() {
	ticker := time.NewTicker(g.cleanupTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stop:
			return
		}
	}
}

func (g *EdgeGuard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for key, last := range g.lastAccess {
		if now.Sub(last) > g.cleanupTTL {
			delete(g.limiters, key)
			delete(g.lastAccess, key)
		}
	}
}

// Middleware rejects over-limit clients with 429 before the handler
// runs. Clients are keyed by IP.
func (g *EdgeGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(ClientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"kind":"RATE_LIMITED","message":"rate limit exceeded"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey derives the limiter key for a request: X-Real-IP when
// present, otherwise the connection's remote host.
func ClientKey(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}
