package supervisor

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hostsentry/agent/pkg/logger"
)

const (
	requestIDHeader = "X-Request-ID"
	rateLimitHeader = "X-RateLimit-Limit"
	rateLimitPerSec = 20
	rateLimitBurst  = 40
	cleanupInterval = 5 * time.Minute
)

// requestIDMiddleware assigns a per-request correlation id, reusing an
// inbound X-Request-ID header when present, and attaches it to the
// request context via pkg/logger so handlers can log it.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// clientLimiters is a per-remote-address token bucket set, grounded on the
// control surface's need to protect the local HTTP API from a runaway
// peer without tracking per-user identity (there is no concept of an
// authenticated client on this local surface).
type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newClientLimiters() *clientLimiters {
	return &clientLimiters{limiters: make(map[string]*rate.Limiter)}
}

func (c *clientLimiters) get(clientID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rateLimitPerSec), rateLimitBurst)
		c.limiters[clientID] = l
	}
	return l
}

func (c *clientLimiters) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for id, l := range c.limiters {
		if l.TokensAt(now) == float64(rateLimitBurst) {
			delete(c.limiters, id)
		}
	}
}

// rateLimitMiddleware caps requests per remote address, returning 429 once
// the bucket is exhausted.
func rateLimitMiddleware(next http.Handler) http.Handler {
	limiters := newClientLimiters()
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			limiters.cleanup()
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.RemoteAddr
		if !limiters.get(clientID).Allow() {
			w.Header().Set(rateLimitHeader, "20")
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
