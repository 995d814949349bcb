package supervisor

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/agent/pkg/logger"
)

func TestRequestIDMiddleware_GeneratesWhenAbsent(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	requestIDMiddleware(next).ServeHTTP(rec, req)

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(requestIDHeader))
}

func TestRequestIDMiddleware_PreservesInboundHeader(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "fixed-id")
	rec := httptest.NewRecorder()
	requestIDMiddleware(next).ServeHTTP(rec, req)

	assert.Equal(t, "fixed-id", seen)
	assert.Equal(t, "fixed-id", rec.Header().Get(requestIDHeader))
}

func TestClientLimiters_AllowsBurstThenRejects(t *testing.T) {
	limiters := newClientLimiters()
	l := limiters.get("1.2.3.4:5")
	allowed := 0
	for i := 0; i < rateLimitBurst+5; i++ {
		if l.Allow() {
			allowed++
		}
	}
	assert.Equal(t, rateLimitBurst, allowed)
}

func TestClientLimiters_CleanupEvictsFullBuckets(t *testing.T) {
	limiters := newClientLimiters()
	limiters.get("1.2.3.4:5")
	limiters.cleanup()
	limiters.mu.Lock()
	_, exists := limiters.limiters["1.2.3.4:5"]
	limiters.mu.Unlock()
	assert.False(t, exists, "a freshly-created, still-full bucket should be evicted by cleanup")
}

func TestRateLimitMiddleware_RejectsPastBurst(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := rateLimitMiddleware(next)

	var last *httptest.ResponseRecorder
	for i := 0; i < rateLimitBurst+1; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "9.9.9.9:1111"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec
	}
	require.NotNil(t, last)
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestRateLimitMiddleware_DistinctClientsHaveSeparateBudgets(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := rateLimitMiddleware(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:1"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.RemoteAddr = "10.0.0.2:1"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestCleanupInterval_IsPositive(t *testing.T) {
	assert.Greater(t, cleanupInterval, time.Duration(0))
}
