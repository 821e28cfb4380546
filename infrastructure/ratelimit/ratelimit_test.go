package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, limit, window), srv
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimiter_AllowsWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 5, time.Minute)
	handler := l.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/routes", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should be allowed", i+1)
	}
}

func TestLimiter_RejectsOverLimitWithRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute)
	handler := l.Middleware(okHandler())

	source := "10.0.0.2:1234"
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/routes", nil)
		req.RemoteAddr = source
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/routes", nil)
	req.RemoteAddr = source
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestLimiter_TracksPerSourceIPIndependently(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	handler := l.Middleware(okHandler())

	rec1 := httptest.NewRecorder()
	req1 := httptest.NewRequest("POST", "/routes", nil)
	req1.RemoteAddr = "10.0.0.3:1111"
	handler.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/routes", nil)
	req2.RemoteAddr = "10.0.0.4:2222"
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code, "a different source IP must not share the first IP's budget")
}

func TestLimiter_ResetsAfterWindowExpires(t *testing.T) {
	l, srv := newTestLimiter(t, 1, time.Second)
	handler := l.Middleware(okHandler())

	source := "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/routes", nil)
	req.RemoteAddr = source
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/routes", nil)
	req.RemoteAddr = source
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	srv.FastForward(2 * time.Second)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/routes", nil)
	req.RemoteAddr = source
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "request should succeed after the window resets")
}
