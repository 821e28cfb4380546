// Package ratelimit implements a Redis-backed fixed-window request limiter for
// internal/httpapi's operator command surface (route requests, aspect changes, point moves):
// a flood of those from one caller must not be able to starve the Store Gateway the way an
// unbounded polling fallback could.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/trackguard/interlocking/infrastructure/httputil"
)

// Limiter enforces limit requests per window, per source IP, using a Redis INCR+EXPIRE
// fixed-window counter: the first request in a window sets the key's TTL, every request after
// it only increments, and the window rolls forward exactly TTL seconds after that first hit.
type Limiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// New builds a Limiter bound to client, allowing limit requests per window per source IP.
func New(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, limit: int64(limit), window: window}
}

// Middleware returns an http middleware enforcing the limiter, rejecting over-limit requests
// with 429 and a Retry-After header.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ratelimit:" + sourceIP(r)

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		count, err := l.client.Incr(ctx, key).Result()
		if err != nil {
			// The store being unreachable must not itself block operator commands; fail open.
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			l.client.Expire(ctx, key, l.window)
		}

		if count > l.limit {
			ttl, _ := l.client.TTL(ctx, key).Result()
			if ttl <= 0 {
				ttl = l.window
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
			httputil.TooManyRequests(w, fmt.Sprintf("rate limit of %d requests per %s exceeded", l.limit, l.window))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func sourceIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
