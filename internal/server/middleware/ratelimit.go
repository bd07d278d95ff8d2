package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// RateLimit returns middleware that applies a per-client fixed-window
// rate limit backed directly by the cache facade (Incr + Expire), rather
// than a dedicated limiter capability: a read-only API of GET routes
// doesn't warrant its own domain interface for this.
func RateLimit(cache domain.Cache, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := fmt.Sprintf("ratelimit:api:%s:%d", extractClientIP(r), time.Now().Unix()/int64(window.Seconds()))

			count, err := cache.Incr(ctx, key)
			if err != nil {
				// Fail open: a limiter outage must never block legitimate
				// traffic.
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				_ = cache.Expire(ctx, key, window)
			}

			if count > int64(limit) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractClientIP attempts to determine the real client IP from standard
// proxy headers, falling back to the direct remote address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
