package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redisdriver "github.com/monitorbot/monitorbot/internal/cache/redis"
	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) domain.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisdriver.NewCache(redisdriver.NewClientFromDriver(rdb))
}

func TestRateLimitAllowsUnderLimit(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t)
	handler := RateLimit(cache, 3, time.Minute)(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
		req.RemoteAddr = "1.2.3.4:9999"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimitBlocksOverLimit(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t)
	handler := RateLimit(cache, 2, time.Minute)(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
		req.RemoteAddr = "5.6.7.8:1111"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.RemoteAddr = "5.6.7.8:1111"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestRateLimitTracksClientsSeparately(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t)
	handler := RateLimit(cache, 1, time.Minute)(okHandler())

	req1 := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req1.RemoteAddr = "9.9.9.9:1"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req2.RemoteAddr = "8.8.8.8:1"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec1.Code != http.StatusOK || rec2.Code != http.StatusOK {
		t.Fatalf("expected both distinct clients to pass: %d, %d", rec1.Code, rec2.Code)
	}
}

func TestExtractClientIPPrefersForwardedFor(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	req.RemoteAddr = "127.0.0.1:5000"

	if ip := extractClientIP(req); ip != "10.0.0.1" {
		t.Fatalf("ip = %q, want 10.0.0.1", ip)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
