package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kantong-id/kantong/pkg/auth"
)

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second, BurstSize: 2}
	limiter := NewRateLimiter(config)
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	allowed := 0
	for i := 0; i < 20; i++ {
		res, err := limiter.Allow(context.Background(), "user:1")
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 12, allowed)

	now = now.Add(500 * time.Millisecond)
	res, err := limiter.Allow(context.Background(), "user:1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)

	res, _ = limiter.Allow(context.Background(), "user:2")
	assert.True(t, res.Allowed)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second})
	now := time.Now()
	limiter.now = func() time.Time { return now }

	_, _ = limiter.Allow(context.Background(), "ip:1.2.3.4")
	now = now.Add(3 * time.Second)
	limiter.Cleanup()

	assert.Empty(t, limiter.buckets)
}

func newRedisLimiter(t *testing.T, n int) (*RedisRateLimiter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimiter(client, &RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute}, ""), mr
}

func TestRedisRateLimiter_Allow(t *testing.T) {
	limiter, mr := newRedisLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "user:1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := limiter.Allow(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:user:1"))

	mr.FastForward(time.Minute)
	res, err = limiter.Allow(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisRateLimiter_Unavailable(t *testing.T) {
	limiter, mr := newRedisLimiter(t, 3)
	mr.Close()

	_, err := limiter.Allow(context.Background(), "user:1")
	assert.Error(t, err)
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string) (RateLimitResult, error) {
	return RateLimitResult{}, errors.New("redis down")
}

func TestRateLimitMiddleware_Handler(t *testing.T) {
	userLimiter, _ := newRedisLimiter(t, 2)
	anonLimiter, _ := newRedisLimiter(t, 1)
	handler := NewRateLimitMiddleware(userLimiter, anonLimiter).Handler(okHandler)

	anon := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, anon().Code)
	rec := anon()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "Too many requests.", decodeBody(t, rec)["message"])

	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, withAuth(httptest.NewRequest(http.MethodGet, "/", nil), &auth.AuthContext{User: verifiedUser(5)}))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	handler := NewRateLimitMiddleware(nil, failingLimiter{}).Handler(okHandler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withAuth(httptest.NewRequest(http.MethodGet, "/", nil), &auth.AuthContext{User: verifiedUser(5)}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:5555"
	assert.Equal(t, "198.51.100.4", getClientIP(req))

	req.Header.Set("X-Real-IP", "192.0.2.1")
	assert.Equal(t, "192.0.2.1", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", getClientIP(req))
}
