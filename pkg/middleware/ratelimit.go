package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize lets the in-memory limiter absorb short spikes
	BurstSize int
}

// PerMinute returns a config allowing n requests a minute with a tenth of
// that as burst
func PerMinute(n int) *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: n,
		WindowDuration:    time.Minute,
		BurstSize:         n / 10,
	}
}

// RateLimitResult is the verdict for one request
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter decides whether the request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (RateLimitResult, error)
}

// RateLimiter is an in-memory token bucket limiter for single instances
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (rl *RateLimiter) capacity() float64 {
	return float64(rl.config.RequestsPerWindow + rl.config.BurstSize)
}

// Allow takes a token from key's bucket
func (rl *RateLimiter) Allow(ctx context.Context, key string) (RateLimitResult, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.capacity(), lastUpdate: now}
		rl.buckets[key] = b
	}

	rate := float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds()
	b.tokens = min(rl.capacity(), b.tokens+now.Sub(b.lastUpdate).Seconds()*rate)
	b.lastUpdate = now

	res := RateLimitResult{Limit: rl.config.RequestsPerWindow, ResetAfter: rl.config.WindowDuration}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	}
	res.Remaining = int(b.tokens)
	return res, nil
}

// Cleanup drops buckets idle for two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup every window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RedisRateLimiter counts requests in fixed windows shared by every
// instance
type RedisRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRedisRateLimiter creates a new Redis-backed rate limiter
func NewRedisRateLimiter(client *redis.Client, config *RateLimitConfig, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisRateLimiter{redis: client, config: config, prefix: prefix}
}

// Allow increments key's counter for the current window
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (RateLimitResult, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	res := RateLimitResult{Allowed: true, Limit: rl.config.RequestsPerWindow, Remaining: rl.config.RequestsPerWindow}

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return res, fmt.Errorf("redis error: %w", err)
	}

	// The first request of a window starts its clock
	ttl := pttl.Val()
	if ttl < 0 {
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return res, fmt.Errorf("redis error: %w", err)
		}
		ttl = rl.config.WindowDuration
	}

	count := int(incr.Val())
	res.Allowed = count <= rl.config.RequestsPerWindow
	res.Remaining = max(rl.config.RequestsPerWindow-count, 0)
	res.ResetAfter = ttl
	return res, nil
}

// RateLimitMiddleware limits authenticated users by user ID and anonymous
// clients by IP
type RateLimitMiddleware struct {
	userLimiter      Limiter
	anonymousLimiter Limiter
}

// NewRateLimitMiddleware creates the middleware. A nil limiter disables
// that class of limit.
func NewRateLimitMiddleware(user, anonymous Limiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{userLimiter: user, anonymousLimiter: anonymous}
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			key     string
			limiter Limiter
		)
		if authCtx := GetAuthContext(r); authCtx != nil && authCtx.User != nil {
			key = fmt.Sprintf("user:%d", authCtx.User.ID)
			limiter = m.userLimiter
		} else {
			key = "ip:" + getClientIP(r)
			limiter = m.anonymousLimiter
		}
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		res, err := limiter.Allow(r.Context(), key)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetAfter).Unix(), 10))

		if !res.Allowed {
			retryAfter := int(res.ResetAfter.Seconds() + 0.5)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"message":     "Too many requests.",
				"retry_after": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
