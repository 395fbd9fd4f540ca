package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/connexus/finchat/internal/cacheclient"
)

// RateLimiterConfig holds configuration for a per-user counter window.
type RateLimiterConfig struct {
	// MaxRequests is the maximum number of requests allowed within Window.
	MaxRequests int
	// Window is the counter window duration (e.g. 1 minute).
	Window time.Duration
	// KeyPrefix namespaces this limiter's counters in the shared cache (e.g.
	// "rl:chat", "rl:forge") so independently configured limiters don't share
	// a counter for the same user.
	KeyPrefix string
}

// RateLimiter enforces a per-user fixed-window counter backed by the Cache
// Client's atomic Incr, rather than an in-process map — the counter is then
// valid across every server replica, not just the one that saw the request.
type RateLimiter struct {
	cache  cacheclient.Cache
	config RateLimiterConfig
}

// NewRateLimiter builds a RateLimiter over the given Cache Client.
func NewRateLimiter(cache cacheclient.Cache, config RateLimiterConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{cache: cache, config: config}
}

// Allow checks whether key (a user id) is within the rate limit, atomically
// incrementing its window counter as a side effect. Returns (allowed,
// retryAfterSeconds). A Cache Client timeout fails open, per the Cache
// Client's own contract.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int) {
	windowSecs := int64(rl.config.Window.Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}
	now := time.Now().Unix()
	windowStart := now - now%windowSecs
	counterKey := rl.config.KeyPrefix + ":" + cacheclient.RateLimitKey(key, windowStart)

	n, ok := rl.cache.Incr(ctx, counterKey)
	if !ok {
		return true, 0
	}
	if n == 1 {
		rl.cache.Expire(ctx, counterKey, rl.config.Window)
	}
	if n > int64(rl.config.MaxRequests) {
		retryAfter := int(windowStart+windowSecs-now) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}
	return true, 0
}

// RateLimit returns Chi middleware that enforces per-user rate limiting. It
// requires that auth middleware has already set the user ID in context.
// If no user ID is found, the client's remote address is used as fallback.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserIDFromContext(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}

			allowed, retryAfter := rl.Allow(r.Context(), key)
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error":   "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
