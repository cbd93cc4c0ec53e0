package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/labcv/labcv/internal/errors"
	"github.com/labcv/labcv/internal/logging"
)

// Limiter decides whether one more request for key fits the budget. When it
// does not, retryAfter tells the caller how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimiter keeps one token bucket per key in process memory.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ Limiter = (*RateLimiter)(nil)

// NewRateLimiter allows events per interval with the given burst, e.g.
// NewRateLimiter(10, time.Second, 20) or NewRateLimiter(20, time.Minute, 5).
func NewRateLimiter(events int, per time.Duration, burst int) *RateLimiter {
	if events <= 0 {
		events = 1
	}
	if per <= 0 {
		per = time.Second
	}
	if burst <= 0 {
		burst = events
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(float64(events) / per.Seconds()),
		burst:    burst,
		now:      time.Now,
	}
}

// getLimiter returns the rate limiter for the given key (user ID or IP)
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = rl.now()
	return entry.limiter
}

func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	limiter := rl.getLimiter(key)
	now := rl.now()
	res := limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second, nil
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0, nil
	}
	res.CancelAt(now)
	return false, delay, nil
}

// Cleanup drops limiters idle for longer than idle and returns how many were
// removed.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked keys.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// RedisRateLimiter is a fixed-window limiter shared by every API instance.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

var _ Limiter = (*RedisRateLimiter)(nil)

// NewRedisRateLimiter allows limit requests per window and key.
func NewRedisRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	if prefix == "" {
		prefix = "labcv:ratelimit"
	}
	if window <= 0 {
		window = time.Second
	}
	if limit <= 0 {
		limit = 1
	}
	return &RedisRateLimiter{client: client, prefix: prefix, limit: int64(limit), window: window}
}

// Budget reports the requests allowed per window.
func (l *RedisRateLimiter) Budget() (int, time.Duration) {
	return int(l.limit), l.window
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	bucket := time.Now().UnixNano() / int64(rl.window)
	redisKey := rl.prefix + ":" + key + ":" + strconv.FormatInt(bucket, 10)

	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, redisKey, rl.window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire: %w", err)
		}
	}
	if count <= rl.limit {
		return true, 0, nil
	}

	ttl, err := rl.client.PTTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		ttl = rl.window
	}
	return false, ttl, nil
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// UserOrIP charges authenticated users by id and anonymous callers by address.
func UserOrIP(r *http.Request) string {
	if userID := GetUserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop or the remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit rejects requests over the limiter's budget with 429. Limiter
// failures are logged and the request is let through.
func RateLimit(name string, limiter Limiter, key KeyFunc, logger *logging.Logger) func(http.Handler) http.Handler {
	if key == nil {
		key = UserOrIP
	}
	if logger == nil {
		logger = logging.NewDefault("ratelimit")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := name + ":" + key(r)
			allowed, retryAfter, err := limiter.Allow(r.Context(), k)
			if err != nil {
				logger.WithContext(r.Context()).WithError(err).Warn("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
					"key":    k,
					"path":   r.URL.Path,
					"method": r.Method,
				})
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				respondServiceError(w, r, errors.RateLimitExceeded(name, seconds))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
