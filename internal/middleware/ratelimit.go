package middleware

// ratelimit.go throttles booking writes per authenticated customer. Each
// limited route has its own token bucket, so a burst of cancellations does
// not eat into a customer's reservation budget. Only routes that opt in via
// Limiter.For are limited; the processor webhook never does.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/supper-club-booking/internal/clock"
	"github.com/iliyamo/supper-club-booking/internal/config"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
)

// Limited routes.
const (
	LimitReserve = "reserve"
	LimitCancel  = "cancel"
)

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Bucket takes one token from the bucket stored under key.
type Bucket interface {
	Take(ctx context.Context, key string, rule config.RateRule, ttl time.Duration) (Decision, error)
}

// Limiter hands out per-route rate limiting middleware. A nil Limiter, or one
// built with limiting disabled, lets every request through.
type Limiter struct {
	bucket Bucket
	rules  map[string]config.RateRule
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// NewLimiter keeps buckets in Redis when rdb is set, so every instance
// shares a customer's budget, and in process otherwise.
func NewLimiter(cfg config.RateLimitConfig, rdb *redis.Client, log *slog.Logger) *Limiter {
	if !cfg.Enabled {
		return nil
	}
	var b Bucket
	if rdb != nil {
		b = NewRedisBucket(rdb)
	} else {
		log.Warn("rate limiting per process; buckets are not shared between instances")
		b = NewLocalBucket(clock.Real{})
	}
	return NewLimiterWithBucket(cfg, b, log)
}

// NewLimiterWithBucket builds a Limiter on an explicit bucket store.
func NewLimiterWithBucket(cfg config.RateLimitConfig, b Bucket, log *slog.Logger) *Limiter {
	return &Limiter{
		bucket: b,
		rules:  map[string]config.RateRule{LimitReserve: cfg.Reserve, LimitCancel: cfg.Cancel},
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
		log:    log,
	}
}

// For returns the middleware limiting route. It must run after JWTAuth: the
// bucket is keyed by the authenticated user, falling back to the client IP.
func (l *Limiter) For(route string) echo.MiddlewareFunc {
	rule, ok := config.RateRule{}, false
	if l != nil {
		rule, ok = l.rules[route]
	}
	if !ok {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := l.key(route, c)
			d, err := l.bucket.Take(c.Request().Context(), key, rule, l.ttl)
			if err != nil {
				l.log.Warn("rate limiter unavailable, letting request through",
					slog.String("route", route), sl.Err(err))
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(rule.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			if d.Allowed {
				return next(c)
			}

			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			h.Set("Retry-After", strconv.Itoa(secs))
			l.log.Info("rate limited", slog.String("route", route), slog.String("key", key))
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":       "too many requests",
				"retry_after": secs,
			})
		}
	}
}

func (l *Limiter) key(route string, c echo.Context) string {
	if uid := userKey(c); uid != "anon" {
		return fmt.Sprintf("%s:%s:user:%s", l.prefix, route, uid)
	}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	return fmt.Sprintf("%s:%s:ip:%s", l.prefix, route, ip)
}

// The refill runs inside Redis so concurrent requests on several instances
// see one consistent count.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now_ms
end

local steps = math.floor(math.max(0, now_ms - last) / interval_ms)
if steps > 0 then
  tokens = math.min(capacity, tokens + steps * refill)
  last = last + steps * interval_ms
end

local allowed = 0
local wait_ms = 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
else
  wait_ms = math.max(0, interval_ms - (now_ms - last))
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', last)
redis.call('EXPIRE', key, ttl)
return { allowed, tokens, wait_ms }
`)

// RedisBucket stores buckets as Redis hashes.
type RedisBucket struct {
	rdb redis.Scripter
	now func() time.Time
}

func NewRedisBucket(rdb redis.Scripter) *RedisBucket {
	return &RedisBucket{rdb: rdb, now: time.Now}
}

func (b *RedisBucket) Take(ctx context.Context, key string, rule config.RateRule, ttl time.Duration) (Decision, error) {
	const op = "middleware.RedisBucket.Take"

	vals, err := takeScript.Run(ctx, b.rdb, []string{key},
		b.now().UnixMilli(),
		rule.Capacity,
		rule.RefillTokens,
		rule.RefillInterval.Milliseconds(),
		int64(ttl/time.Second),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("%s: %w", op, errors.New("unexpected script result"))
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// LocalBucket keeps buckets in process memory. Idle buckets are dropped once
// their ttl passes.
type LocalBucket struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*localState
}

type localState struct {
	tokens  int64
	last    time.Time
	expires time.Time
}

func NewLocalBucket(c clock.Clock) *LocalBucket {
	return &LocalBucket{clock: c, buckets: map[string]*localState{}}
}

func (b *LocalBucket) Take(_ context.Context, key string, rule config.RateRule, ttl time.Duration) (Decision, error) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for k, s := range b.buckets {
		if now.After(s.expires) {
			delete(b.buckets, k)
		}
	}

	s, ok := b.buckets[key]
	if !ok {
		s = &localState{tokens: int64(rule.Capacity), last: now}
		b.buckets[key] = s
	}
	if steps := int64(now.Sub(s.last) / rule.RefillInterval); steps > 0 {
		s.tokens = min(int64(rule.Capacity), s.tokens+steps*int64(rule.RefillTokens))
		s.last = s.last.Add(time.Duration(steps) * rule.RefillInterval)
	}
	s.expires = now.Add(ttl)

	if s.tokens > 0 {
		s.tokens--
		return Decision{Allowed: true, Remaining: s.tokens}, nil
	}
	return Decision{RetryAfter: rule.RefillInterval - now.Sub(s.last)}, nil
}
