package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/supper-club-booking/internal/config"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
)

// cacheStore is the part of the Redis client the availability cache uses.
type cacheStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// AvailabilityCache keeps the JSON availability snapshot of each event in
// Redis under one key per event, so a counter change drops exactly one
// entry. A nil AvailabilityCache caches nothing.
type AvailabilityCache struct {
	store   cacheStore
	ttl     time.Duration
	prefix  string
	maxBody int
	log     *slog.Logger
}

func NewAvailabilityCache(cfg config.CacheConfig, rdb *redis.Client, log *slog.Logger) *AvailabilityCache {
	if !cfg.Enabled || rdb == nil {
		return nil
	}
	return &AvailabilityCache{store: rdb, ttl: cfg.TTL, prefix: cfg.Prefix, maxBody: cfg.MaxBodyBytes, log: log}
}

func (a *AvailabilityCache) key(eventID string) string {
	return a.prefix + ":availability:" + eventID
}

// Invalidate drops the cached snapshot of eventID.
func (a *AvailabilityCache) Invalidate(ctx context.Context, eventID uint64) error {
	const op = "middleware.AvailabilityCache.Invalidate"
	if a == nil {
		return nil
	}
	if err := a.store.Del(ctx, a.key(strconv.FormatUint(eventID, 10))).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Middleware serves GET /v1/events/:id/availability from the cache and fills
// it on a miss. Only 200 responses are stored. Redis errors fall through to
// the handler.
func (a *AvailabilityCache) Middleware() echo.MiddlewareFunc {
	if a == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Param("id")
			if c.Request().Method != http.MethodGet || id == "" {
				return next(c)
			}
			ctx := c.Request().Context()
			key := a.key(id)

			body, err := a.store.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				c.Response().Header().Set("X-Cache", "HIT")
				return c.JSONBlob(http.StatusOK, body)
			case !errors.Is(err, redis.Nil):
				a.log.Warn("availability cache read failed", slog.String("key", key), sl.Err(err))
			}

			cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: a.maxBody}
			c.Response().Writer = cw
			c.Response().Header().Set("X-Cache", "MISS")
			if err := next(c); err != nil {
				return err
			}
			if cw.status != http.StatusOK || cw.overflow {
				return nil
			}
			// The request context may already be done once the response is written.
			if err := a.store.Set(context.WithoutCancel(ctx), key, cw.buf.Bytes(), a.ttl).Err(); err != nil {
				a.log.Warn("availability cache write failed", slog.String("key", key), sl.Err(err))
			}
			return nil
		}
	}
}

// captureWriter copies up to limit bytes of the response body while
// forwarding it to the client.
type captureWriter struct {
	http.ResponseWriter
	status   int
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.overflow {
		if cw.limit > 0 && cw.buf.Len()+len(b) > cw.limit {
			cw.overflow = true
			cw.buf.Reset()
		} else {
			cw.buf.Write(b)
		}
	}
	return cw.ResponseWriter.Write(b)
}
