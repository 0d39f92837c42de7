package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
)

// releaseScript deletes the lock only when it still carries our token, so a
// holder whose lease expired cannot free somebody else's lock.
var releaseScript = redis.NewScript(`
    if redis.call('GET', KEYS[1]) == ARGV[1] then
        return redis.call('DEL', KEYS[1])
    end
    return 0
`)

// Redis is a lease-based lock shared by every server process. A lock is a
// key set with NX and a TTL; waiters poll until it is free or ctx ends.
type Redis struct {
	rdb    *redis.Client
	log    *slog.Logger
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedis(rdb *redis.Client, log *slog.Logger, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{rdb: rdb, log: log, prefix: "lock", ttl: ttl, poll: 25 * time.Millisecond}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	const op = "lock.Redis.Acquire"

	full := r.prefix + ":" + key
	token := uuid.NewString()
	wait := r.poll
	for {
		ok, err := r.rdb.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if wait < 250*time.Millisecond {
			wait *= 2
		}
	}

	return func() {
		// The caller's context may already be cancelled at release time.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.rdb, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.log.Warn("failed to release lock", slog.String("key", full), sl.Err(err))
		}
	}, nil
}
