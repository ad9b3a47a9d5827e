package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still holds our token, so a
// lease that expired and was re-acquired elsewhere is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared across processes via SET NX PX.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisLocker creates a locker whose leases expire after ttl.
func NewRedisLocker(rdb redis.UniversalClient, prefix string, ttl time.Duration, logger zerolog.Logger) (*RedisLocker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be > 0, got %s", ttl)
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}, nil
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func (l *RedisLocker) key(k string) string {
	return l.prefix + k
}

// Acquire polls SET NX until it wins the key or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	full := l.key(key)

	for attempt := 0; ; attempt++ {
		ok, err := l.rdb.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire %s: %w", full, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-time.After(retryDelay(attempt)):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release must run even if the caller's context was cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		n, err := releaseScript.Run(rctx, l.rdb, []string{full}, token).Int()
		if err != nil {
			l.logger.Error().Err(err).Str("key", full).Msg("failed to release lock")
			return
		}
		if n == 0 {
			l.logger.Warn().Str("key", full).Dur("ttl", l.ttl).Msg("lock expired before release")
		}
	}, nil
}
