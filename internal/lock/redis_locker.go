package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker keeps leases as keys with a PX expiry, so Redis reaps them.
type RedisLocker struct {
	rdb  redis.Cmdable
	opts Options
}

func NewRedisLocker(rdb redis.Cmdable, opts Options) *RedisLocker {
	return &RedisLocker{rdb: rdb, opts: opts.withDefaults()}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease := &Lease{Key: key, Token: newToken()}

	err := retry(ctx, l.opts, func() (bool, error) {
		lease.ExpiresAt = time.Now().UTC().Add(ttl)
		return l.rdb.SetNX(ctx, key, lease.Token, ttl).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return lease, nil
}

func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, l.rdb, []string{lease.Key}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", lease.Key, err)
	}
	if n == 0 {
		slog.Debug("lock already released or taken over", "key", lease.Key)
	}
	return nil
}
