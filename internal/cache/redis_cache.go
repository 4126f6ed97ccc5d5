package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sentKeyPrefix = "msg:sent:"

type RedisCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) StoreSent(ctx context.Context, remoteMessageID string, r SentReceipt) error {
	if remoteMessageID == "" {
		return errors.New("remote message id is required")
	}
	r.SentAt = r.SentAt.UTC()

	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sentKeyPrefix+remoteMessageID, b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, remoteMessageID string) (SentReceipt, bool, error) {
	var r SentReceipt

	raw, err := c.rdb.Get(ctx, sentKeyPrefix+remoteMessageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, false, fmt.Errorf("decode sent receipt: %w", err)
	}
	return r, true, nil
}
