package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache implements domain.Cache directly over go-redis/v9. It is the
// single typed facade every component in the monitoring pipeline talks
// to; every method returns ok-or-absent rather than surfacing redis.Nil,
// so callers never special-case a cache miss against a cache error.
type Cache struct {
	rdb *redis.Client
}

// NewCache creates a Cache backed by the given Client.
func NewCache(c *Client) *Cache {
	return &Cache{rdb: c.Underlying()}
}

func ok(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, err
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	present, err := ok(err)
	if err != nil {
		return "", false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, present, nil
}

func (c *Cache) Set(ctx context.Context, key, value string) error {
	if err := c.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: setex %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: del %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: incr %s: %w", key, err)
	}
	return n, nil
}

func (c *Cache) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	if err := c.rdb.SAdd(ctx, key, vals...).Err(); err != nil {
		return fmt.Errorf("redis: sadd %s: %w", key, err)
	}
	return nil
}

func (c *Cache) SIsMember(ctx context.Context, key, member string) (bool, error) {
	v, err := c.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis: sismember %s: %w", key, err)
	}
	return v, nil
}

func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: smembers %s: %w", key, err)
	}
	return v, nil
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis: expire %s: %w", key, err)
	}
	return nil
}

func (c *Cache) LPush(ctx context.Context, key string, value string) error {
	if err := c.rdb.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis: lpush %s: %w", key, err)
	}
	return nil
}

func (c *Cache) LPopHead(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.LPop(ctx, key).Result()
	present, err := ok(err)
	if err != nil {
		return "", false, fmt.Errorf("redis: lpop %s: %w", key, err)
	}
	return v, present, nil
}

func (c *Cache) LPopTail(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.RPop(ctx, key).Result()
	present, err := ok(err)
	if err != nil {
		return "", false, fmt.Errorf("redis: rpop %s: %w", key, err)
	}
	return v, present, nil
}

func (c *Cache) LIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	v, err := c.rdb.LIndex(ctx, key, index).Result()
	present, err := ok(err)
	if err != nil {
		return "", false, fmt.Errorf("redis: lindex %s: %w", key, err)
	}
	return v, present, nil
}

func (c *Cache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lrange %s: %w", key, err)
	}
	return v, nil
}

func (c *Cache) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: llen %s: %w", key, err)
	}
	return n, nil
}

func (c *Cache) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis: hset %s: %w", key, err)
	}
	return nil
}

func (c *Cache) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	present, err := ok(err)
	if err != nil {
		return "", false, fmt.Errorf("redis: hget %s: %w", key, err)
	}
	return v, present, nil
}

func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: hgetall %s: %w", key, err)
	}
	return v, nil
}

// HExpire sets a TTL on the whole hash key. go-redis/v9 exposes per-field
// HEXPIRE (Redis 7.4+) but the broader-compatibility path used here is a
// key-level EXPIRE, which is what every hash usage in this service needs.
func (c *Cache) HExpire(ctx context.Context, key string, ttl time.Duration, fields ...string) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis: hexpire %s: %w", key, err)
	}
	return nil
}

func (c *Cache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis: zadd %s: %w", key, err)
	}
	return nil
}

func (c *Cache) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	v, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: zrangebyscore %s: %w", key, err)
	}
	return v, nil
}

func (c *Cache) ZRevRangeByScore(ctx context.Context, key string, max, min float64, count int64) ([]string, error) {
	v, err := c.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    formatScore(min),
		Max:    formatScore(max),
		Count:  count,
		Offset: 0,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: zrevrangebyscore %s: %w", key, err)
	}
	return v, nil
}

func (c *Cache) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if err := c.rdb.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err(); err != nil {
		return fmt.Errorf("redis: zremrangebyscore %s: %w", key, err)
	}
	return nil
}

func (c *Cache) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: zcard %s: %w", key, err)
	}
	return n, nil
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}

var _ domain.Cache = (*Cache)(nil)
