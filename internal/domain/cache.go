package domain

import (
	"context"
	"time"
)

// Cache is the typed facade over the key/value capability the pipeline
// needs: get/set/setex/del, integer incr, set membership, list ops, and
// hash ops. Every call returns ok-or-absent; implementations never turn
// a miss into an error, and callers must tolerate absence — the cache is
// an optional, degradable capability, never a source of truth.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	LPush(ctx context.Context, key string, value string) error
	LPopHead(ctx context.Context, key string) (string, bool, error)
	LPopTail(ctx context.Context, key string) (string, bool, error)
	LIndex(ctx context.Context, key string, index int64) (string, bool, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HExpire(ctx context.Context, key string, ttl time.Duration, fields ...string) error

	// ZAdd/ZRangeByScore/ZRemRangeByScore/ZCard back the rolling-window
	// store: score is the event-time millisecond timestamp.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRevRangeByScore(ctx context.Context, key string, max, min float64, count int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)
}

// MarketSource is the narrow capability the ingestion engine needs from
// the sync engine — looking up (and, on a cold miss, lazily fetching) a
// market by id — without importing the sync package outright. Injecting
// this interface breaks the ingestion<->sync cyclic dependency the
// source exhibits.
type MarketSource interface {
	EnsureMarket(ctx context.Context, id string) (Market, error)
}

// Broadcaster is a pub/sub fan-out capability. The broadcast notification
// channel publishes formatted alerts on it; the WebSocket hub subscribes
// and relays to connected clients.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
