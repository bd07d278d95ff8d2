package rolling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redisdriver "github.com/monitorbot/monitorbot/internal/cache/redis"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := redisdriver.NewClientFromDriver(rdb)
	cache := redisdriver.NewCache(client)

	return New(cache), func() {
		rdb.Close()
		mr.Close()
	}
}

type tradePayload struct {
	Price    float64 `json:"price"`
	SizeUSDC float64 `json:"sizeUSDC"`
}

func TestStoreAddEvictsByAge(t *testing.T) {
	t.Parallel()
	store, cleanup := newTestStore(t)
	defer cleanup()

	base := time.Now()
	ctx := context.Background()

	if err := store.Add(ctx, "trades:t1", base.Add(-2*time.Hour), tradePayload{Price: 0.4}, time.Hour, 100); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if err := store.Add(ctx, "trades:t1", base, tradePayload{Price: 0.5}, time.Hour, 100); err != nil {
		t.Fatalf("add new: %v", err)
	}

	points, err := store.Latest(ctx, "trades:t1", 10)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 surviving point after age eviction, got %d", len(points))
	}
}

func TestStoreAddEvictsByCount(t *testing.T) {
	t.Parallel()
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		if err := store.Add(ctx, "trades:t2", ts, tradePayload{Price: float64(i)}, time.Hour, 3); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	count, err := store.Count(ctx, "trades:t2")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count capped at 3, got %d", count)
	}

	points, err := store.Latest(ctx, "trades:t2", 10)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	var got tradePayload
	if err := json.Unmarshal(points[0].Payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Price != 4 {
		t.Errorf("newest point price = %v, want 4", got.Price)
	}
}

func TestStoreRangeByTimeInclusive(t *testing.T) {
	t.Parallel()
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		if err := store.Add(ctx, "k", ts, tradePayload{Price: float64(i)}, time.Hour, 100); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	points, err := store.RangeByTime(ctx, "k", base, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("rangeByTime: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected all 3 points within inclusive range, got %d", len(points))
	}
}
