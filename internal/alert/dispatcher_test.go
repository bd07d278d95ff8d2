package alert

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redisdriver "github.com/monitorbot/monitorbot/internal/cache/redis"
	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (domain.Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := redisdriver.NewClientFromDriver(rdb)
	return redisdriver.NewCache(client), func() {
		rdb.Close()
		mr.Close()
	}
}

type fakeChannel struct {
	name    string
	enabled bool

	mu      sync.Mutex
	sent    []domain.FormattedAlert
	sendRes bool
}

func (f *fakeChannel) Name() string    { return f.name }
func (f *fakeChannel) Enabled() bool   { return f.enabled }
func (f *fakeChannel) Send(ctx context.Context, a domain.FormattedAlert) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	return f.sendRes
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatcherDeliversFreshAlert(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	queue := NewQueue(cache)
	throttle := New(cache, ThrottleConfig{CriticalBypass: true})
	ch := &fakeChannel{name: "test", enabled: true, sendRes: true}

	d := NewDispatcher(DispatcherConfig{
		Cache:           cache,
		Throttle:        throttle,
		Channels:        []domain.NotifyChannel{ch},
		Logger:          discardLogger(),
		ProcessInterval: 10 * time.Millisecond,
		CleanupInterval: time.Hour,
	})

	if err := queue.Push(ctx, domain.Alert{
		Type:      domain.AlertTypeWhaleTrade,
		Severity:  domain.SeverityMedium,
		MarketID:  "m1",
		Timestamp: time.Now(),
		WhaleTrade: &domain.WhaleTradeData{TradeSize: 12000, Price: 0.4, Side: "BUY"},
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	d.Start(ctx)
	defer d.Stop()

	waitFor(t, time.Second, func() bool { return ch.count() == 1 })
}

func TestDispatcherSkipsStaleAlert(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	queue := NewQueue(cache)
	throttle := New(cache, ThrottleConfig{CriticalBypass: true})
	ch := &fakeChannel{name: "test", enabled: true, sendRes: true}

	d := NewDispatcher(DispatcherConfig{
		Cache:           cache,
		Throttle:        throttle,
		Channels:        []domain.NotifyChannel{ch},
		Logger:          discardLogger(),
		ProcessInterval: 10 * time.Millisecond,
		CleanupInterval: time.Hour,
	})

	if err := queue.Push(ctx, domain.Alert{
		Type:      domain.AlertTypeWhaleTrade,
		Severity:  domain.SeverityMedium,
		MarketID:  "m1",
		Timestamp: time.Now().Add(-11 * time.Minute),
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	d.Start(ctx)
	defer d.Stop()

	time.Sleep(100 * time.Millisecond)
	if ch.count() != 0 {
		t.Fatalf("expected no delivery for stale alert, got %d", ch.count())
	}
}

func TestDispatcherThrottlesSecondAlertOfSameType(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	queue := NewQueue(cache)
	throttle := New(cache, ThrottleConfig{CriticalBypass: true})
	ch := &fakeChannel{name: "test", enabled: true, sendRes: true}

	d := NewDispatcher(DispatcherConfig{
		Cache:           cache,
		Throttle:        throttle,
		Channels:        []domain.NotifyChannel{ch},
		Logger:          discardLogger(),
		ProcessInterval: 10 * time.Millisecond,
		CleanupInterval: time.Hour,
	})

	alert := domain.Alert{
		Type:       domain.AlertTypeWhaleTrade,
		Severity:   domain.SeverityMedium,
		MarketID:   "m1",
		Timestamp:  time.Now(),
		WhaleTrade: &domain.WhaleTradeData{TradeSize: 12000, Price: 0.4, Side: "BUY"},
	}
	if err := queue.Push(ctx, alert); err != nil {
		t.Fatalf("push 1: %v", err)
	}

	d.Start(ctx)
	defer d.Stop()

	waitFor(t, time.Second, func() bool { return ch.count() == 1 })

	alert.Timestamp = time.Now()
	if err := queue.Push(ctx, alert); err != nil {
		t.Fatalf("push 2: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if ch.count() != 1 {
		t.Fatalf("expected second alert throttled, delivery count = %d", ch.count())
	}
}

func TestDispatcherStartIsIdempotent(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	throttle := New(cache, ThrottleConfig{CriticalBypass: true})
	d := NewDispatcher(DispatcherConfig{
		Cache:           cache,
		Throttle:        throttle,
		Logger:          discardLogger(),
		ProcessInterval: 10 * time.Millisecond,
		CleanupInterval: time.Hour,
	})

	d.Start(ctx)
	d.Start(ctx)
	defer d.Stop()

	if d.State() == "stopped" {
		t.Fatal("expected dispatcher running after Start")
	}
}

func TestDispatcherStopTransitionsToStopped(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	throttle := New(cache, ThrottleConfig{CriticalBypass: true})
	d := NewDispatcher(DispatcherConfig{
		Cache:           cache,
		Throttle:        throttle,
		Logger:          discardLogger(),
		ProcessInterval: 10 * time.Millisecond,
		CleanupInterval: time.Hour,
	})

	d.Start(ctx)
	d.Stop()

	if d.State() != "stopped" {
		t.Fatalf("state = %s, want stopped", d.State())
	}
}
