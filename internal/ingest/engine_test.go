package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/monitorbot/monitorbot/internal/alert"
	"github.com/monitorbot/monitorbot/internal/anomaly"
	redisdriver "github.com/monitorbot/monitorbot/internal/cache/redis"
	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/rolling"
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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeOutcomeStore struct {
	mu      sync.Mutex
	byToken map[string]domain.Outcome
}

func newFakeOutcomeStore() *fakeOutcomeStore {
	return &fakeOutcomeStore{byToken: make(map[string]domain.Outcome)}
}

func (s *fakeOutcomeStore) put(o domain.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byToken[o.TokenID] = o
}

func (s *fakeOutcomeStore) Upsert(ctx context.Context, o domain.Outcome) error {
	s.put(o)
	return nil
}

func (s *fakeOutcomeStore) GetByID(ctx context.Context, id string) (domain.Outcome, error) {
	return domain.Outcome{}, domain.ErrNotFound
}

func (s *fakeOutcomeStore) GetByTokenID(ctx context.Context, tokenID string) (domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byToken[tokenID]
	if !ok {
		return domain.Outcome{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *fakeOutcomeStore) GetByMarketAndName(ctx context.Context, marketID, name string) (domain.Outcome, error) {
	return domain.Outcome{}, domain.ErrNotFound
}

func (s *fakeOutcomeStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Outcome, error) {
	return nil, nil
}

type fakePriceHistoryStore struct {
	mu     sync.Mutex
	rows   []domain.PriceHistory
	cutoff time.Time
}

func (s *fakePriceHistoryStore) Insert(ctx context.Context, row domain.PriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

func (s *fakePriceHistoryStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PriceHistory, error) {
	return nil, nil
}

func (s *fakePriceHistoryStore) ListByOutcome(ctx context.Context, outcomeID string, opts domain.ListOpts) ([]domain.PriceHistory, error) {
	return nil, nil
}

func (s *fakePriceHistoryStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoff = before
	return int64(len(s.rows)), nil
}

func (s *fakePriceHistoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	channel string
	payload []byte
	calls   int
}

func (b *fakeBroadcaster) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel = channel
	b.payload = payload
	b.calls++
	return nil
}

func (b *fakeBroadcaster) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeArchiver struct {
	called bool
	before time.Time
}

func (a *fakeArchiver) ArchivePriceHistory(ctx context.Context, before time.Time) (int64, error) {
	a.called = true
	a.before = before
	return 5, nil
}

func newTestEngine(cache domain.Cache, outcomes domain.OutcomeStore, priceHistory domain.PriceHistoryStore, broadcaster domain.Broadcaster, clock func() time.Time) *Engine {
	rollingStore := rolling.New(cache).WithClock(clock)
	detector := anomaly.New(cache, rollingStore).WithClock(clock)
	queue := alert.NewQueue(cache)
	return NewEngine(EngineConfig{
		Cache:        cache,
		Rolling:      rollingStore,
		Detector:     detector,
		PriceHistory: priceHistory,
		Outcomes:     outcomes,
		Queue:        queue,
		Broadcaster:  broadcaster,
		Logger:       discardLogger(),
	}).WithClock(clock)
}

func TestHandlePriceEventDropsOutOfRangePrice(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()

	outcomes := newFakeOutcomeStore()
	priceHistory := &fakePriceHistoryStore{}
	broadcaster := &fakeBroadcaster{}
	e := newTestEngine(cache, outcomes, priceHistory, broadcaster, time.Now)

	err := e.HandlePriceEvent(context.Background(), domain.PriceEvent{AssetID: "t1", Bid: 1.5, Ask: 1.6})
	if err != nil {
		t.Fatalf("HandlePriceEvent: %v", err)
	}
	if priceHistory.count() != 0 {
		t.Fatalf("expected no persistence for out-of-range price, got %d rows", priceHistory.count())
	}
	if broadcaster.count() != 0 {
		t.Fatalf("expected no broadcast for out-of-range price, got %d", broadcaster.count())
	}
}

func TestHandlePriceEventDropsOnMissingOutcome(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()

	outcomes := newFakeOutcomeStore()
	priceHistory := &fakePriceHistoryStore{}
	broadcaster := &fakeBroadcaster{}
	e := newTestEngine(cache, outcomes, priceHistory, broadcaster, time.Now)

	err := e.HandlePriceEvent(context.Background(), domain.PriceEvent{AssetID: "unknown", Bid: 0.4, Ask: 0.42})
	if err != nil {
		t.Fatalf("HandlePriceEvent: %v", err)
	}
	if priceHistory.count() != 0 {
		t.Fatalf("expected no persistence for unresolved outcome, got %d rows", priceHistory.count())
	}
}

func TestHandlePriceEventPersistsAndBroadcasts(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	outcomes := newFakeOutcomeStore()
	outcomes.put(domain.Outcome{ID: "o1", MarketID: "m1", TokenID: "t1", Name: "Yes"})
	priceHistory := &fakePriceHistoryStore{}
	broadcaster := &fakeBroadcaster{}
	now := time.Now()
	e := newTestEngine(cache, outcomes, priceHistory, broadcaster, func() time.Time { return now })

	err := e.HandlePriceEvent(ctx, domain.PriceEvent{AssetID: "t1", Bid: 0.40, Ask: 0.42, Timestamp: now})
	if err != nil {
		t.Fatalf("HandlePriceEvent: %v", err)
	}
	if priceHistory.count() != 1 {
		t.Fatalf("expected first event to persist unconditionally, got %d rows", priceHistory.count())
	}
	if broadcaster.count() != 1 {
		t.Fatalf("expected a PriceUpdate broadcast, got %d", broadcaster.count())
	}

	var update domain.PriceUpdate
	if err := json.Unmarshal(broadcaster.payload, &update); err != nil {
		t.Fatalf("decode broadcast payload: %v", err)
	}
	if update.MarketID != "m1" || update.OutcomeID != "o1" {
		t.Fatalf("unexpected price update: %+v", update)
	}

	active := e.ActiveMarkets()
	if len(active) != 1 || active[0] != "m1" {
		t.Fatalf("expected active markets [m1], got %v", active)
	}
}

func TestHandlePriceEventThrottlesSmallMoveWithinWindow(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	outcomes := newFakeOutcomeStore()
	outcomes.put(domain.Outcome{ID: "o1", MarketID: "m1", TokenID: "t1", Name: "Yes"})
	priceHistory := &fakePriceHistoryStore{}
	broadcaster := &fakeBroadcaster{}
	now := time.Now()
	e := newTestEngine(cache, outcomes, priceHistory, broadcaster, func() time.Time { return now })

	if err := e.HandlePriceEvent(ctx, domain.PriceEvent{AssetID: "t1", Bid: 0.40, Ask: 0.42, Timestamp: now}); err != nil {
		t.Fatalf("first event: %v", err)
	}
	now = now.Add(5 * time.Second)
	if err := e.HandlePriceEvent(ctx, domain.PriceEvent{AssetID: "t1", Bid: 0.401, Ask: 0.421, Timestamp: now}); err != nil {
		t.Fatalf("second event: %v", err)
	}

	if priceHistory.count() != 1 {
		t.Fatalf("expected second small move within window to be throttled, got %d rows", priceHistory.count())
	}
}

func TestHandlePriceEventPersistsOnLargeMove(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	outcomes := newFakeOutcomeStore()
	outcomes.put(domain.Outcome{ID: "o1", MarketID: "m1", TokenID: "t1", Name: "Yes"})
	priceHistory := &fakePriceHistoryStore{}
	broadcaster := &fakeBroadcaster{}
	now := time.Now()
	e := newTestEngine(cache, outcomes, priceHistory, broadcaster, func() time.Time { return now })

	if err := e.HandlePriceEvent(ctx, domain.PriceEvent{AssetID: "t1", Bid: 0.40, Ask: 0.42, Timestamp: now}); err != nil {
		t.Fatalf("first event: %v", err)
	}
	now = now.Add(5 * time.Second)
	if err := e.HandlePriceEvent(ctx, domain.PriceEvent{AssetID: "t1", Bid: 0.49, Ask: 0.51, Timestamp: now}); err != nil {
		t.Fatalf("second event: %v", err)
	}

	if priceHistory.count() != 2 {
		t.Fatalf("expected large move to persist again, got %d rows", priceHistory.count())
	}
}

func TestHandlePriceEventPersistsAfterStaleWindow(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	outcomes := newFakeOutcomeStore()
	outcomes.put(domain.Outcome{ID: "o1", MarketID: "m1", TokenID: "t1", Name: "Yes"})
	priceHistory := &fakePriceHistoryStore{}
	broadcaster := &fakeBroadcaster{}
	now := time.Now()
	e := newTestEngine(cache, outcomes, priceHistory, broadcaster, func() time.Time { return now })

	if err := e.HandlePriceEvent(ctx, domain.PriceEvent{AssetID: "t1", Bid: 0.40, Ask: 0.42, Timestamp: now}); err != nil {
		t.Fatalf("first event: %v", err)
	}
	now = now.Add(61 * time.Second)
	if err := e.HandlePriceEvent(ctx, domain.PriceEvent{AssetID: "t1", Bid: 0.401, Ask: 0.421, Timestamp: now}); err != nil {
		t.Fatalf("second event: %v", err)
	}

	if priceHistory.count() != 2 {
		t.Fatalf("expected 60s staleness to force persistence, got %d rows", priceHistory.count())
	}
}

func TestHandleTradeEventEnqueuesWhaleAlert(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	outcomes := newFakeOutcomeStore()
	outcomes.put(domain.Outcome{ID: "o1", MarketID: "m1", TokenID: "t1", Name: "Yes"})
	priceHistory := &fakePriceHistoryStore{}
	e := newTestEngine(cache, outcomes, priceHistory, nil, time.Now)

	ev := domain.TradeEvent{AssetID: "t1", Price: 0.5, Size: 15000, Side: "BUY", Timestamp: time.Now()}
	if err := e.HandleTradeEvent(ctx, ev); err != nil {
		t.Fatalf("HandleTradeEvent: %v", err)
	}

	n, err := cache.LLen(ctx, "alerts:pending")
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one queued whale alert, got %d", n)
	}

	raw, ok, err := cache.LPopHead(ctx, "alerts:pending")
	if err != nil || !ok {
		t.Fatalf("LPopHead: ok=%v err=%v", ok, err)
	}
	var a domain.Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if a.Type != domain.AlertTypeWhaleTrade {
		t.Fatalf("expected whale trade alert, got %s", a.Type)
	}
}

func TestHandleTradeEventIgnoresSmallTrade(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	outcomes := newFakeOutcomeStore()
	outcomes.put(domain.Outcome{ID: "o1", MarketID: "m1", TokenID: "t1", Name: "Yes"})
	priceHistory := &fakePriceHistoryStore{}
	e := newTestEngine(cache, outcomes, priceHistory, nil, time.Now)

	ev := domain.TradeEvent{AssetID: "t1", Price: 0.5, Size: 50, Side: "BUY", Timestamp: time.Now()}
	if err := e.HandleTradeEvent(ctx, ev); err != nil {
		t.Fatalf("HandleTradeEvent: %v", err)
	}

	n, err := cache.LLen(ctx, "alerts:pending")
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no queued alert for a small trade, got %d", n)
	}
}

func TestHandleOrderbookEventEnqueuesLiquidityVacuum(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	outcomes := newFakeOutcomeStore()
	outcomes.put(domain.Outcome{ID: "o1", MarketID: "m1", TokenID: "t1", Name: "Yes"})
	priceHistory := &fakePriceHistoryStore{}
	e := newTestEngine(cache, outcomes, priceHistory, nil, time.Now)

	ev := domain.OrderbookEvent{AssetID: "t1", Spread: 0.15, Depth: 1000, Bid: 0.4, Ask: 0.55, Timestamp: time.Now()}
	if err := e.HandleOrderbookEvent(ctx, ev); err != nil {
		t.Fatalf("HandleOrderbookEvent: %v", err)
	}

	n, err := cache.LLen(ctx, "alerts:pending")
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one queued liquidity vacuum alert, got %d", n)
	}
}

func TestPruneArchivesBeforeDeleting(t *testing.T) {
	t.Parallel()
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	priceHistory := &fakePriceHistoryStore{rows: []domain.PriceHistory{{ID: 1}, {ID: 2}}}
	e := newTestEngine(cache, newFakeOutcomeStore(), priceHistory, nil, time.Now)
	archiver := &fakeArchiver{}

	n, err := e.Prune(ctx, 7, archiver)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !archiver.called {
		t.Fatal("expected archiver to be invoked before delete")
	}
	if n != 2 {
		t.Fatalf("expected 2 rows reported deleted, got %d", n)
	}
}
