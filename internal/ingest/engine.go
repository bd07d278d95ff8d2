// Package ingest implements the real-time ingestion engine: the
// per-event handlers invoked from the venue stream client's wildcard
// handler, plus the retention sweep that prunes price_history on the
// sync task's cadence.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/monitorbot/monitorbot/internal/alert"
	"github.com/monitorbot/monitorbot/internal/anomaly"
	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/rolling"
)

// persistMoveThreshold and persistMaxAge implement the
// throttled-persistence rule below.
const (
	persistMoveThreshold = 0.01
	persistMaxAge        = 60 * time.Second
	tradeSeriesMaxAge    = time.Hour
	tradeSeriesMaxItems  = 1000
	defaultRetentionDays = 1
)

const priceUpdateChannel = "prices:update"

func marketPriceKey(marketID, tokenID string) string {
	return fmt.Sprintf("market:%s:price:%s", marketID, tokenID)
}

func tokenPriceKey(tokenID string) string {
	return fmt.Sprintf("token:%s:price", tokenID)
}

func marketPricesHashKey(marketID string) string {
	return fmt.Sprintf("market:%s:prices", marketID)
}

func apiMarketCacheKey(marketID string) string {
	return fmt.Sprintf("api:market:%s", marketID)
}

// lastPersistedEntry is the in-memory throttle state for
// maybePersist, owned exclusively by the Engine.
type lastPersistedEntry struct {
	Mid float64
	At  time.Time
}

// EngineConfig bundles an Engine's dependencies.
type EngineConfig struct {
	Cache        domain.Cache
	Rolling      *rolling.Store
	Detector     *anomaly.Detector
	PriceHistory domain.PriceHistoryStore
	Outcomes     domain.OutcomeStore
	MarketSource domain.MarketSource
	Queue        *alert.Queue
	Broadcaster  domain.Broadcaster
	Logger       *slog.Logger
}

// Engine processes PriceEvent/TradeEvent/OrderbookEvent from the venue
// stream client. activeMarkets and lastPersisted are owned exclusively
// by the Engine; no external mutation.
type Engine struct {
	cache        domain.Cache
	rolling      *rolling.Store
	detector     *anomaly.Detector
	priceHistory domain.PriceHistoryStore
	outcomes     domain.OutcomeStore
	marketSource domain.MarketSource
	queue        *alert.Queue
	broadcaster  domain.Broadcaster
	logger       *slog.Logger
	now          func() time.Time

	mu            sync.Mutex
	lastPersisted map[string]lastPersistedEntry
	activeMarkets map[string]struct{}
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cache:         cfg.Cache,
		rolling:       cfg.Rolling,
		detector:      cfg.Detector,
		priceHistory:  cfg.PriceHistory,
		outcomes:      cfg.Outcomes,
		marketSource:  cfg.MarketSource,
		queue:         cfg.Queue,
		broadcaster:   cfg.Broadcaster,
		logger:        logger.With(slog.String("component", "ingest")),
		now:           time.Now,
		lastPersisted: make(map[string]lastPersistedEntry),
		activeMarkets: make(map[string]struct{}),
	}
}

// WithClock overrides the engine's time source for deterministic tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// SetMarketSource attaches the market source after construction, for
// wiring a cyclic dependency: the sync engine needs a reference to this
// Engine, and this Engine's cold-lookup path needs a reference back to
// the sync engine, so one of the two has to be set after both exist
// rather than rebuilding either one.
func (e *Engine) SetMarketSource(src domain.MarketSource) {
	e.mu.Lock()
	e.marketSource = src
	e.mu.Unlock()
}

func (e *Engine) currentMarketSource() domain.MarketSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marketSource
}

// ActiveMarkets returns a snapshot of markets that have produced a
// price event since the engine started.
func (e *Engine) ActiveMarkets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.activeMarkets))
	for id := range e.activeMarkets {
		out = append(out, id)
	}
	return out
}

// resolveOutcome resolves a venue event's asset id to its outcome. The
// venue stream's PriceEvent/TradeEvent/OrderbookEvent carry only a token
// id, so this single GetByTokenID call is enough; ErrNotFound propagates
// to the caller, which drops the event.
func (e *Engine) resolveOutcome(ctx context.Context, tokenID string) (domain.Outcome, error) {
	o, err := e.outcomes.GetByTokenID(ctx, tokenID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("ingest: resolve outcome for token %s: %w", tokenID, err)
	}
	return o, nil
}

func (e *Engine) markActive(marketID string) {
	e.mu.Lock()
	e.activeMarkets[marketID] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) enqueue(ctx context.Context, a domain.Alert) {
	if e.queue == nil {
		return
	}
	if err := e.queue.Push(ctx, a); err != nil {
		e.logger.ErrorContext(ctx, "enqueue alert failed",
			slog.String("type", string(a.Type)), slog.String("error", err.Error()))
	}
}

// priceCacheEntry is the JSON body behind the scalar price keys written
// by HandlePriceEvent.
type priceCacheEntry struct {
	Bid                float64   `json:"bid"`
	Ask                float64   `json:"ask"`
	Mid                float64   `json:"mid"`
	ImpliedProbability float64   `json:"impliedProbability"`
	Timestamp          time.Time `json:"timestamp"`
}

// HandlePriceEvent processes one price event from the venue stream.
func (e *Engine) HandlePriceEvent(ctx context.Context, ev domain.PriceEvent) error {
	if ev.Bid < 0 || ev.Bid > 1 || ev.Ask < 0 || ev.Ask > 1 {
		return nil
	}
	mid := (ev.Bid + ev.Ask) / 2
	implied := mid * 100

	outcome, err := e.resolveOutcome(ctx, ev.AssetID)
	if err != nil {
		e.logger.DebugContext(ctx, "skipping price event: outcome lookup failed",
			slog.String("asset_id", ev.AssetID), slog.String("error", err.Error()))
		return nil
	}

	if src := e.currentMarketSource(); src != nil {
		if _, err := src.EnsureMarket(ctx, outcome.MarketID); err != nil {
			e.logger.WarnContext(ctx, "ensure market failed",
				slog.String("market_id", outcome.MarketID), slog.String("error", err.Error()))
		}
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	if err := e.cacheLastPrice(ctx, outcome.MarketID, outcome.TokenID, ev.Bid, ev.Ask, mid, implied, ts); err != nil {
		e.logger.WarnContext(ctx, "cache last price failed", slog.String("error", err.Error()))
	}

	e.maybePersist(ctx, outcome, ev.Bid, ev.Ask, mid, ts)
	e.markActive(outcome.MarketID)

	if err := e.cache.Del(ctx, apiMarketCacheKey(outcome.MarketID)); err != nil {
		e.logger.WarnContext(ctx, "invalidate read cache failed", slog.String("error", err.Error()))
	}

	e.broadcastPriceUpdate(ctx, outcome, ev.Bid, ev.Ask, mid, implied, ts)
	e.runPriceAnomalies(ctx, outcome, mid)

	return nil
}

func (e *Engine) cacheLastPrice(ctx context.Context, marketID, tokenID string, bid, ask, mid, implied float64, ts time.Time) error {
	entry := priceCacheEntry{Bid: bid, Ask: ask, Mid: mid, ImpliedProbability: implied, Timestamp: ts}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ingest: marshal price cache entry: %w", err)
	}

	if err := e.cache.SetEx(ctx, marketPriceKey(marketID, tokenID), string(raw), time.Hour); err != nil {
		return err
	}
	if err := e.cache.SetEx(ctx, tokenPriceKey(tokenID), string(raw), time.Hour); err != nil {
		return err
	}
	hashKey := marketPricesHashKey(marketID)
	if err := e.cache.HSet(ctx, hashKey, tokenID, string(raw)); err != nil {
		return err
	}
	return e.cache.HExpire(ctx, hashKey, time.Hour)
}

// maybePersist implements the throttled-persistence rule: a price
// write only lands in Postgres when it has moved enough or aged enough
// since the last persisted write.
func (e *Engine) maybePersist(ctx context.Context, outcome domain.Outcome, bid, ask, mid float64, ts time.Time) {
	e.mu.Lock()
	prev, seen := e.lastPersisted[outcome.ID]
	e.mu.Unlock()

	shouldPersist := !seen
	if seen {
		if prev.Mid == 0 || math.Abs(mid-prev.Mid)/prev.Mid > persistMoveThreshold {
			shouldPersist = true
		}
		if ts.Sub(prev.At) > persistMaxAge {
			shouldPersist = true
		}
	}
	if !shouldPersist {
		return
	}

	row := domain.NewPriceHistory(outcome.MarketID, outcome.ID, bid, ask, ts)
	if err := e.priceHistory.Insert(ctx, row); err != nil {
		e.logger.ErrorContext(ctx, "persist price history failed", slog.String("error", err.Error()))
		return
	}

	e.mu.Lock()
	e.lastPersisted[outcome.ID] = lastPersistedEntry{Mid: mid, At: ts}
	e.mu.Unlock()
}

func (e *Engine) broadcastPriceUpdate(ctx context.Context, outcome domain.Outcome, bid, ask, mid, implied float64, ts time.Time) {
	if e.broadcaster == nil {
		return
	}
	update := domain.PriceUpdate{
		MarketID:           outcome.MarketID,
		OutcomeID:          outcome.ID,
		Bid:                bid,
		Ask:                ask,
		Mid:                mid,
		ImpliedProbability: implied,
		Timestamp:          ts,
	}
	raw, err := json.Marshal(update)
	if err != nil {
		e.logger.WarnContext(ctx, "marshal price update failed", slog.String("error", err.Error()))
		return
	}
	if err := e.broadcaster.Publish(ctx, priceUpdateChannel, raw); err != nil {
		e.logger.WarnContext(ctx, "publish price update failed", slog.String("error", err.Error()))
	}
}

// runPriceAnomalies runs price-velocity detection, then (only
// if it fired) volume-acceleration, then their conjunction.
func (e *Engine) runPriceAnomalies(ctx context.Context, outcome domain.Outcome, mid float64) {
	pvAlert, err := e.detector.PriceVelocity(ctx, outcome.MarketID, outcome.ID, outcome.TokenID, outcome.Name, mid)
	if err != nil {
		e.logger.WarnContext(ctx, "price velocity detector failed", slog.String("error", err.Error()))
		return
	}
	if pvAlert == nil {
		return
	}
	e.enqueue(ctx, *pvAlert)

	vaAlert, err := e.detector.VolumeAcceleration(ctx, outcome.MarketID, outcome.ID, outcome.TokenID, outcome.Name)
	if err != nil {
		e.logger.WarnContext(ctx, "volume acceleration detector failed", slog.String("error", err.Error()))
		return
	}
	if vaAlert == nil {
		return
	}
	e.enqueue(ctx, *vaAlert)

	insider := anomaly.InsiderMove(outcome.MarketID, outcome.ID, outcome.TokenID, outcome.Name,
		*pvAlert.PriceVelocity, *vaAlert.VolumeAcceleration, e.now())
	e.enqueue(ctx, insider)
}

// HandleTradeEvent processes one trade event from the venue stream.
func (e *Engine) HandleTradeEvent(ctx context.Context, ev domain.TradeEvent) error {
	outcome, err := e.resolveOutcome(ctx, ev.AssetID)
	if err != nil {
		e.logger.DebugContext(ctx, "skipping trade event: outcome lookup failed",
			slog.String("asset_id", ev.AssetID), slog.String("error", err.Error()))
		return nil
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	point := domain.TradePoint{SizeUSDC: ev.Size, Price: ev.Price, Side: ev.Side}
	if err := e.rolling.Add(ctx, "trades:"+outcome.TokenID, ts, point, tradeSeriesMaxAge, tradeSeriesMaxItems); err != nil {
		e.logger.WarnContext(ctx, "append trade point failed", slog.String("error", err.Error()))
	}

	if whale := e.detector.WhaleTrade(outcome.MarketID, outcome.ID, outcome.TokenID, outcome.Name, ev.Size, ev.Price, ev.Side); whale != nil {
		e.enqueue(ctx, *whale)
	}

	ff, err := e.detector.FatFinger(ctx, outcome.MarketID, outcome.ID, outcome.TokenID, outcome.Name, ev.Price)
	if err != nil {
		e.logger.WarnContext(ctx, "fat finger detector failed", slog.String("error", err.Error()))
	} else if ff != nil {
		e.enqueue(ctx, *ff)
	}

	return nil
}

// HandleOrderbookEvent processes one orderbook snapshot from the venue stream.
func (e *Engine) HandleOrderbookEvent(ctx context.Context, ev domain.OrderbookEvent) error {
	outcome, err := e.resolveOutcome(ctx, ev.AssetID)
	if err != nil {
		e.logger.DebugContext(ctx, "skipping orderbook event: outcome lookup failed",
			slog.String("asset_id", ev.AssetID), slog.String("error", err.Error()))
		return nil
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	point := domain.OrderbookPoint{Spread: ev.Spread, Depth: ev.Depth, Bid: ev.Bid, Ask: ev.Ask}
	if err := e.rolling.Add(ctx, "orderbook:"+outcome.TokenID, ts, point, tradeSeriesMaxAge, tradeSeriesMaxItems); err != nil {
		e.logger.WarnContext(ctx, "append orderbook point failed", slog.String("error", err.Error()))
	}

	lv, err := e.detector.LiquidityVacuum(ctx, outcome.MarketID, outcome.ID, outcome.TokenID, outcome.Name, ev.Spread, ev.Depth)
	if err != nil {
		e.logger.WarnContext(ctx, "liquidity vacuum detector failed", slog.String("error", err.Error()))
	} else if lv != nil {
		e.enqueue(ctx, *lv)
	}

	return nil
}

// Prune runs the retention sweep: optionally archive rows
// older than the retention window, then delete them. retentionDays
// defaults to 1 day when <= 0. It is invoked from the sync task's goroutine.
func (e *Engine) Prune(ctx context.Context, retentionDays int, archiver domain.Archiver) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	cutoff := e.now().AddDate(0, 0, -retentionDays)

	if archiver != nil {
		if _, err := archiver.ArchivePriceHistory(ctx, cutoff); err != nil {
			e.logger.WarnContext(ctx, "archive before prune failed", slog.String("error", err.Error()))
			return 0, fmt.Errorf("ingest: archive before prune: %w", err)
		}
	}

	n, err := e.priceHistory.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ingest: prune price history: %w", err)
	}
	return n, nil
}
