// Package anomaly implements the five price/trade/orderbook detectors:
// pure functions over the scalar cache and rolling-window series that
// each yield at most one domain.Alert. Detectors never block each
// other — a failure or a "none" from one never short-circuits another,
// matching the ingestion engine's tolerant per-event fan-out.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/rolling"
	"github.com/monitorbot/monitorbot/internal/stats"
)

const (
	priceVelocityThreshold    = 0.15
	priceVelocityTTL          = 120 * time.Second
	priceVelocityStaleAfter   = 60 * time.Second
	volumeWindowFloorUSDC     = 100.0
	volumeLookbackMinutes     = 60
	volumeMinTrades           = 10
	volumeMinHistoryBuckets   = 5
	volumeZScoreThreshold     = 3.0
	volumeZScoreImplausible   = 50.0
	fatFingerTTL              = 300 * time.Second
	fatFingerInitialThreshold = 0.30
	fatFingerReversionFloor   = 0.20
	liquidityVacuumSpread     = 0.10
	liquidityDepthDropPct     = 0.80
	liquidityDepthTTL         = 120 * time.Second
	liquidityDepthWindow      = 60 * time.Second
	whaleTradeFloorUSDC       = 10000.0
)

// Detector evaluates the anomaly checks over a shared cache and rolling
// store.
type Detector struct {
	cache   domain.Cache
	rolling *rolling.Store
	now     func() time.Time
}

// New creates a Detector.
func New(cache domain.Cache, rollingStore *rolling.Store) *Detector {
	return &Detector{cache: cache, rolling: rollingStore, now: time.Now}
}

// WithClock overrides the detector's time source for deterministic tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

func lastPriceKey(marketID, outcomeID string) string {
	return fmt.Sprintf("last_price:%s:%s", marketID, outcomeID)
}

type lastPriceEntry struct {
	Mid float64   `json:"mid"`
	TS  time.Time `json:"ts"`
}

// PriceVelocity is the price-velocity check: a precursor to
// the insider-move conjunction. It always refreshes the scalar cache
// with the current mid, regardless of outcome.
func (d *Detector) PriceVelocity(ctx context.Context, marketID, outcomeID, tokenID, outcomeName string, mid float64) (*domain.Alert, error) {
	key := lastPriceKey(marketID, outcomeID)
	now := d.now()

	defer func() {
		entry := lastPriceEntry{Mid: mid, TS: now}
		data, err := json.Marshal(entry)
		if err == nil {
			_ = d.cache.SetEx(ctx, key, string(data), priceVelocityTTL)
		}
	}()

	raw, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("anomaly: price velocity get: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var prev lastPriceEntry
	if err := json.Unmarshal([]byte(raw), &prev); err != nil {
		return nil, nil
	}
	if now.Sub(prev.TS) > priceVelocityStaleAfter {
		return nil, nil
	}

	if mid < 0 || mid > 1 || prev.Mid < 0 || prev.Mid > 1 {
		return nil, nil
	}

	absChange := math.Abs(mid - prev.Mid)
	if absChange <= priceVelocityThreshold {
		return nil, nil
	}

	data := domain.PriceVelocityData{
		LastPrice:        prev.Mid,
		CurrentPrice:     mid,
		AbsoluteChange:   absChange,
		PercentageChange: stats.PctChange(prev.Mid, mid),
		DeltaSeconds:     now.Sub(prev.TS).Seconds(),
	}
	return &domain.Alert{
		Type:          domain.AlertTypePriceVelocity,
		Severity:      domain.SeverityHigh,
		MarketID:      marketID,
		OutcomeID:     outcomeID,
		TokenID:       tokenID,
		OutcomeName:   outcomeName,
		Timestamp:     now,
		PriceVelocity: &data,
	}, nil
}

type tradePayload struct {
	Price    float64 `json:"price"`
	SizeUSDC float64 `json:"sizeUSDC"`
	Side     string  `json:"side"`
}

// VolumeAcceleration is the volume-acceleration check over
// the tokenID's trade series.
func (d *Detector) VolumeAcceleration(ctx context.Context, marketID, outcomeID, tokenID, outcomeName string) (*domain.Alert, error) {
	now := d.now()
	key := "trades:" + tokenID

	points, err := d.rolling.RangeByTime(ctx, key, now.Add(-volumeLookbackMinutes*time.Minute), now)
	if err != nil {
		return nil, fmt.Errorf("anomaly: volume acceleration range: %w", err)
	}
	if len(points) < volumeMinTrades {
		return nil, nil
	}

	buckets := make(map[int64]float64)
	for _, p := range points {
		bucket := p.Timestamp.UnixMilli() / 60000 * 60000
		var t tradePayload
		if err := json.Unmarshal(p.Payload, &t); err != nil {
			continue
		}
		buckets[bucket] += t.SizeUSDC
	}

	currentBucket := now.UnixMilli() / 60000 * 60000
	currentVolume := buckets[currentBucket]
	if currentVolume < volumeWindowFloorUSDC {
		return nil, nil
	}

	var history []float64
	for bucket, vol := range buckets {
		if bucket == currentBucket {
			continue
		}
		history = append(history, vol)
	}
	if len(history) < volumeMinHistoryBuckets {
		return nil, nil
	}

	mean := stats.Mean(history)
	sigma := stats.PopStdDev(history)
	z, ok := stats.ZScore(currentVolume, mean, sigma)
	if !ok {
		return nil, nil
	}
	if z > volumeZScoreImplausible {
		return nil, nil
	}
	if z <= volumeZScoreThreshold || currentVolume <= volumeWindowFloorUSDC {
		return nil, nil
	}

	data := domain.VolumeAccelerationData{
		CurrentVolume: currentVolume,
		AverageVolume: mean,
		StdDev:        sigma,
		ZScore:        z,
	}
	return &domain.Alert{
		Type:               domain.AlertTypeVolumeAcceleration,
		Severity:           domain.SeverityMedium,
		MarketID:           marketID,
		OutcomeID:          outcomeID,
		TokenID:            tokenID,
		OutcomeName:        outcomeName,
		Timestamp:          now,
		VolumeAcceleration: &data,
	}, nil
}

// InsiderMove combines a fired price-velocity alert with a fired
// volume-acceleration alert into a single critical-severity alert.
func InsiderMove(marketID, outcomeID, tokenID, outcomeName string, pv domain.PriceVelocityData, va domain.VolumeAccelerationData, now time.Time) domain.Alert {
	data := domain.InsiderMoveData{PriceVelocity: pv, VolumeAcceleration: va}
	return domain.Alert{
		Type:        domain.AlertTypeInsiderMove,
		Severity:    domain.SeverityCritical,
		MarketID:    marketID,
		OutcomeID:   outcomeID,
		TokenID:     tokenID,
		OutcomeName: outcomeName,
		Timestamp:   now,
		InsiderMove: &data,
	}
}

type fatFingerState struct {
	Prices  []float64 `json:"prices"`
	Pending bool      `json:"pending"`
	Initial float64   `json:"initial"`
}

func fatFingerKey(marketID, outcomeID string) string {
	return fmt.Sprintf("fat_finger:%s:%s", marketID, outcomeID)
}

// FatFinger is the 3-trade pending-state detector: a spike
// followed by a partial reversion.
func (d *Detector) FatFinger(ctx context.Context, marketID, outcomeID, tokenID, outcomeName string, price float64) (*domain.Alert, error) {
	key := fatFingerKey(marketID, outcomeID)
	now := d.now()

	var state fatFingerState
	raw, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("anomaly: fat finger get: %w", err)
	}
	if ok {
		_ = json.Unmarshal([]byte(raw), &state)
	}

	state.Prices = append(state.Prices, price)
	if len(state.Prices) > 3 {
		state.Prices = state.Prices[len(state.Prices)-3:]
	}

	var alert *domain.Alert
	if len(state.Prices) >= 2 {
		nMinus2 := state.Prices[len(state.Prices)-2]
		nMinus1 := state.Prices[len(state.Prices)-1]
		dev := stats.PctChange(nMinus2, nMinus1)

		if !state.Pending && math.Abs(dev) > fatFingerInitialThreshold {
			state.Pending = true
			state.Initial = dev
		} else if state.Pending && len(state.Prices) >= 2 {
			reversion := dev
			if math.Abs(reversion) > fatFingerReversionFloor && math.Abs(reversion) < math.Abs(state.Initial) {
				initialPrice := nMinus2
				if len(state.Prices) >= 3 {
					initialPrice = state.Prices[len(state.Prices)-3]
				}
				data := domain.FatFingerData{
					InitialPrice:     initialPrice,
					SpikePrice:       nMinus2,
					ReversionPrice:   price,
					PercentageChange: state.Initial,
					ReversionChange:  reversion,
				}
				alert = &domain.Alert{
					Type:        domain.AlertTypeFatFinger,
					Severity:    domain.SeverityMedium,
					MarketID:    marketID,
					OutcomeID:   outcomeID,
					TokenID:     tokenID,
					OutcomeName: outcomeName,
					Timestamp:   now,
					FatFinger:   &data,
				}
			}
			state.Pending = false
		}
	}

	data, err := json.Marshal(state)
	if err == nil {
		_ = d.cache.SetEx(ctx, key, string(data), fatFingerTTL)
	}

	return alert, nil
}

func depthKey(marketID, outcomeID string) string {
	return fmt.Sprintf("depth:%s:%s", marketID, outcomeID)
}

type depthEntry struct {
	Depth float64   `json:"depth"`
	TS    time.Time `json:"ts"`
}

// LiquidityVacuum is the spread/depth-drop detector.
func (d *Detector) LiquidityVacuum(ctx context.Context, marketID, outcomeID, tokenID, outcomeName string, spread, depth float64) (*domain.Alert, error) {
	now := d.now()
	key := depthKey(marketID, outcomeID)

	defer func() {
		entry := depthEntry{Depth: depth, TS: now}
		data, err := json.Marshal(entry)
		if err == nil {
			_ = d.cache.SetEx(ctx, key, string(data), liquidityDepthTTL)
		}
	}()

	if spread > liquidityVacuumSpread {
		return &domain.Alert{
			Type:            domain.AlertTypeLiquidityVacuum,
			Severity:        domain.SeverityHigh,
			MarketID:        marketID,
			OutcomeID:       outcomeID,
			TokenID:         tokenID,
			OutcomeName:     outcomeName,
			Timestamp:       now,
			LiquidityVacuum: &domain.LiquidityVacuumData{Spread: spread},
		}, nil
	}

	raw, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("anomaly: liquidity vacuum get: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var prev depthEntry
	if err := json.Unmarshal([]byte(raw), &prev); err != nil {
		return nil, nil
	}
	if now.Sub(prev.TS) > liquidityDepthWindow || prev.Depth == 0 {
		return nil, nil
	}

	dropPct := (prev.Depth - depth) / prev.Depth
	if dropPct <= liquidityDepthDropPct {
		return nil, nil
	}

	return &domain.Alert{
		Type:        domain.AlertTypeLiquidityVacuum,
		Severity:    domain.SeverityHigh,
		MarketID:    marketID,
		OutcomeID:   outcomeID,
		TokenID:     tokenID,
		OutcomeName: outcomeName,
		Timestamp:   now,
		LiquidityVacuum: &domain.LiquidityVacuumData{
			PriorDepth:   prev.Depth,
			CurrentDepth: depth,
			DepthDropPct: dropPct,
		},
	}, nil
}

// WhaleTrade is the flat size-floor detector.
func (d *Detector) WhaleTrade(marketID, outcomeID, tokenID, outcomeName string, sizeUSDC, price float64, side string) *domain.Alert {
	if sizeUSDC < whaleTradeFloorUSDC {
		return nil
	}
	return &domain.Alert{
		Type:        domain.AlertTypeWhaleTrade,
		Severity:    domain.SeverityMedium,
		MarketID:    marketID,
		OutcomeID:   outcomeID,
		TokenID:     tokenID,
		OutcomeName: outcomeName,
		Timestamp:   d.now(),
		WhaleTrade:  &domain.WhaleTradeData{TradeSize: sizeUSDC, Price: price, Side: side},
	}
}
