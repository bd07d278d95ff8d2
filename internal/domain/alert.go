package domain

import "time"

// AlertType identifies which detector produced an Alert and selects its
// payload variant.
type AlertType string

const (
	AlertTypePriceVelocity      AlertType = "price_velocity"
	AlertTypeVolumeAcceleration AlertType = "volume_acceleration"
	AlertTypeInsiderMove        AlertType = "insider_move"
	AlertTypeFatFinger          AlertType = "fat_finger"
	AlertTypeLiquidityVacuum    AlertType = "liquidity_vacuum"
	AlertTypeWhaleTrade         AlertType = "whale_trade"
	AlertTypeNewMarket          AlertType = "new_market"
	AlertTypeNewOutcome         AlertType = "new_outcome"
)

// Severity is the urgency bucket assigned to an Alert, used both for
// display and to select a per-severity throttle cooldown override.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// PriceVelocityData is the payload for AlertTypePriceVelocity.
type PriceVelocityData struct {
	LastPrice         float64
	CurrentPrice      float64
	AbsoluteChange    float64
	PercentageChange  float64
	DeltaSeconds      float64
}

// VolumeAccelerationData is the payload for AlertTypeVolumeAcceleration.
type VolumeAccelerationData struct {
	CurrentVolume float64
	AverageVolume float64
	StdDev        float64
	ZScore        float64
}

// InsiderMoveData is the payload for AlertTypeInsiderMove, combining both
// precursor detectors that had to fire together.
type InsiderMoveData struct {
	PriceVelocity      PriceVelocityData
	VolumeAcceleration VolumeAccelerationData
}

// FatFingerData is the payload for AlertTypeFatFinger.
type FatFingerData struct {
	InitialPrice      float64
	SpikePrice        float64
	ReversionPrice    float64
	PercentageChange  float64
	ReversionChange   float64
}

// LiquidityVacuumData is the payload for AlertTypeLiquidityVacuum. Only
// one of the two reasons applies per alert (Spread-triggered alerts
// leave PriorDepth/CurrentDepth at zero).
type LiquidityVacuumData struct {
	Spread       float64
	PriorDepth   float64
	CurrentDepth float64
	DepthDropPct float64
}

// WhaleTradeData is the payload for AlertTypeWhaleTrade.
type WhaleTradeData struct {
	TradeSize float64
	Price     float64
	Side      string
}

// NewEntityData is the payload for AlertTypeNewMarket and AlertTypeNewOutcome.
type NewEntityData struct {
	Keyword string
}

// Alert is the tagged-union record every detector emits. Exactly one of
// the Data fields is populated, matching Type. Extras carries fields that
// don't fit the typed payloads without forcing every consumer back onto
// an untyped map.
type Alert struct {
	ID          string
	Type        AlertType
	Severity    Severity
	MarketID    string
	OutcomeID   string
	TokenID     string
	OutcomeName string
	Message     string
	Timestamp   time.Time

	PriceVelocity      *PriceVelocityData      `json:",omitempty"`
	VolumeAcceleration *VolumeAccelerationData `json:",omitempty"`
	InsiderMove        *InsiderMoveData        `json:",omitempty"`
	FatFinger          *FatFingerData          `json:",omitempty"`
	LiquidityVacuum    *LiquidityVacuumData    `json:",omitempty"`
	WhaleTrade         *WhaleTradeData         `json:",omitempty"`
	NewEntity          *NewEntityData          `json:",omitempty"`

	Extras map[string]string `json:",omitempty"`
}

// Age returns how old the alert is relative to now.
func (a Alert) Age(now time.Time) time.Duration {
	return now.Sub(a.Timestamp)
}
