package domain

import "time"

// TradeEvent is the canonical shape a venue stream trade message is
// demultiplexed into, regardless of its wire event_type.
type TradeEvent struct {
	AssetID   string
	Price     float64
	Size      float64 // USDC notional of the fill
	Side      string  // "buy" or "sell"; absent on some wire shapes
	Timestamp time.Time
}

// TradePoint is the payload stored in the trades:<tokenId> rolling series.
type TradePoint struct {
	Size     float64
	SizeUSDC float64
	Price    float64
	Side     string
}
