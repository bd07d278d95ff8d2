package domain

import "time"

// PriceEvent is the canonical shape a venue stream price/book message is
// demultiplexed into. EventKind preserves which wire event produced it
// (price_change, book, update, ...) for detectors that care.
type PriceEvent struct {
	AssetID   string
	Bid       float64
	Ask       float64
	EventKind string
	Timestamp time.Time
}

// OrderbookEvent carries depth metrics for an asset's book, derived from
// a stream "book" message, and is what feeds the liquidity-vacuum
// detector and the orderbook:<tokenId> rolling series.
type OrderbookEvent struct {
	AssetID   string
	Spread    float64
	Depth     float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// OrderbookPoint is the payload stored in the orderbook:<tokenId>
// rolling series.
type OrderbookPoint struct {
	Spread float64
	Depth  float64
	Bid    float64
	Ask    float64
}

// PriceUpdate is the normalized event the ingestion engine broadcasts to
// downstream consumers (the WebSocket hub, read API cache invalidation)
// after processing a PriceEvent.
type PriceUpdate struct {
	MarketID           string
	OutcomeID          string
	Bid                float64
	Ask                float64
	Mid                float64
	ImpliedProbability float64
	Timestamp          time.Time
}
