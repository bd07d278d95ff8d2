package domain

import "time"

// PriceHistory is one append-only sample of an outcome's quoted market.
// Invariants: 0 <= Bid <= Ask <= 1, Mid = (Bid+Ask)/2, ImpliedProbability
// = Mid*100. Rows are pruned by the ingestion engine's retention sweep,
// never updated.
type PriceHistory struct {
	ID                  int64
	MarketID            string
	OutcomeID           string
	Timestamp           time.Time
	Bid                 float64
	Ask                 float64
	Mid                 float64
	ImpliedProbability  float64
}

// NewPriceHistory computes Mid and ImpliedProbability from bid/ask.
func NewPriceHistory(marketID, outcomeID string, bid, ask float64, ts time.Time) PriceHistory {
	mid := (bid + ask) / 2
	return PriceHistory{
		MarketID:           marketID,
		OutcomeID:          outcomeID,
		Timestamp:          ts,
		Bid:                bid,
		Ask:                ask,
		Mid:                mid,
		ImpliedProbability: mid * 100,
	}
}
