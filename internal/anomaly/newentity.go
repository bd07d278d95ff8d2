package anomaly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// knownEntityTTL is the known-set refresh window.
const knownEntityTTL = 30 * 24 * time.Hour

// severityKeywords triggers "high" severity on a new market/outcome whose
// question/category/tags mention a newsworthy, market-moving topic.
var severityKeywords = []string{
	"war", "conflict", "attack", "invasion", "launch", "release", "announcement",
	"hack", "breach", "exploit", "vulnerability", "election", "vote", "poll",
	"ipo", "merger", "acquisition", "regulation", "ban", "approval", "disaster",
	"crisis", "emergency",
}

func keywordSeverity(texts ...string) (domain.Severity, string) {
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, kw := range severityKeywords {
			if strings.Contains(lower, kw) {
				return domain.SeverityHigh, kw
			}
		}
	}
	return domain.SeverityMedium, ""
}

func knownMarketsKey() string { return "known_markets" }

func knownOutcomesKey(marketID string) string {
	return fmt.Sprintf("known_outcomes:%s", marketID)
}

// NewMarketDetector tracks the known_markets set and emits a new_market
// alert the first time a market's canonical id is observed.
type NewMarketDetector struct {
	cache domain.Cache
	now   func() time.Time
}

// NewNewMarketDetector creates a NewMarketDetector.
func NewNewMarketDetector(cache domain.Cache) *NewMarketDetector {
	return &NewMarketDetector{cache: cache, now: time.Now}
}

// WithClock overrides the detector's time source for deterministic tests.
func (n *NewMarketDetector) WithClock(now func() time.Time) *NewMarketDetector {
	n.now = now
	return n
}

// Seed primes known_markets with the given ids on startup.
func (n *NewMarketDetector) Seed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := n.cache.SAdd(ctx, knownMarketsKey(), ids...); err != nil {
		return fmt.Errorf("anomaly: seed known markets: %w", err)
	}
	return n.cache.Expire(ctx, knownMarketsKey(), knownEntityTTL)
}

// Check reports whether m is new (not in known_markets); if so, it adds
// m to the set, refreshes the set TTL, and returns the new_market alert.
func (n *NewMarketDetector) Check(ctx context.Context, m domain.Market, tags []string) (*domain.Alert, error) {
	seen, err := n.cache.SIsMember(ctx, knownMarketsKey(), m.ID)
	if err != nil {
		return nil, fmt.Errorf("anomaly: check known market %s: %w", m.ID, err)
	}
	if seen {
		return nil, nil
	}

	if err := n.cache.SAdd(ctx, knownMarketsKey(), m.ID); err != nil {
		return nil, fmt.Errorf("anomaly: add known market %s: %w", m.ID, err)
	}
	if err := n.cache.Expire(ctx, knownMarketsKey(), knownEntityTTL); err != nil {
		return nil, fmt.Errorf("anomaly: refresh known markets ttl: %w", err)
	}

	texts := append([]string{m.Question, m.Category}, tags...)
	severity, keyword := keywordSeverity(texts...)

	return &domain.Alert{
		Type:      domain.AlertTypeNewMarket,
		Severity:  severity,
		MarketID:  m.ID,
		Timestamp: n.now(),
		NewEntity: &domain.NewEntityData{Keyword: keyword},
	}, nil
}

// NewOutcomeDetector tracks known_outcomes:<marketId> sets.
type NewOutcomeDetector struct {
	cache domain.Cache
	now   func() time.Time
}

// NewNewOutcomeDetector creates a NewOutcomeDetector.
func NewNewOutcomeDetector(cache domain.Cache) *NewOutcomeDetector {
	return &NewOutcomeDetector{cache: cache, now: time.Now}
}

// WithClock overrides the detector's time source for deterministic tests.
func (n *NewOutcomeDetector) WithClock(now func() time.Time) *NewOutcomeDetector {
	n.now = now
	return n
}

// Check reports whether o is new within its market's known_outcomes set.
func (n *NewOutcomeDetector) Check(ctx context.Context, o domain.Outcome, marketQuestion, marketCategory string) (*domain.Alert, error) {
	key := knownOutcomesKey(o.MarketID)

	seen, err := n.cache.SIsMember(ctx, key, o.ID)
	if err != nil {
		return nil, fmt.Errorf("anomaly: check known outcome %s: %w", o.ID, err)
	}
	if seen {
		return nil, nil
	}

	if err := n.cache.SAdd(ctx, key, o.ID); err != nil {
		return nil, fmt.Errorf("anomaly: add known outcome %s: %w", o.ID, err)
	}
	if err := n.cache.Expire(ctx, key, knownEntityTTL); err != nil {
		return nil, fmt.Errorf("anomaly: refresh known outcomes ttl: %w", err)
	}

	severity, keyword := keywordSeverity(o.Name, marketQuestion, marketCategory)

	return &domain.Alert{
		Type:        domain.AlertTypeNewOutcome,
		Severity:    severity,
		MarketID:    o.MarketID,
		OutcomeID:   o.ID,
		TokenID:     o.TokenID,
		OutcomeName: o.Name,
		Timestamp:   n.now(),
		NewEntity:   &domain.NewEntityData{Keyword: keyword},
	}, nil
}
