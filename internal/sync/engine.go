// Package sync implements the market sync engine: the
// discovery-and-reconciliation cycle that paginates the venue's market
// list, dedupes and categorizes it, writes the parent-only result to
// Postgres, and hands the synced outcomes off to ingestion for subscription.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/monitorbot/monitorbot/internal/alert"
	"github.com/monitorbot/monitorbot/internal/anomaly"
	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/ingest"
	"github.com/monitorbot/monitorbot/internal/platform/venue"
)

const pageSize = 100

// EngineConfig bundles an Engine's dependencies and tunables. Intervals,
// thresholds, and caps default to the values noted on each field when unset.
type EngineConfig struct {
	Rest               *venue.RestClient
	Markets            domain.MarketStore
	Outcomes           domain.OutcomeStore
	Ingest             *ingest.Engine
	NewMarketDetector  *anomaly.NewMarketDetector
	NewOutcomeDetector *anomaly.NewOutcomeDetector
	Queue              *alert.Queue
	Stream             *venue.StreamClient
	Archiver           domain.Archiver
	Logger             *slog.Logger

	SyncInterval      time.Duration // default 5m
	DiscoveryInterval time.Duration // default 30m

	// FreshDeploymentThreshold forces full-sync mode (skip change
	// detection) while D holds fewer than this many markets. Default 10.
	FreshDeploymentThreshold int64

	// MaxMarketsPerCycle bounds how many markets a single SyncOnce call
	// will collect across pages; the spec names only the page size and
	// the three-empty-page stop condition, leaving the overall per-cycle
	// cap unspecified, so this is a generous safety bound rather than a
	// literal spec value. Default 5000.
	MaxMarketsPerCycle int

	// MaxSubscriptionHandoff caps how many token ids a single cycle hands
	// to the stream client. Default 100.
	MaxSubscriptionHandoff int

	// PruneEveryCycles runs the ingestion retention sweep every Kth sync
	// cycle, K≈72. Default 72.
	PruneEveryCycles int
	// RetentionDays is the price_history retention window, typically 1-7. Default 1.
	RetentionDays int
}

// Engine is the market sync engine. It also implements
// domain.MarketSource for injection into the ingestion engine, breaking
// the ingestion<->sync cyclic dependency: a cold outcome lookup can
// trigger a single-market on-demand sync rather than a silent drop.
type Engine struct {
	rest               *venue.RestClient
	markets            domain.MarketStore
	outcomes           domain.OutcomeStore
	ingest             *ingest.Engine
	newMarketDetector  *anomaly.NewMarketDetector
	newOutcomeDetector *anomaly.NewOutcomeDetector
	queue              *alert.Queue
	stream             *venue.StreamClient
	archiver           domain.Archiver
	logger             *slog.Logger
	now                func() time.Time

	freshDeploymentThreshold int64
	maxMarketsPerCycle       int
	maxSubscriptionHandoff   int
	pruneEveryCycles         int
	retentionDays            int

	cycleCount       int64
	syncRunning      atomic.Bool
	discoveryRunning atomic.Bool
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 30 * time.Minute
	}
	if cfg.FreshDeploymentThreshold <= 0 {
		cfg.FreshDeploymentThreshold = 10
	}
	if cfg.MaxMarketsPerCycle <= 0 {
		cfg.MaxMarketsPerCycle = 5000
	}
	if cfg.MaxSubscriptionHandoff <= 0 {
		cfg.MaxSubscriptionHandoff = 100
	}
	if cfg.PruneEveryCycles <= 0 {
		cfg.PruneEveryCycles = 72
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rest:                     cfg.Rest,
		markets:                  cfg.Markets,
		outcomes:                 cfg.Outcomes,
		ingest:                   cfg.Ingest,
		newMarketDetector:        cfg.NewMarketDetector,
		newOutcomeDetector:       cfg.NewOutcomeDetector,
		queue:                    cfg.Queue,
		stream:                   cfg.Stream,
		archiver:                 cfg.Archiver,
		logger:                   logger.With(slog.String("component", "sync")),
		now:                      time.Now,
		freshDeploymentThreshold: cfg.FreshDeploymentThreshold,
		maxMarketsPerCycle:       cfg.MaxMarketsPerCycle,
		maxSubscriptionHandoff:   cfg.MaxSubscriptionHandoff,
		pruneEveryCycles:         cfg.PruneEveryCycles,
		retentionDays:            cfg.RetentionDays,
	}
}

// WithClock overrides the engine's time source for deterministic tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

var _ domain.MarketSource = (*Engine)(nil)

// EnsureMarket implements domain.MarketSource: a market-store hit
// returns immediately; a cold miss fetches and syncs the single market
// in force mode rather than leaving the ingestion engine to drop the event.
func (e *Engine) EnsureMarket(ctx context.Context, id string) (domain.Market, error) {
	if m, err := e.markets.GetByID(ctx, id); err == nil {
		return m, nil
	}

	cm, found, err := e.rest.FetchMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("sync: ensure market %s: %w", id, err)
	}
	if !found {
		return domain.Market{}, domain.ErrNotFound
	}

	m, _, ok, err := e.syncOneMarket(ctx, cm, true, make(map[string]struct{}))
	if err != nil {
		return domain.Market{}, err
	}
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

var _ alert.EventSlugResolver = (*Engine)(nil)

// ResolveEventSlug implements alert.EventSlugResolver: the market's own
// slug doubles as its parent event's slug since a market never outlives
// the event it was discovered under.
func (e *Engine) ResolveEventSlug(ctx context.Context, marketID string) (string, error) {
	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("sync: resolve event slug %s: %w", marketID, err)
	}
	return m.Slug, nil
}

// RunSyncLoop runs the sync cycle immediately, then on interval, until
// ctx is cancelled. Overlapping ticks are skipped.
func (e *Engine) RunSyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	e.syncTick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "sync loop stopped")
			return
		case <-ticker.C:
			e.syncTick(ctx)
		}
	}
}

func (e *Engine) syncTick(ctx context.Context) {
	if !e.syncRunning.CompareAndSwap(false, true) {
		e.logger.DebugContext(ctx, "sync tick skipped: previous cycle still running")
		return
	}
	defer e.syncRunning.Store(false)

	written, err := e.SyncOnce(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "sync cycle failed", slog.String("error", err.Error()))
	} else {
		e.logger.InfoContext(ctx, "sync cycle complete", slog.Int("markets_written", written))
	}

	e.pruneIfDue(ctx)
}

// RunDiscoveryLoop is the high-volume discovery task: an independent
// scheduler over the same SyncOnce algorithm, on its own interval and
// overlap guard.
func (e *Engine) RunDiscoveryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "discovery loop stopped")
			return
		case <-ticker.C:
			e.discoveryTick(ctx)
		}
	}
}

func (e *Engine) discoveryTick(ctx context.Context) {
	if !e.discoveryRunning.CompareAndSwap(false, true) {
		e.logger.DebugContext(ctx, "discovery tick skipped: previous cycle still running")
		return
	}
	defer e.discoveryRunning.Store(false)

	written, err := e.SyncOnce(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "discovery cycle failed", slog.String("error", err.Error()))
	} else {
		e.logger.InfoContext(ctx, "discovery cycle complete", slog.Int("markets_written", written))
	}
}

func (e *Engine) pruneIfDue(ctx context.Context) {
	n := atomic.AddInt64(&e.cycleCount, 1)
	if n%int64(e.pruneEveryCycles) != 0 {
		return
	}
	if e.ingest == nil {
		return
	}
	deleted, err := e.ingest.Prune(ctx, e.retentionDays, e.archiver)
	if err != nil {
		e.logger.ErrorContext(ctx, "retention sweep failed", slog.String("error", err.Error()))
		return
	}
	e.logger.InfoContext(ctx, "retention sweep complete", slog.Int64("deleted", deleted))
}

// SyncOnce runs the full sync algorithm once and returns the number of
// markets actually written.
func (e *Engine) SyncOnce(ctx context.Context) (int, error) {
	count, err := e.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: count markets: %w", err)
	}
	force := count < e.freshDeploymentThreshold

	active, closed := true, false
	filter := venue.MarketFilter{Limit: pageSize, Active: &active, Closed: &closed}

	seen := make(map[string]struct{})
	var synced []domain.Market
	var handoff []string
	written := 0
	collected := 0
	consecutiveEmpty := 0

	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("sync: context cancelled: %w", err)
		}
		if collected >= e.maxMarketsPerCycle {
			break
		}

		filter.Offset = offset
		page, err := e.rest.FetchMarkets(ctx, filter)
		if err != nil {
			e.logger.ErrorContext(ctx, "fetch markets page failed",
				slog.Int("offset", offset), slog.String("error", err.Error()))
			consecutiveEmpty++
			if consecutiveEmpty >= 3 {
				break
			}
			continue
		}
		if len(page) == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= 3 {
				break
			}
			continue
		}
		consecutiveEmpty = 0
		collected += len(page)

		for _, cm := range page {
			m, tokens, ok, err := e.syncOneMarket(ctx, cm, force, seen)
			if err != nil {
				e.logger.WarnContext(ctx, "skipping market",
					slog.String("market_id", cm.ID), slog.String("error", err.Error()))
				continue
			}
			if !ok {
				continue
			}
			written++
			synced = append(synced, m)
			for _, tok := range tokens {
				if len(handoff) >= e.maxSubscriptionHandoff {
					break
				}
				handoff = append(handoff, tok)
			}
		}
	}

	e.runNewMarketDetection(ctx, synced)

	if e.stream != nil && len(handoff) > 0 {
		if err := e.stream.Subscribe(ctx, handoff); err != nil {
			e.logger.WarnContext(ctx, "subscription handoff failed", slog.String("error", err.Error()))
		}
	}

	return written, nil
}

// canonicalID resolves a venue market's id fallback chain.
func canonicalID(cm venue.CanonicalMarket) string {
	switch {
	case cm.ConditionID != "":
		return cm.ConditionID
	case cm.QuestionID != "":
		return cm.QuestionID
	case cm.ID != "":
		return cm.ID
	}
	if len(cm.Outcomes) > 0 {
		return cm.Outcomes[0].TokenID
	}
	return ""
}

// syncOneMarket syncs a single market already
// pulled from a page. seen dedupes within the current cycle.
func (e *Engine) syncOneMarket(ctx context.Context, cm venue.CanonicalMarket, force bool, seen map[string]struct{}) (domain.Market, []string, bool, error) {
	id := canonicalID(cm)
	if id == "" {
		return domain.Market{}, nil, false, nil
	}
	if _, dup := seen[id]; dup {
		return domain.Market{}, nil, false, nil
	}
	seen[id] = struct{}{}

	questionID := cm.QuestionID
	if questionID == "" && cm.ConditionID != "" {
		if qid, found, err := e.rest.FetchQuestionId(ctx, cm.ConditionID); err == nil && found {
			questionID = qid
		}
	}
	if questionID != "" && questionID != id {
		if _, err := e.markets.GetByID(ctx, questionID); err == nil {
			return domain.Market{}, nil, false, nil
		}
	}

	m := domain.Market{
		ID:         id,
		Question:   cm.Question,
		Slug:       cm.Slug,
		Category:   detectCategory(cm),
		EndDate:    cm.EndDate,
		ImageURL:   cm.Image,
		Volume:     cm.Volume,
		Volume24h:  cm.Volume24h,
		Liquidity:  cm.Liquidity,
		QuestionID: questionID,
	}

	if !force {
		if existing, err := e.markets.GetByID(ctx, id); err == nil {
			if existing.Fingerprint() == m.Fingerprint() {
				return existing, nil, false, nil
			}
		}
	}

	if err := e.markets.Upsert(ctx, m); err != nil {
		return domain.Market{}, nil, false, fmt.Errorf("upsert market %s: %w", id, err)
	}

	refs := e.deriveOutcomes(ctx, cm)
	tokens := make([]string, 0, len(refs))
	price := initialPrice(len(refs))

	for _, ref := range refs {
		if ref.Name == "" {
			continue
		}
		outcomeID := uuid.NewString()
		if existing, err := e.outcomes.GetByMarketAndName(ctx, id, ref.Name); err == nil {
			outcomeID = existing.ID
		}
		o := domain.Outcome{ID: outcomeID, MarketID: id, Name: ref.Name, TokenID: ref.TokenID, Volume: ref.Volume, Volume24h: ref.Volume24h}
		if err := e.outcomes.Upsert(ctx, o); err != nil {
			e.logger.WarnContext(ctx, "skipping outcome upsert",
				slog.String("market_id", id), slog.String("outcome", ref.Name), slog.String("error", err.Error()))
			continue
		}

		stored, err := e.outcomes.GetByMarketAndName(ctx, id, ref.Name)
		if err != nil {
			continue
		}

		e.emitSyntheticPrice(ctx, stored, price)
		e.runNewOutcomeDetection(ctx, stored, m)

		if stored.TokenID != "" {
			tokens = append(tokens, stored.TokenID)
		}
	}

	return m, tokens, true, nil
}

// deriveOutcomes resolves a market's outcome references, trying its
// richer fields first and falling back to the plain binary default.
func (e *Engine) deriveOutcomes(ctx context.Context, cm venue.CanonicalMarket) []venue.OutcomeRef {
	if refs := outcomesWithTokens(cm.Outcomes); len(refs) > 0 {
		return refs
	}

	if len(cm.SubMarkets) > 0 {
		out := make([]venue.OutcomeRef, 0, len(cm.SubMarkets))
		for _, sub := range cm.SubMarkets {
			out = append(out, venue.OutcomeRef{
				Name:      venue.BucketName(sub, ""),
				TokenID:   firstTokenID(sub),
				Volume:    sub.Volume,
				Volume24h: sub.Volume24h,
			})
		}
		if len(out) > 0 {
			return out
		}
	}

	if fetched, err := e.rest.FetchMarketTokens(ctx, cm.ID); err == nil && len(fetched) > 0 {
		return fetched
	}

	return []venue.OutcomeRef{
		{Name: "Yes", TokenID: cm.ID},
		{Name: "No", TokenID: cm.ID},
	}
}

func outcomesWithTokens(refs []venue.OutcomeRef) []venue.OutcomeRef {
	if len(refs) == 0 {
		return nil
	}
	for _, r := range refs {
		if r.TokenID == "" {
			return nil
		}
	}
	return refs
}

func firstTokenID(cm venue.CanonicalMarket) string {
	if len(cm.Outcomes) > 0 {
		return cm.Outcomes[0].TokenID
	}
	return ""
}

// initialPrice computes the seed price: 0.5 for a binary
// market, 1/N for an N-way bucket.
func initialPrice(outcomeCount int) float64 {
	if outcomeCount <= 2 {
		return 0.5
	}
	return 1.0 / float64(outcomeCount)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (e *Engine) emitSyntheticPrice(ctx context.Context, o domain.Outcome, price float64) {
	if e.ingest == nil {
		return
	}
	ev := domain.PriceEvent{
		AssetID:   o.TokenID,
		Bid:       clip01(price * 0.99),
		Ask:       clip01(price * 1.01),
		EventKind: "sync_seed",
		Timestamp: e.now(),
	}
	if err := e.ingest.HandlePriceEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "synthetic price seed failed",
			slog.String("outcome_id", o.ID), slog.String("error", err.Error()))
	}
}

func (e *Engine) runNewOutcomeDetection(ctx context.Context, o domain.Outcome, m domain.Market) {
	if e.newOutcomeDetector == nil {
		return
	}
	a, err := e.newOutcomeDetector.Check(ctx, o, m.Question, m.Category)
	if err != nil {
		e.logger.WarnContext(ctx, "new outcome detection failed", slog.String("error", err.Error()))
		return
	}
	if a != nil {
		e.enqueue(ctx, *a)
	}
}

// runNewMarketDetection runs over the full
// collected set after every market this cycle has been processed.
func (e *Engine) runNewMarketDetection(ctx context.Context, markets []domain.Market) {
	if e.newMarketDetector == nil {
		return
	}
	for _, m := range markets {
		a, err := e.newMarketDetector.Check(ctx, m, nil)
		if err != nil {
			e.logger.WarnContext(ctx, "new market detection failed",
				slog.String("market_id", m.ID), slog.String("error", err.Error()))
			continue
		}
		if a != nil {
			e.enqueue(ctx, *a)
		}
	}
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

type categoryRule struct {
	name     string
	keywords []string
}

var tagCategoryRules = []categoryRule{
	{"Crypto", []string{"crypto", "bitcoin", "ethereum"}},
	{"Politics", []string{"politics", "election"}},
	{"Sports", []string{"sports", "nba", "nfl"}},
}

var fieldCategoryRules = []categoryRule{
	{"Crypto", []string{"crypto"}},
	{"Politics", []string{"politic"}},
	{"Sports", []string{"sport"}},
	{"Entertainment", []string{"entertain"}},
}

var keywordCategoryRules = []categoryRule{
	{"Crypto", []string{"crypto", "bitcoin", "ethereum"}},
	{"Politics", []string{"politics", "election"}},
	{"Sports", []string{"sports", "nba", "nfl"}},
}

const categoryMaxLen = 100

// detectCategory resolves a market's category: tags, then
// the category field, then a question-text keyword scan, then the
// first tag, finally "All".
func detectCategory(cm venue.CanonicalMarket) string {
	category := "All"

	switch {
	case matchAny(tagCategoryRules, cm.Tags...) != "":
		category = matchAny(tagCategoryRules, cm.Tags...)
	case cm.Category != "" && matchText(fieldCategoryRules, cm.Category) != "":
		category = matchText(fieldCategoryRules, cm.Category)
	case matchText(keywordCategoryRules, cm.Question) != "":
		category = matchText(keywordCategoryRules, cm.Question)
	case len(cm.Tags) > 0:
		category = cm.Tags[0]
	}

	if len(category) > categoryMaxLen {
		category = category[:categoryMaxLen]
	}
	return category
}

func matchText(rules []categoryRule, text string) string {
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.name
			}
		}
	}
	return ""
}

func matchAny(rules []categoryRule, texts ...string) string {
	for _, t := range texts {
		if c := matchText(rules, t); c != "" {
			return c
		}
	}
	return ""
}
