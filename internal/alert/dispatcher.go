package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// Default ages and scan bounds, overridable via
// DispatcherConfig.MaxAge/CleanupAge.
const (
	defaultMaxAlertAge     = 10 * time.Minute
	defaultCleanupAlertAge = 30 * time.Minute
	startupScanLimit       = 1000
	cleanupScanLimit       = 100
	eventSlugTTL           = 24 * time.Hour
)

func eventSlugKey(marketID string) string {
	return fmt.Sprintf("event_slug:%s", marketID)
}

// dispatchState is the dispatcher's IDLE/PROCESSING/STOPPED machine.
type dispatchState int32

const (
	stateStopped dispatchState = iota
	stateIdle
	stateProcessing
)

func (s dispatchState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateProcessing:
		return "processing"
	default:
		return "stopped"
	}
}

// EventSlugResolver resolves a market's canonical parent-event slug,
// normally backed by the venue REST client's event/market fetch. A nil
// resolver simply means enrichment skips the slug.
type EventSlugResolver interface {
	ResolveEventSlug(ctx context.Context, marketID string) (string, error)
}

// DispatcherConfig bundles a Dispatcher's dependencies.
type DispatcherConfig struct {
	Cache        domain.Cache
	Throttle     *Throttle
	Markets      domain.MarketStore
	Outcomes     domain.OutcomeStore
	Channels     []domain.NotifyChannel
	SlugResolver EventSlugResolver
	Logger       *slog.Logger

	// ProcessInterval and CleanupInterval default to 2s/5m when unset.
	ProcessInterval time.Duration
	CleanupInterval time.Duration

	// MaxAge and CleanupAge default to 10m/30m when unset.
	MaxAge     time.Duration
	CleanupAge time.Duration
}

// Dispatcher is a cooperative two-ticker loop: a process tick pops,
// filters, enriches, and fans out pending alerts, and a cleanup tick
// evicts stale or malformed entries the process tick never reached.
type Dispatcher struct {
	cache        domain.Cache
	throttle     *Throttle
	markets      domain.MarketStore
	outcomes     domain.OutcomeStore
	channels     []domain.NotifyChannel
	slugResolver EventSlugResolver
	logger       *slog.Logger
	now          func() time.Time

	processInterval time.Duration
	cleanupInterval time.Duration
	maxAlertAge     time.Duration
	cleanupAlertAge time.Duration

	mu     sync.Mutex
	state  dispatchState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher in the STOPPED state.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 2 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAlertAge
	}
	if cfg.CleanupAge <= 0 {
		cfg.CleanupAge = defaultCleanupAlertAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cache:           cfg.Cache,
		throttle:        cfg.Throttle,
		markets:         cfg.Markets,
		outcomes:        cfg.Outcomes,
		channels:        cfg.Channels,
		slugResolver:    cfg.SlugResolver,
		logger:          logger.With(slog.String("component", "alert.dispatcher")),
		now:             time.Now,
		processInterval: cfg.ProcessInterval,
		cleanupInterval: cfg.CleanupInterval,
		maxAlertAge:     cfg.MaxAge,
		cleanupAlertAge: cfg.CleanupAge,
		state:           stateStopped,
	}
}

// WithClock overrides the dispatcher's time source for deterministic tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// State reports the dispatcher's current machine state.
func (d *Dispatcher) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.String()
}

func (d *Dispatcher) setState(s dispatchState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Start runs the startup eviction scan and launches the two-ticker loop.
// Calling Start while already running is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.state != stateStopped {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.state = stateIdle
	d.mu.Unlock()

	d.evictStaleOnStartup(runCtx)

	d.wg.Add(1)
	go d.run(runCtx)
}

// Stop cancels both timers and blocks until the current tick (if any)
// finishes.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.state == stateStopped || d.cancel == nil {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	processTicker := time.NewTicker(d.processInterval)
	cleanupTicker := time.NewTicker(d.cleanupInterval)
	defer processTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.setState(stateStopped)
			return
		case <-processTicker.C:
			d.processTick(ctx)
		case <-cleanupTicker.C:
			d.cleanupTick(ctx)
		}
	}
}

// evictStaleOnStartup runs the startup scan: pop-tail while the
// oldest entry is stale or malformed, bounded to startupScanLimit scans.
func (d *Dispatcher) evictStaleOnStartup(ctx context.Context) {
	evicted := 0
	for i := 0; i < startupScanLimit; i++ {
		raw, ok, err := d.cache.LIndex(ctx, pendingQueueKey, -1)
		if err != nil {
			d.logger.ErrorContext(ctx, "startup scan lindex failed", slog.String("error", err.Error()))
			return
		}
		if !ok {
			return
		}
		if !d.isStaleOrMalformed(raw, d.maxAlertAge) {
			return
		}
		if _, _, err := d.cache.LPopTail(ctx, pendingQueueKey); err != nil {
			d.logger.ErrorContext(ctx, "startup scan lpoptail failed", slog.String("error", err.Error()))
			return
		}
		evicted++
	}
	if evicted > 0 {
		d.logger.InfoContext(ctx, "startup evicted stale alerts", slog.Int("count", evicted))
	}
}

func (d *Dispatcher) isStaleOrMalformed(raw string, maxAge time.Duration) bool {
	var a domain.Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return true
	}
	return d.now().Sub(a.Timestamp) > maxAge
}

// processTick pops, filters, enriches, and delivers one pending alert.
func (d *Dispatcher) processTick(ctx context.Context) {
	d.setState(stateProcessing)
	defer d.setState(stateIdle)

	raw, ok, err := d.cache.LPopHead(ctx, pendingQueueKey)
	if err != nil {
		d.logger.ErrorContext(ctx, "pop pending alert failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}

	var a domain.Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		d.logger.WarnContext(ctx, "discarding malformed alert", slog.String("error", err.Error()))
		return
	}

	if d.now().Sub(a.Timestamp) > d.maxAlertAge {
		d.logger.DebugContext(ctx, "skipping stale alert",
			slog.String("market_id", a.MarketID), slog.String("type", string(a.Type)))
		return
	}

	allow, err := d.throttle.Allow(ctx, a)
	if err != nil {
		d.logger.ErrorContext(ctx, "throttle check failed", slog.String("error", err.Error()))
		return
	}
	if !allow {
		d.logger.DebugContext(ctx, "alert throttled",
			slog.String("market_id", a.MarketID), slog.String("type", string(a.Type)))
		return
	}

	formatted := d.enrichAndFormat(ctx, a)
	d.fanOut(ctx, formatted)

	if err := d.throttle.RecordDelivery(ctx, a); err != nil {
		d.logger.ErrorContext(ctx, "record delivery failed", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) enrichAndFormat(ctx context.Context, a domain.Alert) domain.FormattedAlert {
	marketQuestion := ""
	if d.markets != nil && a.MarketID != "" {
		if m, err := d.markets.GetByID(ctx, a.MarketID); err == nil {
			marketQuestion = m.Question
		}
	}

	outcomeName := a.OutcomeName
	if outcomeName == "" && d.outcomes != nil && a.OutcomeID != "" {
		if o, err := d.outcomes.GetByID(ctx, a.OutcomeID); err == nil {
			outcomeName = o.Name
		}
	}

	eventSlug := d.resolveEventSlug(ctx, a.MarketID)

	title, message := formatAlert(a, marketQuestion, outcomeName, eventSlug)
	return domain.FormattedAlert{Alert: a, Title: title, Message: message}
}

// resolveEventSlug does a cache-then-resolver lookup for marketID's
// parent event slug.
func (d *Dispatcher) resolveEventSlug(ctx context.Context, marketID string) string {
	if marketID == "" {
		return ""
	}

	key := eventSlugKey(marketID)
	if cached, found, err := d.cache.Get(ctx, key); err == nil && found {
		return cached
	}

	if d.slugResolver == nil {
		return ""
	}
	slug, err := d.slugResolver.ResolveEventSlug(ctx, marketID)
	if err != nil || slug == "" {
		return ""
	}
	if err := d.cache.SetEx(ctx, key, slug, eventSlugTTL); err != nil {
		d.logger.WarnContext(ctx, "cache event slug failed", slog.String("error", err.Error()))
	}
	return slug
}

// fanOut delivers formatted to every enabled channel concurrently; one
// channel's failure never blocks or fails another (allSettled semantics).
func (d *Dispatcher) fanOut(ctx context.Context, formatted domain.FormattedAlert) {
	var wg sync.WaitGroup
	for _, ch := range d.channels {
		if !ch.Enabled() {
			continue
		}
		wg.Add(1)
		go func(ch domain.NotifyChannel) {
			defer wg.Done()
			if !ch.Send(ctx, formatted) {
				d.logger.WarnContext(ctx, "channel delivery failed", slog.String("channel", ch.Name()))
			}
		}(ch)
	}
	wg.Wait()
}

// cleanupTick pops tail while malformed or older than the configured
// cleanup age, bounded to cleanupScanLimit scans.
func (d *Dispatcher) cleanupTick(ctx context.Context) {
	d.setState(stateProcessing)
	defer d.setState(stateIdle)

	for i := 0; i < cleanupScanLimit; i++ {
		raw, ok, err := d.cache.LIndex(ctx, pendingQueueKey, -1)
		if err != nil {
			d.logger.ErrorContext(ctx, "cleanup lindex failed", slog.String("error", err.Error()))
			return
		}
		if !ok {
			return
		}
		if !d.isStaleOrMalformed(raw, d.cleanupAlertAge) {
			return
		}
		if _, _, err := d.cache.LPopTail(ctx, pendingQueueKey); err != nil {
			d.logger.ErrorContext(ctx, "cleanup lpoptail failed", slog.String("error", err.Error()))
			return
		}
	}
}
