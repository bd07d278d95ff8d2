// Package alert implements the alert throttle and dispatcher: a
// cache-backed, restart-surviving cooldown gate in front of a two-ticker
// cooperative dispatch loop. Cooldown state is kept in domain.Cache so
// it survives a process restart instead of living in an in-process map.
package alert

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// defaultCooldownSeconds is used when no per-type or per-severity
// override applies.
const defaultCooldownSeconds = 600

// perTypeCooldownSeconds is the default per-type cooldown table.
var perTypeCooldownSeconds = map[domain.AlertType]int{
	domain.AlertTypeInsiderMove:        600,
	domain.AlertTypeFatFinger:          300,
	domain.AlertTypeLiquidityVacuum:    300,
	domain.AlertTypeWhaleTrade:         60,
	domain.AlertTypeVolumeAcceleration: 600,
}

// ThrottleConfig configures the Throttle.
type ThrottleConfig struct {
	// CriticalBypass skips throttling entirely for critical-severity
	// alerts. New keeps the value as given, so the zero value leaves the
	// bypass off; config.Defaults turns it on.
	CriticalBypass bool
	// DefaultCooldownSeconds overrides defaultCooldownSeconds when > 0.
	DefaultCooldownSeconds int
	// PerTypeCooldownSeconds overrides perTypeCooldownSeconds entries.
	PerTypeCooldownSeconds map[string]int
	// PerSeverityCooldownSeconds takes priority over per-type when the
	// alert's severity has an entry.
	PerSeverityCooldownSeconds map[string]int
}

// Throttle is the cache-backed cooldown gate in front of alert delivery.
type Throttle struct {
	cache domain.Cache
	cfg   ThrottleConfig
	now   func() time.Time
}

// New creates a Throttle.
func New(cache domain.Cache, cfg ThrottleConfig) *Throttle {
	if cfg.DefaultCooldownSeconds <= 0 {
		cfg.DefaultCooldownSeconds = defaultCooldownSeconds
	}
	return &Throttle{cache: cache, cfg: cfg, now: time.Now}
}

// WithClock overrides the throttle's time source for deterministic tests.
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.now = now
	return t
}

func marketKey(marketID string) string {
	return fmt.Sprintf("throttle:market:%s", marketID)
}

func marketTypeKey(marketID string, alertType domain.AlertType) string {
	return fmt.Sprintf("throttle:market:%s:%s", marketID, alertType)
}

// cooldownFor resolves the cooldown duration for an alert: severity
// override first, then per-type, then the default.
func (t *Throttle) cooldownFor(a domain.Alert) time.Duration {
	if secs, ok := t.cfg.PerSeverityCooldownSeconds[string(a.Severity)]; ok {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := t.cfg.PerTypeCooldownSeconds[string(a.Type)]; ok {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := perTypeCooldownSeconds[a.Type]; ok {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(t.cfg.DefaultCooldownSeconds) * time.Second
}

// Allow reports whether a may be delivered now. A critical alert with
// CriticalBypass enabled always passes without consulting the cache.
func (t *Throttle) Allow(ctx context.Context, a domain.Alert) (bool, error) {
	if a.Severity == domain.SeverityCritical && t.cfg.CriticalBypass {
		return true, nil
	}

	_, onMarket, err := t.cache.Get(ctx, marketKey(a.MarketID))
	if err != nil {
		return false, fmt.Errorf("alert: throttle check market key: %w", err)
	}
	if onMarket {
		return false, nil
	}

	_, onMarketType, err := t.cache.Get(ctx, marketTypeKey(a.MarketID, a.Type))
	if err != nil {
		return false, fmt.Errorf("alert: throttle check market/type key: %w", err)
	}
	return !onMarketType, nil
}

// RecordDelivery marks a as delivered, setting both throttle keys to now
// with the resolved cooldown TTL.
func (t *Throttle) RecordDelivery(ctx context.Context, a domain.Alert) error {
	cooldown := t.cooldownFor(a)
	now := t.now().Format(time.RFC3339)

	if err := t.cache.SetEx(ctx, marketKey(a.MarketID), now, cooldown); err != nil {
		return fmt.Errorf("alert: record delivery market key: %w", err)
	}
	if err := t.cache.SetEx(ctx, marketTypeKey(a.MarketID, a.Type), now, cooldown); err != nil {
		return fmt.Errorf("alert: record delivery market/type key: %w", err)
	}
	return nil
}

// TimeUntilNext returns the ceiling of the remaining cooldown seconds
// before another alert of a's type may be delivered for a's market,
// using the same severity/type/default resolution order as
// RecordDelivery. It returns 0 when the market/type pair is not
// currently throttled.
func (t *Throttle) TimeUntilNext(ctx context.Context, a domain.Alert) (time.Duration, error) {
	raw, ok, err := t.cache.Get(ctx, marketTypeKey(a.MarketID, a.Type))
	if err != nil {
		return 0, fmt.Errorf("alert: time until next: %w", err)
	}
	if !ok {
		return 0, nil
	}

	set, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, nil
	}

	elapsed := t.now().Sub(set)
	remaining := t.cooldownFor(a) - elapsed
	if remaining <= 0 {
		return 0, nil
	}
	return time.Duration(math.Ceil(remaining.Seconds())) * time.Second, nil
}
