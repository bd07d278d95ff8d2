package alert

import (
	"fmt"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// formatAlert renders a human-readable title and message for a.
// marketQuestion/outcomeName/eventSlug are enrichment data looked up by
// the dispatcher; any of them may be empty when the lookup missed, in
// which case the alert's own ids are used as a fallback label.
func formatAlert(a domain.Alert, marketQuestion, outcomeName, eventSlug string) (title, message string) {
	label := marketQuestion
	if label == "" {
		label = a.MarketID
	}
	if eventSlug != "" {
		label = fmt.Sprintf("%s (%s)", label, eventSlug)
	}
	outcome := outcomeName
	if outcome == "" {
		outcome = a.OutcomeName
	}

	switch a.Type {
	case domain.AlertTypePriceVelocity:
		d := a.PriceVelocity
		title = fmt.Sprintf("[%s] Price velocity: %s", a.Severity, label)
		if d != nil {
			message = fmt.Sprintf("%s moved %.1f%% (%.3f -> %.3f) over %.0fs",
				outcome, d.PercentageChange*100, d.LastPrice, d.CurrentPrice, d.DeltaSeconds)
		}

	case domain.AlertTypeVolumeAcceleration:
		d := a.VolumeAcceleration
		title = fmt.Sprintf("[%s] Volume acceleration: %s", a.Severity, label)
		if d != nil {
			message = fmt.Sprintf("%s volume $%.0f vs average $%.0f (z=%.2f)",
				outcome, d.CurrentVolume, d.AverageVolume, d.ZScore)
		}

	case domain.AlertTypeInsiderMove:
		d := a.InsiderMove
		title = fmt.Sprintf("[%s] Possible insider move: %s", a.Severity, label)
		if d != nil {
			message = fmt.Sprintf("%s price +%.1f%% alongside a volume spike (z=%.2f)",
				outcome, d.PriceVelocity.PercentageChange*100, d.VolumeAcceleration.ZScore)
		}

	case domain.AlertTypeFatFinger:
		d := a.FatFinger
		title = fmt.Sprintf("[%s] Fat finger: %s", a.Severity, label)
		if d != nil {
			message = fmt.Sprintf("%s spiked %.1f%% to %.3f then reverted %.1f%% to %.3f",
				outcome, d.PercentageChange*100, d.SpikePrice, d.ReversionChange*100, d.ReversionPrice)
		}

	case domain.AlertTypeLiquidityVacuum:
		d := a.LiquidityVacuum
		title = fmt.Sprintf("[%s] Liquidity vacuum: %s", a.Severity, label)
		if d != nil {
			if d.Spread > 0 && d.PriorDepth == 0 && d.CurrentDepth == 0 {
				message = fmt.Sprintf("%s spread widened to %.3f", outcome, d.Spread)
			} else {
				message = fmt.Sprintf("%s depth dropped %.0f%% (%.0f -> %.0f)",
					outcome, d.DepthDropPct*100, d.PriorDepth, d.CurrentDepth)
			}
		}

	case domain.AlertTypeWhaleTrade:
		d := a.WhaleTrade
		title = fmt.Sprintf("[%s] Whale trade: %s", a.Severity, label)
		if d != nil {
			message = fmt.Sprintf("%s %s trade of $%.0f at %.3f", outcome, d.Side, d.TradeSize, d.Price)
		}

	case domain.AlertTypeNewMarket:
		title = fmt.Sprintf("[%s] New market: %s", a.Severity, label)
		if a.NewEntity != nil && a.NewEntity.Keyword != "" {
			message = fmt.Sprintf("newly discovered, matched keyword %q", a.NewEntity.Keyword)
		} else {
			message = "newly discovered"
		}

	case domain.AlertTypeNewOutcome:
		title = fmt.Sprintf("[%s] New outcome: %s", a.Severity, label)
		if a.NewEntity != nil && a.NewEntity.Keyword != "" {
			message = fmt.Sprintf("%s newly discovered, matched keyword %q", outcome, a.NewEntity.Keyword)
		} else {
			message = fmt.Sprintf("%s newly discovered", outcome)
		}

	default:
		title = fmt.Sprintf("[%s] Alert: %s", a.Severity, label)
		message = a.Message
	}

	if message == "" {
		message = a.Message
	}
	return title, message
}
