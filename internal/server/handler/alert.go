package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// AlertCache is the subset of domain.Cache the alert handler needs to
// peek at the dispatcher's pending queues without popping them.
type AlertCache interface {
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// CooldownResolver reports the remaining throttle cooldown for an alert's
// market/type/severity combination.
type CooldownResolver interface {
	TimeUntilNext(ctx context.Context, a domain.Alert) (time.Duration, error)
}

const pendingAlertsKey = "alerts:pending"

func marketAlertsKey(marketID string) string {
	return "alerts:market:" + marketID
}

// AlertHandler serves recently queued alerts for operator inspection. It
// peeks the dispatcher's cache-backed lists rather than popping them, so
// browsing alerts never competes with the dispatcher for delivery.
type AlertHandler struct {
	cache    AlertCache
	throttle CooldownResolver
	logger   *slog.Logger
}

// NewAlertHandler creates an AlertHandler. throttle may be nil, in which
// case GetCooldown always reports no active cooldown.
func NewAlertHandler(cache AlertCache, throttle CooldownResolver, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{cache: cache, throttle: throttle, logger: logger}
}

type listAlertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
}

// ListRecentAlerts returns the most recently queued alerts across every
// market, newest first.
// GET /api/alerts?limit=50
func (h *AlertHandler) ListRecentAlerts(w http.ResponseWriter, r *http.Request) {
	h.listFromKey(w, r, pendingAlertsKey)
}

// ListMarketAlerts returns the most recently queued alerts for a single
// market, newest first.
// GET /api/markets/{id}/alerts?limit=50
func (h *AlertHandler) ListMarketAlerts(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	h.listFromKey(w, r, marketAlertsKey(id))
}

type cooldownResponse struct {
	MarketID         string `json:"market_id"`
	Type             string `json:"type"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Throttled        bool   `json:"throttled"`
}

// GetCooldown reports how many seconds remain before another alert of
// the given type may be delivered for a market.
// GET /api/markets/{id}/alerts/cooldown?type=whale_trade&severity=medium
func (h *AlertHandler) GetCooldown(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	alertType := r.URL.Query().Get("type")
	if alertType == "" {
		writeError(w, http.StatusBadRequest, "missing type")
		return
	}
	if h.throttle == nil {
		writeJSON(w, http.StatusOK, cooldownResponse{MarketID: id, Type: alertType})
		return
	}

	a := domain.Alert{
		MarketID: id,
		Type:     domain.AlertType(alertType),
		Severity: domain.Severity(r.URL.Query().Get("severity")),
	}
	remaining, err := h.throttle.TimeUntilNext(r.Context(), a)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: cooldown lookup failed",
			slog.String("market_id", id), slog.String("type", alertType), slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to resolve cooldown")
		return
	}

	writeJSON(w, http.StatusOK, cooldownResponse{
		MarketID:         id,
		Type:             alertType,
		RemainingSeconds: int(remaining.Seconds()),
		Throttled:        remaining > 0,
	})
}

func (h *AlertHandler) listFromKey(w http.ResponseWriter, r *http.Request, key string) {
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	raw, err := h.cache.LRange(r.Context(), key, 0, limit-1)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list alerts failed",
			slog.String("key", key), slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	alerts := make([]domain.Alert, 0, len(raw))
	for _, entry := range raw {
		var a domain.Alert
		if err := json.Unmarshal([]byte(entry), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}

	writeJSON(w, http.StatusOK, listAlertsResponse{Alerts: alerts})
}
