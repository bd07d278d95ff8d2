package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/rolling"
)

// PriceHistoryService is the subset of domain.PriceHistoryStore the price
// handler needs.
type PriceHistoryService interface {
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PriceHistory, error)
	ListByOutcome(ctx context.Context, outcomeID string, opts domain.ListOpts) ([]domain.PriceHistory, error)
}

// RollingService is the subset of rolling.Store the price handler needs
// to serve recent trade and orderbook samples without reaching Postgres.
type RollingService interface {
	Latest(ctx context.Context, key string, n int64) ([]rolling.Point, error)
}

// OutcomeLookup resolves an outcome by id, used to translate an outcome
// id into the venue token id the rolling series are keyed by.
type OutcomeLookup interface {
	GetByID(ctx context.Context, id string) (domain.Outcome, error)
}

const defaultRollingWindow = 100

// PriceHandler serves price-history, trade, and orderbook endpoints.
type PriceHandler struct {
	priceHistory PriceHistoryService
	rolling      RollingService
	outcomes     OutcomeLookup
	logger       *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(priceHistory PriceHistoryService, rollingStore RollingService, outcomes OutcomeLookup, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{
		priceHistory: priceHistory,
		rolling:      rollingStore,
		outcomes:     outcomes,
		logger:       logger,
	}
}

type listPriceHistoryResponse struct {
	Prices []domain.PriceHistory `json:"prices"`
}

// ListMarketPrices returns the price-history rows persisted for a market.
// GET /api/markets/{id}/prices?limit=100&offset=0
func (h *PriceHandler) ListMarketPrices(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	rows, err := h.priceHistory.ListByMarket(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list market prices failed",
			slog.String("market_id", id), slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list prices")
		return
	}

	writeJSON(w, http.StatusOK, listPriceHistoryResponse{Prices: rows})
}

// ListOutcomePrices returns the price-history rows persisted for a single
// outcome.
// GET /api/outcomes/{id}/prices?limit=100&offset=0
func (h *PriceHandler) ListOutcomePrices(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing outcome id")
		return
	}

	rows, err := h.priceHistory.ListByOutcome(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list outcome prices failed",
			slog.String("outcome_id", id), slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list prices")
		return
	}

	writeJSON(w, http.StatusOK, listPriceHistoryResponse{Prices: rows})
}

// rollingSamplesResponse wraps a decoded rolling-window series.
type rollingSamplesResponse struct {
	Samples []rollingSample `json:"samples"`
}

type rollingSample struct {
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ListOutcomeTrades returns the outcome's most recent trades, sourced from
// the rolling cache series fed by ingestion rather than Postgres: trades
// are never written to the relational store, only to price history.
// GET /api/outcomes/{id}/trades?limit=100
func (h *PriceHandler) ListOutcomeTrades(w http.ResponseWriter, r *http.Request) {
	h.serveRollingSeries(w, r, "trades:")
}

// ListOutcomeOrderbook returns the outcome's most recent orderbook depth
// samples, sourced from the same rolling series the liquidity-vacuum
// detector reads.
// GET /api/outcomes/{id}/orderbook?limit=100
func (h *PriceHandler) ListOutcomeOrderbook(w http.ResponseWriter, r *http.Request) {
	h.serveRollingSeries(w, r, "orderbook:")
}

func (h *PriceHandler) serveRollingSeries(w http.ResponseWriter, r *http.Request, keyPrefix string) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing outcome id")
		return
	}

	outcome, err := h.outcomes.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "outcome not found")
		return
	}

	n := int64(defaultRollingWindow)
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			n = parsed
		}
	}

	points, err := h.rolling.Latest(r.Context(), keyPrefix+outcome.TokenID, n)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list rolling series failed",
			slog.String("outcome_id", id), slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list samples")
		return
	}

	samples := make([]rollingSample, len(points))
	for i, p := range points {
		samples[i] = rollingSample{Timestamp: p.Timestamp, Payload: p.Payload}
	}
	writeJSON(w, http.StatusOK, rollingSamplesResponse{Samples: samples})
}
