package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// MarketService defines the methods the market handler requires from the
// store layer. Declared locally so this package depends on a narrow
// capability rather than the full domain.MarketStore surface.
type MarketService interface {
	GetByID(ctx context.Context, id string) (domain.Market, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	ListByCategory(ctx context.Context, category string, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context) (int64, error)
}

// OutcomeService defines the methods the market handler requires to list
// a market's outcomes.
type OutcomeService interface {
	ListByMarket(ctx context.Context, marketID string) ([]domain.Outcome, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets  MarketService
	outcomes OutcomeService
	logger   *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given stores and logger.
func NewMarketHandler(markets MarketService, outcomes OutcomeService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:  markets,
		outcomes: outcomes,
		logger:   logger,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns active markets with pagination, optionally filtered
// by category.
// GET /api/markets?limit=50&offset=0&category=Politics
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	category := r.URL.Query().Get("category")

	var (
		markets []domain.Market
		err     error
	)
	if category != "" {
		markets, err = h.markets.ListByCategory(r.Context(), category, opts)
	} else {
		markets, err = h.markets.ListActive(r.Context(), opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// listOutcomesResponse wraps the outcome listing output.
type listOutcomesResponse struct {
	Outcomes []domain.Outcome `json:"outcomes"`
}

// ListOutcomes returns every outcome belonging to a market.
// GET /api/markets/{id}/outcomes
func (h *MarketHandler) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	outcomes, err := h.outcomes.ListByMarket(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list outcomes failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}

	writeJSON(w, http.StatusOK, listOutcomesResponse{Outcomes: outcomes})
}
