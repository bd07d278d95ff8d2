package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/rolling"
)

type fakePriceHistoryService struct {
	byMarket  []domain.PriceHistory
	byOutcome []domain.PriceHistory
}

func (f *fakePriceHistoryService) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PriceHistory, error) {
	return f.byMarket, nil
}

func (f *fakePriceHistoryService) ListByOutcome(ctx context.Context, outcomeID string, opts domain.ListOpts) ([]domain.PriceHistory, error) {
	return f.byOutcome, nil
}

type fakeRollingService struct {
	points map[string][]rolling.Point
}

func (f *fakeRollingService) Latest(ctx context.Context, key string, n int64) ([]rolling.Point, error) {
	return f.points[key], nil
}

type fakeOutcomeLookup struct {
	outcomes map[string]domain.Outcome
}

func (f *fakeOutcomeLookup) GetByID(ctx context.Context, id string) (domain.Outcome, error) {
	o, ok := f.outcomes[id]
	if !ok {
		return domain.Outcome{}, domain.ErrNotFound
	}
	return o, nil
}

func TestPriceHandlerListMarketPrices(t *testing.T) {
	t.Parallel()
	ph := &fakePriceHistoryService{byMarket: []domain.PriceHistory{{MarketID: "m1", Mid: 0.5}}}
	h := NewPriceHandler(ph, &fakeRollingService{}, &fakeOutcomeLookup{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/markets/m1/prices", nil)
	req.SetPathValue("id", "m1")
	rec := httptest.NewRecorder()
	h.ListMarketPrices(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp listPriceHistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Prices) != 1 {
		t.Fatalf("prices = %d, want 1", len(resp.Prices))
	}
}

func TestPriceHandlerListOutcomeTrades(t *testing.T) {
	t.Parallel()
	ts := time.Now().UTC()
	outcomes := &fakeOutcomeLookup{outcomes: map[string]domain.Outcome{"o1": {ID: "o1", TokenID: "tok1"}}}
	rollingSvc := &fakeRollingService{points: map[string][]rolling.Point{
		"trades:tok1": {{Timestamp: ts, Payload: []byte(`{"price":0.6}`)}},
	}}
	h := NewPriceHandler(&fakePriceHistoryService{}, rollingSvc, outcomes, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/outcomes/o1/trades", nil)
	req.SetPathValue("id", "o1")
	rec := httptest.NewRecorder()
	h.ListOutcomeTrades(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp rollingSamplesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(resp.Samples))
	}
}

func TestPriceHandlerListOutcomeOrderbookUnknownOutcome(t *testing.T) {
	t.Parallel()
	h := NewPriceHandler(&fakePriceHistoryService{}, &fakeRollingService{}, &fakeOutcomeLookup{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/outcomes/missing/orderbook", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	h.ListOutcomeOrderbook(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPriceHandlerListOutcomePricesMissingID(t *testing.T) {
	t.Parallel()
	h := NewPriceHandler(&fakePriceHistoryService{}, &fakeRollingService{}, &fakeOutcomeLookup{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/outcomes//prices", nil)
	rec := httptest.NewRecorder()
	h.ListOutcomePrices(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
