package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/monitorbot/monitorbot/internal/alert"
	"github.com/monitorbot/monitorbot/internal/anomaly"
	redisdriver "github.com/monitorbot/monitorbot/internal/cache/redis"
	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/ingest"
	"github.com/monitorbot/monitorbot/internal/platform/venue"
	"github.com/monitorbot/monitorbot/internal/rolling"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) domain.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	client := redisdriver.NewClientFromDriver(rdb)
	return redisdriver.NewCache(client)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMarketStore is an in-memory domain.MarketStore.
type fakeMarketStore struct {
	mu   sync.Mutex
	byID map[string]domain.Market
}

func newFakeMarketStore() *fakeMarketStore {
	return &fakeMarketStore{byID: make(map[string]domain.Market)}
}

func (s *fakeMarketStore) Upsert(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID] = m
	return nil
}

func (s *fakeMarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	for _, m := range markets {
		if err := s.Upsert(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeMarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *fakeMarketStore) GetBySlug(ctx context.Context, slug string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byID {
		if m.Slug == slug {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (s *fakeMarketStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Market, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeMarketStore) ListByCategory(ctx context.Context, category string, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Market, 0)
	for _, m := range s.byID {
		if m.Category == category {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMarketStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.byID)), nil
}

// fakeOutcomeStore is an in-memory domain.OutcomeStore.
type fakeOutcomeStore struct {
	mu      sync.Mutex
	seq     int
	rows    []domain.Outcome
	byToken map[string]domain.Outcome
}

func newFakeOutcomeStore() *fakeOutcomeStore {
	return &fakeOutcomeStore{byToken: make(map[string]domain.Outcome)}
}

func (s *fakeOutcomeStore) Upsert(ctx context.Context, o domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.rows {
		if existing.MarketID == o.MarketID && existing.Name == o.Name {
			o.ID = existing.ID
			s.rows[i] = o
			if o.TokenID != "" {
				s.byToken[o.TokenID] = o
			}
			return nil
		}
	}
	s.seq++
	o.ID = fmt.Sprintf("outcome-%d", s.seq)
	o.CreatedAt = time.Now()
	s.rows = append(s.rows, o)
	if o.TokenID != "" {
		s.byToken[o.TokenID] = o
	}
	return nil
}

func (s *fakeOutcomeStore) GetByID(ctx context.Context, id string) (domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.rows {
		if o.ID == id {
			return o, nil
		}
	}
	return domain.Outcome{}, domain.ErrNotFound
}

func (s *fakeOutcomeStore) GetByTokenID(ctx context.Context, tokenID string) (domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byToken[tokenID]
	if !ok {
		return domain.Outcome{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *fakeOutcomeStore) GetByMarketAndName(ctx context.Context, marketID, name string) (domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.rows {
		if o.MarketID == marketID && o.Name == name {
			return o, nil
		}
	}
	return domain.Outcome{}, domain.ErrNotFound
}

func (s *fakeOutcomeStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Outcome, 0)
	for _, o := range s.rows {
		if o.MarketID == marketID {
			out = append(out, o)
		}
	}
	return out, nil
}

// fakePriceHistoryStore is a minimal domain.PriceHistoryStore.
type fakePriceHistoryStore struct {
	mu   sync.Mutex
	rows []domain.PriceHistory
}

func (s *fakePriceHistoryStore) Insert(ctx context.Context, p domain.PriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, p)
	return nil
}

func (s *fakePriceHistoryStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PriceHistory, error) {
	return nil, nil
}

func (s *fakePriceHistoryStore) ListByOutcome(ctx context.Context, outcomeID string, opts domain.ListOpts) ([]domain.PriceHistory, error) {
	return nil, nil
}

func (s *fakePriceHistoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *fakePriceHistoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// fixtureMarket is the wire shape a fake venue REST server emits.
type fixtureMarket struct {
	ConditionID string   `json:"conditionId"`
	QuestionID  string   `json:"questionId"`
	Question    string   `json:"question"`
	Slug        string   `json:"slug"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Active      bool     `json:"active"`
	Closed      bool     `json:"closed"`
	Outcomes    []string `json:"outcomes"`
	ClobTokenID []string `json:"clobTokenIds"`
}

func newFixtureServer(t *testing.T, page1 []fixtureMarket) *httptest.Server {
	t.Helper()
	served := false
	mux := http.NewServeMux()
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if served {
			json.NewEncoder(w).Encode([]fixtureMarket{})
			return
		}
		served = true
		json.NewEncoder(w).Encode(page1)
	})
	mux.HandleFunc("/markets/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/markets/"):]
		for _, m := range page1 {
			if m.ConditionID == id || m.Slug == id || m.QuestionID == id {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(m)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, rest *venue.RestClient, markets domain.MarketStore, outcomes domain.OutcomeStore) (*Engine, *ingest.Engine) {
	t.Helper()
	cache := newTestCache(t)
	rollingStore := rolling.New(cache)
	detector := anomaly.New(cache, rollingStore)
	queue := alert.NewQueue(cache)
	priceHistory := &fakePriceHistoryStore{}

	ing := ingest.NewEngine(ingest.EngineConfig{
		Cache:        cache,
		Rolling:      rollingStore,
		Detector:     detector,
		PriceHistory: priceHistory,
		Outcomes:     outcomes,
		Queue:        queue,
		Logger:       discardLogger(),
	})

	newMarketDetector := anomaly.NewNewMarketDetector(cache)
	newOutcomeDetector := anomaly.NewNewOutcomeDetector(cache)

	e := NewEngine(EngineConfig{
		Rest:               rest,
		Markets:            markets,
		Outcomes:           outcomes,
		Ingest:             ing,
		NewMarketDetector:  newMarketDetector,
		NewOutcomeDetector: newOutcomeDetector,
		Queue:              queue,
		Logger:             discardLogger(),
	})
	return e, ing
}

func TestSyncOnceWritesNewMarketWithOutcomes(t *testing.T) {
	t.Parallel()
	srv := newFixtureServer(t, []fixtureMarket{
		{
			ConditionID: "cond-1",
			QuestionID:  "q-1",
			Question:    "Will it rain tomorrow?",
			Slug:        "will-it-rain",
			Category:    "Weather",
			Active:      true,
			Outcomes:    []string{"Yes", "No"},
			ClobTokenID: []string{"tok-yes", "tok-no"},
		},
	})

	rest := venue.NewRestClient(venue.RestConfig{BaseURL: srv.URL})
	markets := newFakeMarketStore()
	outcomes := newFakeOutcomeStore()
	e, _ := newTestEngine(t, rest, markets, outcomes)

	written, err := e.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if written != 1 {
		t.Fatalf("written = %d, want 1", written)
	}

	m, err := markets.GetByID(context.Background(), "cond-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if m.Question != "Will it rain tomorrow?" {
		t.Fatalf("question = %q", m.Question)
	}

	rows, err := outcomes.ListByMarket(context.Background(), "cond-1")
	if err != nil {
		t.Fatalf("ListByMarket: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("outcome count = %d, want 2", len(rows))
	}
}

func TestSyncOnceSkipsUnchangedMarketOutsideForceWindow(t *testing.T) {
	t.Parallel()
	fixture := fixtureMarket{
		ConditionID: "cond-1",
		QuestionID:  "q-1",
		Question:    "Will it rain tomorrow?",
		Slug:        "will-it-rain",
		Category:    "Weather",
		Active:      true,
		Outcomes:    []string{"Yes", "No"},
		ClobTokenID: []string{"tok-yes", "tok-no"},
	}
	srv := newFixtureServer(t, []fixtureMarket{fixture})

	rest := venue.NewRestClient(venue.RestConfig{BaseURL: srv.URL})
	markets := newFakeMarketStore()
	outcomes := newFakeOutcomeStore()
	e, _ := newTestEngine(t, rest, markets, outcomes)
	e.freshDeploymentThreshold = 0

	ctx := context.Background()
	if _, err := e.SyncOnce(ctx); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}

	srv2 := newFixtureServer(t, []fixtureMarket{fixture})
	e.rest = venue.NewRestClient(venue.RestConfig{BaseURL: srv2.URL})

	written, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}
	if written != 0 {
		t.Fatalf("written = %d, want 0 for unchanged fingerprint", written)
	}
}

func TestSyncOnceSuppressesChildWhenParentKnown(t *testing.T) {
	t.Parallel()
	parent := fixtureMarket{
		ConditionID: "parent-1",
		QuestionID:  "parent-1",
		Question:    "Parent market",
		Slug:        "parent-market",
		Active:      true,
		Outcomes:    []string{"Yes", "No"},
		ClobTokenID: []string{"tok-p-yes", "tok-p-no"},
	}
	child := fixtureMarket{
		ConditionID: "child-1",
		QuestionID:  "parent-1",
		Question:    "Child market",
		Slug:        "child-market",
		Active:      true,
		Outcomes:    []string{"Yes", "No"},
		ClobTokenID: []string{"tok-c-yes", "tok-c-no"},
	}

	rest := venue.NewRestClient(venue.RestConfig{BaseURL: newFixtureServer(t, []fixtureMarket{parent}).URL})
	markets := newFakeMarketStore()
	outcomes := newFakeOutcomeStore()
	e, _ := newTestEngine(t, rest, markets, outcomes)

	ctx := context.Background()
	if _, err := e.SyncOnce(ctx); err != nil {
		t.Fatalf("sync parent: %v", err)
	}

	e.rest = venue.NewRestClient(venue.RestConfig{BaseURL: newFixtureServer(t, []fixtureMarket{child}).URL})
	written, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync child: %v", err)
	}
	if written != 0 {
		t.Fatalf("written = %d, want 0 (child suppressed, its questionId already names parent-1)", written)
	}
	if _, err := markets.GetByID(ctx, "child-1"); err == nil {
		t.Fatal("expected child-1 to not be stored")
	}
}

func TestEnsureMarketFetchesOnColdMiss(t *testing.T) {
	t.Parallel()
	srv := newFixtureServer(t, []fixtureMarket{
		{
			ConditionID: "cond-9",
			QuestionID:  "q-9",
			Question:    "Cold miss market",
			Slug:        "cold-miss",
			Active:      true,
			Outcomes:    []string{"Yes", "No"},
			ClobTokenID: []string{"tok-9-yes", "tok-9-no"},
		},
	})
	rest := venue.NewRestClient(venue.RestConfig{BaseURL: srv.URL})
	markets := newFakeMarketStore()
	outcomes := newFakeOutcomeStore()
	e, _ := newTestEngine(t, rest, markets, outcomes)

	m, err := e.EnsureMarket(context.Background(), "cond-9")
	if err != nil {
		t.Fatalf("EnsureMarket: %v", err)
	}
	if m.Question != "Cold miss market" {
		t.Fatalf("question = %q", m.Question)
	}
}

func TestInitialPriceBinaryAndBucket(t *testing.T) {
	t.Parallel()
	if p := initialPrice(2); p != 0.5 {
		t.Fatalf("binary initial price = %v, want 0.5", p)
	}
	if p := initialPrice(4); p != 0.25 {
		t.Fatalf("4-way initial price = %v, want 0.25", p)
	}
	if p := initialPrice(0); p != 0.5 {
		t.Fatalf("zero outcome initial price = %v, want 0.5 fallback", p)
	}
}

func TestDetectCategoryPrefersTagsOverKeywords(t *testing.T) {
	t.Parallel()
	cm := venue.CanonicalMarket{
		Question: "Will the election outcome surprise markets?",
		Tags:     []string{"Crypto"},
	}
	if got := detectCategory(cm); got != "Crypto" {
		t.Fatalf("category = %q, want Crypto (tag wins over keyword scan)", got)
	}
}

func TestDetectCategoryFallsBackToAll(t *testing.T) {
	t.Parallel()
	cm := venue.CanonicalMarket{Question: "Will the widget ship on time?"}
	if got := detectCategory(cm); got != "All" {
		t.Fatalf("category = %q, want All", got)
	}
}

func TestCanonicalIDFallsBackThroughChain(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cm   venue.CanonicalMarket
		want string
	}{
		{"condition id wins", venue.CanonicalMarket{ConditionID: "c1", QuestionID: "q1", ID: "i1"}, "c1"},
		{"question id fallback", venue.CanonicalMarket{QuestionID: "q1", ID: "i1"}, "q1"},
		{"id fallback", venue.CanonicalMarket{ID: "i1"}, "i1"},
		{"outcome token fallback", venue.CanonicalMarket{Outcomes: []venue.OutcomeRef{{TokenID: "tok-1"}}}, "tok-1"},
		{"empty", venue.CanonicalMarket{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := canonicalID(tc.cm); got != tc.want {
				t.Fatalf("canonicalID = %q, want %q", got, tc.want)
			}
		})
	}
}
