package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/monitorbot/monitorbot/internal/domain"
)

// newTestClient connects to a throwaway Postgres database and runs
// migrations. It skips the test when no DSN is configured: these tests
// exercise real SQL (ON CONFLICT targets, constraint behavior) that an
// in-memory fake cannot catch.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("MONITORBOT_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("MONITORBOT_TEST_DATABASE_DSN not set, skipping postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := New(ctx, ClientConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.RunMigrations(ctx); err != nil {
		client.Close()
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// TestOutcomeStoreUpsertRewritesIDOnConflict reproduces the empty-ID
// collision: two outcomes upserted for the same (market_id, name) with
// distinct, caller-supplied ids must update the same row rather than
// hitting outcomes_pkey, and the row must end up with the second call's
// id and token_id.
func TestOutcomeStoreUpsertRewritesIDOnConflict(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)
	ctx := context.Background()

	markets := NewMarketStore(client.Pool())
	if err := markets.Upsert(ctx, domain.Market{ID: "m1", Question: "Will it happen?", Slug: "will-it-happen"}); err != nil {
		t.Fatalf("upsert market: %v", err)
	}

	store := NewOutcomeStore(client.Pool())

	first := domain.Outcome{ID: uuid.NewString(), MarketID: "m1", Name: "Yes", TokenID: "tok-1"}
	if err := store.Upsert(ctx, first); err != nil {
		t.Fatalf("upsert first: %v", err)
	}

	second := domain.Outcome{ID: uuid.NewString(), MarketID: "m1", Name: "Yes", TokenID: "tok-2"}
	if err := store.Upsert(ctx, second); err != nil {
		t.Fatalf("upsert second (same market/name, different id): %v", err)
	}

	got, err := store.GetByMarketAndName(ctx, "m1", "Yes")
	if err != nil {
		t.Fatalf("get by market and name: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("id = %q, want %q (rewritten by second upsert)", got.ID, second.ID)
	}
	if got.TokenID != "tok-2" {
		t.Errorf("token_id = %q, want tok-2", got.TokenID)
	}

	if _, err := store.GetByID(ctx, first.ID); err == nil {
		t.Error("expected first outcome's original id to no longer resolve")
	}
}

// TestOutcomeStoreUpsertDistinctOutcomesPerMarket confirms two different
// outcome names under the same market each get their own row.
func TestOutcomeStoreUpsertDistinctOutcomesPerMarket(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)
	ctx := context.Background()

	markets := NewMarketStore(client.Pool())
	if err := markets.Upsert(ctx, domain.Market{ID: "m2", Question: "Binary question", Slug: "binary-question"}); err != nil {
		t.Fatalf("upsert market: %v", err)
	}

	store := NewOutcomeStore(client.Pool())
	if err := store.Upsert(ctx, domain.Outcome{ID: uuid.NewString(), MarketID: "m2", Name: "Yes", TokenID: "tok-yes"}); err != nil {
		t.Fatalf("upsert yes: %v", err)
	}
	if err := store.Upsert(ctx, domain.Outcome{ID: uuid.NewString(), MarketID: "m2", Name: "No", TokenID: "tok-no"}); err != nil {
		t.Fatalf("upsert no: %v", err)
	}

	rows, err := store.ListByMarket(ctx, "m2")
	if err != nil {
		t.Fatalf("list by market: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
}
