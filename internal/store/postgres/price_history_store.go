package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// PriceHistoryStore implements domain.PriceHistoryStore using PostgreSQL.
type PriceHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPriceHistoryStore creates a new PriceHistoryStore.
func NewPriceHistoryStore(pool *pgxpool.Pool) *PriceHistoryStore {
	return &PriceHistoryStore{pool: pool}
}

// Insert appends one price sample. Rows are never updated in place; the
// series is append-only and pruned by DeleteOlderThan.
func (s *PriceHistoryStore) Insert(ctx context.Context, row domain.PriceHistory) error {
	const query = `
		INSERT INTO price_history (market_id, outcome_id, ts, bid, ask, mid, implied_probability)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		row.MarketID, row.OutcomeID, row.Timestamp, row.Bid, row.Ask, row.Mid, row.ImpliedProbability,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert price history for %s: %w", row.OutcomeID, err)
	}
	return nil
}

const priceHistoryCols = `id, market_id, outcome_id, ts, bid, ask, mid, implied_probability`

func scanPriceHistory(row pgx.Row) (domain.PriceHistory, error) {
	var p domain.PriceHistory
	err := row.Scan(&p.ID, &p.MarketID, &p.OutcomeID, &p.Timestamp, &p.Bid, &p.Ask, &p.Mid, &p.ImpliedProbability)
	if err != nil {
		return domain.PriceHistory{}, err
	}
	return p, nil
}

// ListByMarket returns price samples for a market, newest first, with
// pagination and optional time filtering.
func (s *PriceHistoryStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PriceHistory, error) {
	query := `SELECT ` + priceHistoryCols + ` FROM price_history WHERE market_id = $1`
	return s.listWhere(ctx, query, []any{marketID}, opts)
}

// ListByOutcome returns price samples for an outcome, newest first.
func (s *PriceHistoryStore) ListByOutcome(ctx context.Context, outcomeID string, opts domain.ListOpts) ([]domain.PriceHistory, error) {
	query := `SELECT ` + priceHistoryCols + ` FROM price_history WHERE outcome_id = $1`
	return s.listWhere(ctx, query, []any{outcomeID}, opts)
}

func (s *PriceHistoryStore) listWhere(ctx context.Context, query string, baseArgs []any, opts domain.ListOpts) ([]domain.PriceHistory, error) {
	args := append([]any{}, baseArgs...)
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND ts >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND ts <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY ts DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list price history: %w", err)
	}
	defer rows.Close()

	var out []domain.PriceHistory
	for rows.Next() {
		p, err := scanPriceHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan price history: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list price history rows: %w", err)
	}
	return out, nil
}

// ListBefore returns every price sample strictly older than cutoff, for
// archival. It is not part of domain.PriceHistoryStore — only the
// archiver (internal/blob/s3) needs it, via the narrow
// PriceHistoryArchiveStore interface.
func (s *PriceHistoryStore) ListBefore(ctx context.Context, cutoff time.Time) ([]domain.PriceHistory, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+priceHistoryCols+` FROM price_history WHERE ts < $1 ORDER BY ts`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list price history before %s: %w", cutoff, err)
	}
	defer rows.Close()

	var out []domain.PriceHistory
	for rows.Next() {
		p, err := scanPriceHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan price history: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list price history before rows: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes all price samples with ts < before, returning
// the number of rows removed. Callers that need cold-storage retention
// should archive via internal/blob/s3 before calling this.
func (s *PriceHistoryStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_history WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete price history before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.PriceHistoryStore = (*PriceHistoryStore)(nil)
