package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/monitorbot/monitorbot/internal/domain"
)

// OutcomeStore implements domain.OutcomeStore using PostgreSQL.
type OutcomeStore struct {
	pool *pgxpool.Pool
}

// NewOutcomeStore creates a new OutcomeStore.
func NewOutcomeStore(pool *pgxpool.Pool) *OutcomeStore {
	return &OutcomeStore{pool: pool}
}

const outcomeCols = `id, market_id, name, token_id, volume, volume_24h, created_at`

// Upsert inserts or updates an outcome. On a (market_id, name) collision
// the existing row's id and token_id are rewritten in place: a venue can
// reassign an outcome's token id without the question text changing.
// Callers must supply a stable id (reusing the existing row's id when
// one is known) since the conflict target is (market_id, name), not id.
func (s *OutcomeStore) Upsert(ctx context.Context, o domain.Outcome) error {
	const query = `
		INSERT INTO outcomes (id, market_id, name, token_id, volume, volume_24h, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_id, name) DO UPDATE SET
			id         = EXCLUDED.id,
			token_id   = EXCLUDED.token_id,
			volume     = EXCLUDED.volume,
			volume_24h = EXCLUDED.volume_24h`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.MarketID, o.Name, o.TokenID, o.Volume, o.Volume24h, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert outcome %s: %w", o.ID, err)
	}
	return nil
}

func scanOutcome(row pgx.Row) (domain.Outcome, error) {
	var o domain.Outcome
	err := row.Scan(&o.ID, &o.MarketID, &o.Name, &o.TokenID, &o.Volume, &o.Volume24h, &o.CreatedAt)
	if err != nil {
		return domain.Outcome{}, err
	}
	return o, nil
}

// GetByID retrieves an outcome by its primary key.
func (s *OutcomeStore) GetByID(ctx context.Context, id string) (domain.Outcome, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+outcomeCols+` FROM outcomes WHERE id = $1`, id)
	o, err := scanOutcome(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Outcome{}, domain.ErrNotFound
		}
		return domain.Outcome{}, fmt.Errorf("postgres: get outcome %s: %w", id, err)
	}
	return o, nil
}

// GetByTokenID retrieves an outcome by its venue token id.
func (s *OutcomeStore) GetByTokenID(ctx context.Context, tokenID string) (domain.Outcome, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+outcomeCols+` FROM outcomes WHERE token_id = $1`, tokenID)
	o, err := scanOutcome(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Outcome{}, domain.ErrNotFound
		}
		return domain.Outcome{}, fmt.Errorf("postgres: get outcome by token %s: %w", tokenID, err)
	}
	return o, nil
}

// GetByMarketAndName retrieves an outcome by its (market_id, name) key.
func (s *OutcomeStore) GetByMarketAndName(ctx context.Context, marketID, name string) (domain.Outcome, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+outcomeCols+` FROM outcomes WHERE market_id = $1 AND name = $2`, marketID, name)
	o, err := scanOutcome(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Outcome{}, domain.ErrNotFound
		}
		return domain.Outcome{}, fmt.Errorf("postgres: get outcome %s/%s: %w", marketID, name, err)
	}
	return o, nil
}

// ListByMarket returns every outcome belonging to a market.
func (s *OutcomeStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Outcome, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+outcomeCols+` FROM outcomes WHERE market_id = $1 ORDER BY name`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list outcomes for market %s: %w", marketID, err)
	}
	defer rows.Close()

	var outcomes []domain.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list outcomes rows: %w", err)
	}
	return outcomes, nil
}

var _ domain.OutcomeStore = (*OutcomeStore)(nil)
