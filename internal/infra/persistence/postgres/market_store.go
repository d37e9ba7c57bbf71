package postgres

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/voltlink/internal/domain/market"
)

// MarketStore persists market specs for registry loading.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore constructs a MarketStore backed by the provided pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const (
	upsertMarketSQL = `
INSERT INTO markets (id, spec, active, priority)
VALUES ($1, $2::jsonb, $3, $4)
ON CONFLICT (id) DO UPDATE
SET spec = EXCLUDED.spec,
    active = EXCLUDED.active,
    priority = EXCLUDED.priority,
    updated_at = NOW();
`

	listMarketsSQL = `
SELECT id, spec, active, priority
FROM markets
ORDER BY priority DESC, id ASC;
`

	deleteMarketSQL = `
DELETE FROM markets
WHERE id = $1;
`
)

// Upsert stores spec keyed by its id.
func (s *MarketStore) Upsert(ctx context.Context, spec market.Spec) error {
	if s.pool == nil {
		return fmt.Errorf("market store: nil pool")
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return fmt.Errorf("market store: id required")
	}
	spec.ID = id
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("market store: encode spec: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertMarketSQL, id, payload, spec.IsActive(), spec.Priority); err != nil {
		return fmt.Errorf("market store: upsert %s: %w", id, err)
	}
	return nil
}

// ListSpecs returns every stored spec. The row's active and priority columns win over the document.
func (s *MarketStore) ListSpecs(ctx context.Context) ([]market.Spec, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("market store: nil pool")
	}
	rows, err := s.pool.Query(ctx, listMarketsSQL)
	if err != nil {
		return nil, fmt.Errorf("market store: list: %w", err)
	}
	defer rows.Close()

	var specs []market.Spec
	for rows.Next() {
		spec, err := scanMarketSpec(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("market store: iterate: %w", err)
	}
	return specs, nil
}

// Delete removes a market by id.
func (s *MarketStore) Delete(ctx context.Context, id string) error {
	if s.pool == nil {
		return fmt.Errorf("market store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, deleteMarketSQL, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("market store: delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market store: delete %s: no rows deleted", id)
	}
	return nil
}

func scanMarketSpec(row rowScanner) (market.Spec, error) {
	var (
		id       string
		payload  []byte
		active   bool
		priority int
	)
	if err := row.Scan(&id, &payload, &active, &priority); err != nil {
		return market.Spec{}, fmt.Errorf("market store: scan: %w", err)
	}
	var spec market.Spec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return market.Spec{}, fmt.Errorf("market store: decode %s: %w", id, err)
	}
	spec.ID = id
	spec.Active = &active
	spec.Priority = priority
	return spec, nil
}
