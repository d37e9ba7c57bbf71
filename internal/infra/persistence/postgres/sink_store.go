package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

// SinkStore persists normalized market data points and order results.
type SinkStore struct {
	pool   *pgxpool.Pool
	writes metric.Int64Counter
}

// NewSinkStore constructs a SinkStore backed by the provided pool.
func NewSinkStore(pool *pgxpool.Pool) *SinkStore {
	s := &SinkStore{pool: pool, writes: nil}
	meter := otel.Meter("persistence.sink")
	s.writes, _ = meter.Int64Counter("sink.writes",
		metric.WithDescription("Rows written by the persistence sink"),
		metric.WithUnit("{row}"))
	return s
}

const (
	insertPointSQL = `
INSERT INTO market_data_points (
    market_id,
    data_kind,
    symbol,
    event_ts,
    received_at,
    price,
    quantity,
    currency,
    payload,
    out_of_order
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10);
`

	recentPointsSQL = `
SELECT payload
FROM market_data_points
WHERE market_id = $1 AND symbol = $2 AND data_kind = $3
ORDER BY event_ts DESC, id DESC
LIMIT $4;
`

	insertOrderResultSQL = `
INSERT INTO order_results (
    market_id,
    client_order_id,
    success,
    provider_order_id,
    error,
    submitted_at,
    latency_ms
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (market_id, client_order_id) DO UPDATE
SET success = EXCLUDED.success,
    provider_order_id = EXCLUDED.provider_order_id,
    error = EXCLUDED.error,
    submitted_at = EXCLUDED.submitted_at,
    latency_ms = EXCLUDED.latency_ms;
`
)

// Save writes one data point. The raw provider payload is not persisted.
func (s *SinkStore) Save(ctx context.Context, point schema.MarketDataPoint) error {
	if s.pool == nil {
		return fmt.Errorf("sink store: nil pool")
	}
	price, quantity, currency := headline(point)
	priceNum, err := numericFromOptional(price)
	if err != nil {
		return fmt.Errorf("sink store: price: %w", err)
	}
	quantityNum, err := numericFromOptional(quantity)
	if err != nil {
		return fmt.Errorf("sink store: quantity: %w", err)
	}
	stored := point
	stored.Raw = nil
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("sink store: encode payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, insertPointSQL,
		point.MarketID,
		string(point.Kind),
		point.Symbol,
		point.EventTimestamp,
		point.ReceivedAt,
		priceNum,
		quantityNum,
		textOrNull(currency),
		payload,
		point.OutOfOrder,
	); err != nil {
		s.record(ctx, point.MarketID, "point", telemetry.ResultFailure)
		return fmt.Errorf("sink store: insert point: %w", err)
	}
	s.record(ctx, point.MarketID, "point", telemetry.ResultSuccess)
	return nil
}

// Recent returns up to limit stored points for key, newest first.
func (s *SinkStore) Recent(ctx context.Context, key schema.LatestKey, limit int) ([]schema.MarketDataPoint, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("sink store: nil pool")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, recentPointsSQL, key.MarketID, key.Symbol, string(key.Kind), limit)
	if err != nil {
		return nil, fmt.Errorf("sink store: query recent: %w", err)
	}
	defer rows.Close()
	var points []schema.MarketDataPoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sink store: scan recent: %w", err)
		}
		var point schema.MarketDataPoint
		if err := json.Unmarshal(payload, &point); err != nil {
			return nil, fmt.Errorf("sink store: decode recent: %w", err)
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sink store: iterate recent: %w", err)
	}
	return points, nil
}

// SaveOrder upserts an order result keyed by market and client order id.
func (s *SinkStore) SaveOrder(ctx context.Context, result schema.OrderResult) error {
	if s.pool == nil {
		return fmt.Errorf("sink store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, insertOrderResultSQL,
		result.MarketID,
		result.ClientOrderID,
		result.Success,
		textOrNull(result.ProviderOrderID),
		textOrNull(result.Error),
		result.SubmittedAt,
		result.Latency.Milliseconds(),
	); err != nil {
		s.record(ctx, result.MarketID, "order", telemetry.ResultFailure)
		return fmt.Errorf("sink store: insert order result: %w", err)
	}
	s.record(ctx, result.MarketID, "order", telemetry.ResultSuccess)
	return nil
}

// headline extracts the indexed price/quantity/currency columns for a point.
func headline(point schema.MarketDataPoint) (*decimal.Decimal, *decimal.Decimal, string) {
	switch {
	case point.Price != nil:
		return &point.Price.Price, &point.Price.Volume, point.Price.Currency
	case point.Trade != nil:
		return &point.Trade.Price, &point.Trade.Quantity, ""
	case point.OrderBook != nil && len(point.OrderBook.Bids) > 0:
		best := point.OrderBook.Bids[0]
		return &best.Price, &best.Quantity, ""
	default:
		return nil, nil, ""
	}
}

func (s *SinkStore) record(ctx context.Context, market, op, result string) {
	if s.writes == nil {
		return
	}
	s.writes.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(market, op, result)...))
}
