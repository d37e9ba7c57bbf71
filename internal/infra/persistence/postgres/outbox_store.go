package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/voltlink/internal/domain/outboxstore"
)

// OutboxStore persists lifecycle and order events awaiting bus delivery.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit  = 128
	maxOutboxLimit      = 1024
	outboxRetryInterval = 30 * time.Second
)

const outboxColumns = `
    id,
    event_id,
    market_id,
    event_type,
    payload,
    available_at,
    attempts,
    last_error,
    delivered_at,
    created_at`

const (
	// A re-enqueued event id updates nothing and returns the stored row.
	outboxInsertSQL = `
WITH inserted AS (
    INSERT INTO connector_outbox (event_id, market_id, event_type, payload, available_at)
    VALUES ($1, $2, $3, $4::jsonb, $5)
    ON CONFLICT (event_id) DO NOTHING
    RETURNING` + outboxColumns + `
)
SELECT` + outboxColumns + ` FROM inserted
UNION ALL
SELECT` + outboxColumns + ` FROM connector_outbox WHERE event_id = $1 AND NOT EXISTS (SELECT 1 FROM inserted);
`

	outboxListPendingSQL = `
SELECT` + outboxColumns + `
FROM connector_outbox
WHERE delivered_at IS NULL
  AND available_at <= NOW()
ORDER BY available_at ASC, id ASC
LIMIT $1;
`

	outboxMarkDeliveredSQL = `
UPDATE connector_outbox
SET delivered_at = NOW(),
    attempts = attempts + 1
WHERE id = $1;
`

	outboxMarkFailedSQL = `
UPDATE connector_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE id = $1;
`

	outboxPurgeDeliveredSQL = `
DELETE FROM connector_outbox
WHERE delivered_at IS NOT NULL
  AND delivered_at < $1;
`
)

// Enqueue inserts a new event into the outbox. Enqueueing an existing event id returns the stored row.
func (s *OutboxStore) Enqueue(ctx context.Context, entry outboxstore.Entry) (outboxstore.Record, error) {
	if s.pool == nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: nil pool")
	}
	eventID := strings.TrimSpace(entry.EventID)
	if eventID == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: event id required")
	}
	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: event type required")
	}
	if len(entry.Payload) == 0 {
		return outboxstore.Record{}, fmt.Errorf("outbox store: payload required")
	}
	availableAt := entry.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, outboxInsertSQL, eventID, strings.TrimSpace(entry.MarketID), eventType, []byte(entry.Payload), availableAt)
	return scanOutboxRecord(row)
}

// ListPending returns undelivered events that are ready for replay.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	rows, err := s.pool.Query(ctx, outboxListPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.Record
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	return records, nil
}

// MarkDelivered flags a stored event as successfully published.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkDeliveredSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark delivered: no rows updated")
	}
	return nil
}

// MarkFailed records a failed publish attempt and schedules a retry.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	nextAttempt := time.Now().Add(outboxRetryInterval)
	tag, err := s.pool.Exec(ctx, outboxMarkFailedSQL, id, strings.TrimSpace(lastError), nextAttempt)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no rows updated")
	}
	return nil
}

// PurgeDelivered deletes delivered rows older than before.
func (s *OutboxStore) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxPurgeDeliveredSQL, before)
	if err != nil {
		return 0, fmt.Errorf("outbox store: purge delivered: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxRecord(row rowScanner) (outboxstore.Record, error) {
	var (
		record      outboxstore.Record
		payload     []byte
		lastError   pgtype.Text
		deliveredAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&record.EventID,
		&record.MarketID,
		&record.EventType,
		&payload,
		&record.AvailableAt,
		&record.Attempts,
		&lastError,
		&deliveredAt,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		record.DeliveredAt = &t
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	record.Payload = payload
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
