// Package outboxstore defines persistence contracts for durable event delivery.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Entry is one event awaiting delivery. EventID is unique; re-enqueueing the same id is a no-op.
type Entry struct {
	EventID     string
	MarketID    string
	EventType   string
	Payload     json.RawMessage
	AvailableAt time.Time
}

// Record is the persisted state of an entry.
type Record struct {
	ID          int64
	EventID     string
	MarketID    string
	EventType   string
	Payload     json.RawMessage
	AvailableAt time.Time
	Attempts    int
	LastError   string
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) (Record, error)
	ListPending(ctx context.Context, limit int) ([]Record, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
}
