package postgres

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/voltlink/internal/domain/outboxstore"
)

func TestOutboxStoreNilPool(t *testing.T) {
	store := NewOutboxStore(nil)
	ctx := context.Background()
	entry := outboxstore.Entry{
		EventID:   "evt-1",
		MarketID:  "nordpool",
		EventType: "marketConnected",
		Payload:   json.RawMessage(`{"id":"evt-1"}`),
	}
	if _, err := store.Enqueue(ctx, entry); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListPending(ctx, 1); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkDelivered(ctx, 1); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkFailed(ctx, 1, "error"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.PurgeDelivered(ctx, time.Now()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil || store.Sink == nil || store.Outbox == nil || store.Markets == nil {
		t.Fatalf("expected repositories")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	store.Close()
}
