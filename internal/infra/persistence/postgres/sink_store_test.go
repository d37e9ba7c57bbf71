package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/voltlink/internal/domain/schema"
)

func TestSinkStoreNilPool(t *testing.T) {
	store := NewSinkStore(nil)
	ctx := context.Background()
	if err := store.Save(ctx, schema.MarketDataPoint{MarketID: "m"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.SaveOrder(ctx, schema.OrderResult{MarketID: "m"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Recent(ctx, schema.LatestKey{}, 1); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestHeadlineColumns(t *testing.T) {
	price := schema.MarketDataPoint{Price: &schema.PricePayload{Price: decimal.NewFromInt(50), Volume: decimal.NewFromInt(3), Currency: "EUR"}}
	p, q, c := headline(price)
	if !p.Equal(decimal.NewFromInt(50)) || !q.Equal(decimal.NewFromInt(3)) || c != "EUR" {
		t.Fatalf("unexpected price headline %s %s %s", p, q, c)
	}

	trade := schema.MarketDataPoint{Trade: &schema.TradePayload{Price: decimal.NewFromInt(7), Quantity: decimal.NewFromInt(2)}}
	p, q, c = headline(trade)
	if !p.Equal(decimal.NewFromInt(7)) || !q.Equal(decimal.NewFromInt(2)) || c != "" {
		t.Fatalf("unexpected trade headline")
	}

	book := schema.MarketDataPoint{OrderBook: &schema.OrderBookPayload{Bids: []schema.Level{{Price: decimal.NewFromInt(9), Quantity: decimal.NewFromInt(1)}}}}
	p, _, _ = headline(book)
	if !p.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected best bid")
	}

	status := schema.MarketDataPoint{Status: &schema.StatusPayload{Status: schema.MarketStatusOpen}, ReceivedAt: time.Now()}
	p, q, _ = headline(status)
	if p != nil || q != nil {
		t.Fatalf("status has no headline columns")
	}
}
