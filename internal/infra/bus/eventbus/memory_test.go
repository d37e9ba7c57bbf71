package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/voltlink/internal/domain/schema"
)

func priceEvent(market string, seq int) schema.Event {
	point := schema.MarketDataPoint{
		MarketID:       market,
		Kind:           schema.DataKindPrice,
		Symbol:         schema.DefaultSymbol,
		EventTimestamp: time.Unix(int64(seq), 0).UTC(),
		ReceivedAt:     time.Now().UTC(),
		Price:          &schema.PricePayload{Price: decimal.NewFromInt(int64(seq)), Currency: "EUR"},
	}
	return schema.NewDataEvent(point)
}

func recv(t *testing.T, ch <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return schema.Event{}
}

func TestNewMemoryBusDefaults(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	if bus.cfg.BufferSize != 64 || bus.cfg.FanoutWorkers != 4 {
		t.Fatalf("unexpected defaults %+v", bus.cfg)
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()
	if err := bus.Publish(context.Background(), priceEvent("m", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()
	if err := bus.Publish(context.Background(), schema.Event{}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestMemoryBusTypeFilter(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()
	ctx := context.Background()

	_, lifecycle, err := bus.Subscribe(ctx, schema.EventMarketConnected)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, all, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe all: %v", err)
	}

	if err := bus.Publish(ctx, priceEvent("m", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	connected := schema.NewLifecycleEvent(schema.EventMarketConnected, "m", time.Now(), schema.Lifecycle{State: "CONNECTED"})
	if err := bus.Publish(ctx, connected); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := recv(t, lifecycle); got.Type != schema.EventMarketConnected {
		t.Fatalf("filtered subscriber got %s", got.Type)
	}
	if got := recv(t, all); got.Type != schema.EventPriceUpdate {
		t.Fatalf("expected price first, got %s", got.Type)
	}
	if got := recv(t, all); got.Type != schema.EventMarketConnected {
		t.Fatalf("expected connected second, got %s", got.Type)
	}
}

func TestMemoryBusPreservesPublishOrder(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 128, FanoutWorkers: 3})
	defer bus.Close()
	ctx := context.Background()

	chans := make([]<-chan schema.Event, 3)
	for i := range chans {
		_, ch, err := bus.Subscribe(ctx, schema.EventPriceUpdate)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		chans[i] = ch
	}
	for seq := 1; seq <= 50; seq++ {
		if err := bus.Publish(ctx, priceEvent("m", seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i, ch := range chans {
		for seq := 1; seq <= 50; seq++ {
			got := recv(t, ch)
			if !got.Data.Price.Price.Equal(decimal.NewFromInt(int64(seq))) {
				t.Fatalf("subscriber %d: expected seq %d, got %s", i, seq, got.Data.Price.Price)
			}
		}
	}
}

func TestMemoryBusSubscribersReceiveIndependentCopies(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()
	ctx := context.Background()
	_, a, _ := bus.Subscribe(ctx)
	_, b, _ := bus.Subscribe(ctx)

	if err := bus.Publish(ctx, priceEvent("m", 5)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	first := recv(t, a)
	first.Data.Price.Currency = "mutated"
	second := recv(t, b)
	if second.Data.Price.Currency != "EUR" {
		t.Fatalf("subscribers share payload state")
	}
}

func TestMemoryBusDropsOldestWhenFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()
	ctx := context.Background()
	_, ch, _ := bus.Subscribe(ctx, schema.EventPriceUpdate)

	for seq := 1; seq <= 5; seq++ {
		if err := bus.Publish(ctx, priceEvent("m", seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := []int64{recv(t, ch).Data.Price.Price.IntPart(), recv(t, ch).Data.Price.Price.IntPart()}
	if got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected newest two events [4 5], got %v", got)
	}
}

func TestMemoryBusSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 2})
	defer bus.Close()
	ctx := context.Background()
	_, _, _ = bus.Subscribe(ctx)
	_, fast, _ := bus.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := 1; seq <= 100; seq++ {
			_ = bus.Publish(ctx, priceEvent("m", seq))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked by a subscriber that never reads")
	}
	if got := recv(t, fast); got.Data.Price.Price.IntPart() != 100 {
		t.Fatalf("expected latest event retained, got %s", got.Data.Price.Price)
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()
	id, ch, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Unsubscribe(id)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after unsubscribe")
	}
}

func TestMemoryBusContextCancelUnsubscribes(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	_, ch, _ := bus.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	_, ch, _ := bus.Subscribe(context.Background())
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after bus close")
	}
	if err := bus.Publish(context.Background(), priceEvent("m", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := bus.Subscribe(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on subscribe, got %v", err)
	}
}

func TestMemoryBusConcurrentPublishers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 512, FanoutWorkers: 4})
	defer bus.Close()
	ctx := context.Background()
	_, ch, _ := bus.Subscribe(ctx, schema.EventPriceUpdate)

	var wg sync.WaitGroup
	for m := 0; m < 4; m++ {
		market := fmt.Sprintf("m%d", m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := 1; seq <= 50; seq++ {
				_ = bus.Publish(ctx, priceEvent(market, seq))
			}
		}()
	}
	wg.Wait()

	last := map[string]int64{}
	for i := 0; i < 200; i++ {
		evt := recv(t, ch)
		seq := evt.Data.Price.Price.IntPart()
		if seq <= last[evt.MarketID] {
			t.Fatalf("market %s out of order: %d after %d", evt.MarketID, seq, last[evt.MarketID])
		}
		last[evt.MarketID] = seq
	}
}
