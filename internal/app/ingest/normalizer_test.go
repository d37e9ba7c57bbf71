package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
)

type recorder struct {
	mu     sync.Mutex
	saved  []schema.MarketDataPoint
	cached []schema.MarketDataPoint
	events []schema.Event
	err    error
}

func (r *recorder) Save(_ context.Context, p schema.MarketDataPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, p)
	return r.err
}

func (r *recorder) Put(_ context.Context, p schema.MarketDataPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = append(r.cached, p)
	return nil
}

func (r *recorder) Publish(_ context.Context, evt schema.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func newNormalizer(rec *recorder) *Normalizer {
	return NewNormalizer(WithSink(rec), WithCache(rec), WithPublisher(rec))
}

var received = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func frame(kind schema.DataKind, body string) shared.Frame {
	return shared.Frame{Kind: kind, Body: []byte(body), ReceivedAt: received}
}

func priceMarket() market.Config {
	return market.Config{
		ID: "nordpool",
		Mapping: market.FieldMapping{
			schema.DataKindPrice: {
				market.FieldPrice:     "data.price",
				market.FieldVolume:    "data.vol",
				market.FieldTimestamp: "data.ts",
			},
		},
	}
}

func TestPriceRoundTripWithDefaults(t *testing.T) {
	rec := &recorder{}
	n := newNormalizer(rec)

	points, err := n.Handle(context.Background(), priceMarket(), frame(schema.DataKindPrice, `{"data":{"price":"41.25","vol":120}}`))
	require.NoError(t, err)
	require.Len(t, points, 1)
	p := points[0]
	require.Equal(t, schema.DefaultSymbol, p.Symbol)
	require.Equal(t, received, p.EventTimestamp)
	require.True(t, p.Price.Price.Equal(decimal.RequireFromString("41.25")))
	require.True(t, p.Price.Volume.Equal(decimal.NewFromInt(120)))
	require.Empty(t, p.Price.Currency)
	require.JSONEq(t, `{"data":{"price":"41.25","vol":120}}`, string(p.Raw))

	require.Len(t, rec.saved, 1)
	require.Len(t, rec.cached, 1)
	require.Len(t, rec.events, 1)
	require.Equal(t, schema.EventPriceUpdate, rec.events[0].Type)
	require.Equal(t, "nordpool", rec.events[0].MarketID)
}

func TestTimestampFormats(t *testing.T) {
	want := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	for name, ts := range map[string]string{
		"epoch ms":     `1709290800000`,
		"epoch s":      `1709290800`,
		"epoch string": `"1709290800000"`,
		"rfc3339":      `"2024-03-01T12:00:00+01:00"`,
	} {
		t.Run(name, func(t *testing.T) {
			n := newNormalizer(&recorder{})
			points, err := n.Handle(context.Background(), priceMarket(), frame(schema.DataKindPrice, `{"data":{"price":1,"ts":`+ts+`}}`))
			require.NoError(t, err)
			require.Equal(t, want, points[0].EventTimestamp)
		})
	}
}

func TestOrderBookLevels(t *testing.T) {
	cfg := market.Config{
		ID: "epex",
		Mapping: market.FieldMapping{
			schema.DataKindOrderBook: {
				market.FieldSymbol: "product",
				market.FieldBids:   "book.bids",
				market.FieldAsks:   "book.asks",
			},
		},
	}
	n := newNormalizer(&recorder{})
	points, err := n.Handle(context.Background(), cfg, frame(schema.DataKindOrderBook,
		`{"product":"DE-H12","book":{"bids":[["40.1","5"],[40.0,7]],"asks":[["41.0","2.5"]]}}`))
	require.NoError(t, err)
	book := points[0].OrderBook
	require.Equal(t, "DE-H12", points[0].Symbol)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)
	require.True(t, book.Bids[1].Quantity.Equal(decimal.NewFromInt(7)))
	require.True(t, book.Asks[0].Price.Equal(decimal.RequireFromString("41.0")))

	cfg.Mapping[schema.DataKindOrderBook][market.FieldLevelPrice] = "px"
	cfg.Mapping[schema.DataKindOrderBook][market.FieldLevelQuantity] = "qty"
	points, err = n.Handle(context.Background(), cfg, frame(schema.DataKindOrderBook,
		`{"product":"DE-H13","book":{"bids":[{"px":"39","qty":"1"}],"asks":[]}}`))
	require.NoError(t, err)
	require.True(t, points[0].OrderBook.Bids[0].Price.Equal(decimal.NewFromInt(39)))
	require.Empty(t, points[0].OrderBook.Asks)
}

func TestTradesFromRecords(t *testing.T) {
	cfg := market.Config{
		ID: "caiso",
		Mapping: market.FieldMapping{
			schema.DataKindTrade: {
				market.FieldRecords:  "trades",
				market.FieldPrice:    "p",
				market.FieldQuantity: "q",
				market.FieldSide:     "s",
				market.FieldTradeID:  "id",
			},
		},
	}
	rec := &recorder{}
	n := newNormalizer(rec)
	points, err := n.Handle(context.Background(), cfg, frame(schema.DataKindTrade,
		`{"trades":[{"p":"30","q":"1","s":"BUY","id":7},{"p":"31","q":"2"}]}`))
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, schema.SideBuy, points[0].Trade.Side)
	require.Equal(t, "7", points[0].Trade.TradeID)
	require.Equal(t, schema.SideUnknown, points[1].Trade.Side)
	require.Len(t, rec.events, 2)
	require.Equal(t, schema.EventTradeUpdate, rec.events[1].Type)
}

func TestMarketStatusDefaultsUnknown(t *testing.T) {
	cfg := market.Config{
		ID:      "pjm",
		Mapping: market.FieldMapping{schema.DataKindMarketStatus: {market.FieldStatus: "state"}},
	}
	n := newNormalizer(&recorder{})
	points, err := n.Handle(context.Background(), cfg, frame(schema.DataKindMarketStatus, `{"state":"HALTED"}`))
	require.NoError(t, err)
	require.Equal(t, schema.MarketStatusSuspended, points[0].Status.Status)

	points, err = n.Handle(context.Background(), cfg, frame(schema.DataKindMarketStatus, `{"state":"lunch"}`))
	require.NoError(t, err)
	require.Equal(t, schema.MarketStatusUnknown, points[0].Status.Status)
}

func TestStreamMessageTypeRouting(t *testing.T) {
	cfg := priceMarket()
	cfg.Stream = market.StreamConfig{
		TypeField:    "type",
		MessageTypes: map[string]schema.DataKind{"px": schema.DataKindPrice},
	}
	rec := &recorder{}
	n := newNormalizer(rec)

	points, err := n.Handle(context.Background(), cfg, frame("", `{"type":"px","data":{"price":"5"}}`))
	require.NoError(t, err)
	require.Len(t, points, 1)

	points, err = n.Handle(context.Background(), cfg, frame("", `{"type":"subscribed","channels":["px"]}`))
	require.NoError(t, err)
	require.Empty(t, points)
	points, err = n.Handle(context.Background(), cfg, frame("", `{"hello":true}`))
	require.NoError(t, err)
	require.Empty(t, points)
	require.Len(t, rec.events, 1)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	rec := &recorder{}
	n := newNormalizer(rec)
	for name, body := range map[string]string{
		"not json":      `{"data":`,
		"missing price": `{"data":{"vol":1}}`,
		"bad number":    `{"data":{"price":"forty"}}`,
		"bad timestamp": `{"data":{"price":"1","ts":"yesterday"}}`,
		"empty":         ``,
	} {
		t.Run(name, func(t *testing.T) {
			points, err := n.Handle(context.Background(), priceMarket(), frame(schema.DataKindPrice, body))
			require.Nil(t, points)
			require.True(t, errs.Is(err, errs.CodeIngestion), "got %v", err)
		})
	}
	require.Empty(t, rec.saved)
	require.Empty(t, rec.events)
}

func TestRecordsPathMustBeArray(t *testing.T) {
	cfg := market.Config{
		ID:      "m",
		Mapping: market.FieldMapping{schema.DataKindPrice: {market.FieldRecords: "rows", market.FieldPrice: "p"}},
	}
	_, err := newNormalizer(&recorder{}).Handle(context.Background(), cfg, frame(schema.DataKindPrice, `{"rows":{"p":1}}`))
	require.True(t, errs.Is(err, errs.CodeIngestion))
}

func TestOutOfOrderFramesAreRestamped(t *testing.T) {
	rec := &recorder{}
	n := newNormalizer(rec)
	cfg := priceMarket()

	first := frame(schema.DataKindPrice, `{"data":{"price":"1","ts":"2024-03-01T12:30:00Z"}}`)
	_, err := n.Handle(context.Background(), cfg, first)
	require.NoError(t, err)

	late := frame(schema.DataKindPrice, `{"data":{"price":"2","ts":"2024-03-01T12:10:00Z"}}`)
	late.ReceivedAt = received.Add(time.Hour)
	points, err := n.Handle(context.Background(), cfg, late)
	require.NoError(t, err)
	require.True(t, points[0].OutOfOrder)
	require.Equal(t, late.ReceivedAt, points[0].EventTimestamp)

	stale := frame(schema.DataKindPrice, `{"data":{"price":"3","ts":"2024-03-01T12:20:00Z"}}`)
	points, err = n.Handle(context.Background(), cfg, stale)
	require.NoError(t, err)
	require.True(t, points[0].OutOfOrder)
	require.Equal(t, late.ReceivedAt, points[0].EventTimestamp)

	var prev time.Time
	for _, p := range rec.saved {
		require.False(t, p.EventTimestamp.Before(prev))
		prev = p.EventTimestamp
	}

	n.Forget(cfg.ID)
	points, err = n.Handle(context.Background(), cfg, stale)
	require.NoError(t, err)
	require.False(t, points[0].OutOfOrder)
}

func TestSinkFailureDoesNotStopForwarding(t *testing.T) {
	rec := &recorder{err: errors.New("db down")}
	n := newNormalizer(rec)
	_, err := n.Handle(context.Background(), priceMarket(), frame(schema.DataKindPrice, `{"data":{"price":"1"}}`))
	require.NoError(t, err)
	require.Len(t, rec.cached, 1)
	require.Len(t, rec.events, 1)
}

type panickingSink struct{}

func (panickingSink) Save(context.Context, schema.MarketDataPoint) error { panic("boom") }

func TestPanicIsContainedAtFrameBoundary(t *testing.T) {
	n := NewNormalizer(WithSink(panickingSink{}))
	points, err := n.Handle(context.Background(), priceMarket(), frame(schema.DataKindPrice, `{"data":{"price":"1"}}`))
	require.Nil(t, points)
	require.True(t, errs.Is(err, errs.CodeIngestion))
}
