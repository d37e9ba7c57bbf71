package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseDataKindAliases(t *testing.T) {
	cases := map[string]DataKind{
		"price":         DataKindPrice,
		"OrderBook":     DataKindOrderBook,
		"trades":        DataKindTrade,
		"market-status": DataKindMarketStatus,
	}
	for in, want := range cases {
		got, ok := ParseDataKind(in)
		require.True(t, ok, in)
		require.Equal(t, want, got)
	}
	_, ok := ParseDataKind("ticker")
	require.False(t, ok)
}

func TestOrderRequestNormalizeAndValidate(t *testing.T) {
	req := OrderRequest{
		MarketID: " m1 ",
		Symbol:   "DE-H14",
		Side:     "BUY",
		Quantity: decimal.RequireFromString("1.5"),
		Price:    decimal.RequireFromString("72.10"),
	}
	req.Normalize()
	require.Equal(t, "m1", req.MarketID)
	require.Equal(t, OrderTypeLimit, req.Type)
	require.Equal(t, SideBuy, req.Side)
	require.NotEmpty(t, req.ClientOrderID)
	require.NoError(t, req.Validate())

	bad := req
	bad.Quantity = decimal.Zero
	require.Error(t, bad.Validate())

	stop := req
	stop.Type = OrderTypeStop
	require.Error(t, stop.Validate())
}

func TestEventCloneDoesNotShareLadders(t *testing.T) {
	point := MarketDataPoint{
		MarketID: "m1",
		Kind:     DataKindOrderBook,
		Symbol:   DefaultSymbol,
		OrderBook: &OrderBookPayload{
			Bids: []Level{{Price: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(1)}},
		},
	}
	evt := NewDataEvent(point)
	require.Equal(t, EventOrderBookUpdate, evt.Type)

	cp := evt.Clone()
	cp.Data.OrderBook.Bids[0].Price = decimal.NewFromInt(99)
	require.True(t, evt.Data.OrderBook.Bids[0].Price.Equal(decimal.NewFromInt(10)))
}

func TestLifecycleClassification(t *testing.T) {
	require.True(t, EventConnectionError.IsLifecycle())
	require.True(t, EventConnectionAbandoned.IsLifecycle())
	require.False(t, EventPriceUpdate.IsLifecycle())
	require.False(t, EventOrderResult.IsLifecycle())
}
