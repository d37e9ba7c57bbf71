package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
)

type fieldPaths map[market.CanonicalField]string

func buildPoint(marketID string, kind schema.DataKind, fields fieldPaths, record any, frame shared.Frame) (schema.MarketDataPoint, error) {
	point := schema.MarketDataPoint{
		MarketID:       marketID,
		Kind:           kind,
		Symbol:         schema.DefaultSymbol,
		EventTimestamp: frame.ReceivedAt,
		ReceivedAt:     frame.ReceivedAt,
		Price:          nil,
		OrderBook:      nil,
		Trade:          nil,
		Status:         nil,
		Raw:            append([]byte(nil), frame.Body...),
		OutOfOrder:     false,
	}

	if raw, ok := mapped(record, fields, market.FieldSymbol); ok {
		if symbol, ok := asString(raw); ok && strings.TrimSpace(symbol) != "" {
			point.Symbol = strings.TrimSpace(symbol)
		}
	}
	if raw, ok := mapped(record, fields, market.FieldTimestamp); ok {
		ts, err := asTime(raw)
		if err != nil && !errors.Is(err, errMissing) {
			return schema.MarketDataPoint{}, fmt.Errorf("timestamp: %w", err)
		}
		if err == nil {
			point.EventTimestamp = ts
		}
	}

	var err error
	switch kind {
	case schema.DataKindPrice:
		point.Price, err = pricePayload(record, fields)
	case schema.DataKindOrderBook:
		point.OrderBook, err = orderBookPayload(record, fields)
	case schema.DataKindTrade:
		point.Trade, err = tradePayload(record, fields)
	case schema.DataKindMarketStatus:
		point.Status, err = statusPayload(record, fields)
	default:
		err = fmt.Errorf("unsupported data kind %q", kind)
	}
	if err != nil {
		return schema.MarketDataPoint{}, err
	}
	return point, nil
}

func mapped(record any, fields fieldPaths, field market.CanonicalField) (any, bool) {
	path, ok := fields[field]
	if !ok || path == "" {
		return nil, false
	}
	return shared.Lookup(record, path)
}

func requiredDecimal(record any, fields fieldPaths, field market.CanonicalField) (decimal.Decimal, error) {
	raw, ok := mapped(record, fields, field)
	if !ok {
		return decimal.Zero, fmt.Errorf("%s missing at %q", field, fields[field])
	}
	value, err := asDecimal(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return value, nil
}

func optionalDecimal(record any, fields fieldPaths, field market.CanonicalField) (decimal.Decimal, error) {
	raw, ok := mapped(record, fields, field)
	if !ok {
		return decimal.Zero, nil
	}
	value, err := asDecimal(raw)
	if errors.Is(err, errMissing) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return value, nil
}

func optionalString(record any, fields fieldPaths, field market.CanonicalField) string {
	raw, ok := mapped(record, fields, field)
	if !ok {
		return ""
	}
	s, _ := asString(raw)
	return strings.TrimSpace(s)
}

func pricePayload(record any, fields fieldPaths) (*schema.PricePayload, error) {
	price, err := requiredDecimal(record, fields, market.FieldPrice)
	if err != nil {
		return nil, err
	}
	volume, err := optionalDecimal(record, fields, market.FieldVolume)
	if err != nil {
		return nil, err
	}
	return &schema.PricePayload{
		Price:    price,
		Volume:   volume,
		Currency: optionalString(record, fields, market.FieldCurrency),
	}, nil
}

func tradePayload(record any, fields fieldPaths) (*schema.TradePayload, error) {
	price, err := requiredDecimal(record, fields, market.FieldPrice)
	if err != nil {
		return nil, err
	}
	qty, err := requiredDecimal(record, fields, market.FieldQuantity)
	if err != nil {
		return nil, err
	}
	return &schema.TradePayload{
		TradeID:  optionalString(record, fields, market.FieldTradeID),
		Side:     schema.ParseSide(optionalString(record, fields, market.FieldSide)),
		Quantity: qty,
		Price:    price,
	}, nil
}

func statusPayload(record any, fields fieldPaths) (*schema.StatusPayload, error) {
	raw, ok := mapped(record, fields, market.FieldStatus)
	if !ok {
		return nil, fmt.Errorf("%s missing at %q", market.FieldStatus, fields[market.FieldStatus])
	}
	text, ok := asString(raw)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected %T", market.FieldStatus, raw)
	}
	return &schema.StatusPayload{Status: schema.ParseMarketStatus(text)}, nil
}

func orderBookPayload(record any, fields fieldPaths) (*schema.OrderBookPayload, error) {
	bids, err := ladder(record, fields, market.FieldBids)
	if err != nil {
		return nil, err
	}
	asks, err := ladder(record, fields, market.FieldAsks)
	if err != nil {
		return nil, err
	}
	return &schema.OrderBookPayload{Bids: bids, Asks: asks}, nil
}

// ladder reads levels as [price, quantity] pairs, or as objects addressed by level_price and
// level_quantity when those are mapped.
func ladder(record any, fields fieldPaths, side market.CanonicalField) ([]schema.Level, error) {
	raw, ok := mapped(record, fields, side)
	if !ok {
		return nil, fmt.Errorf("%s missing at %q", side, fields[side])
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected array, got %T", side, raw)
	}
	pricePath, qtyPath := fields[market.FieldLevelPrice], fields[market.FieldLevelQuantity]
	if pricePath == "" {
		pricePath = "0"
	}
	if qtyPath == "" {
		qtyPath = "1"
	}
	levels := make([]schema.Level, 0, len(entries))
	for i, entry := range entries {
		p, ok := shared.Lookup(entry, pricePath)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: price missing", side, i)
		}
		q, ok := shared.Lookup(entry, qtyPath)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: quantity missing", side, i)
		}
		price, err := asDecimal(p)
		if err != nil {
			return nil, fmt.Errorf("%s[%d] price: %w", side, i, err)
		}
		qty, err := asDecimal(q)
		if err != nil {
			return nil, fmt.Errorf("%s[%d] quantity: %w", side, i, err)
		}
		levels = append(levels, schema.Level{Price: price, Quantity: qty})
	}
	return levels, nil
}
