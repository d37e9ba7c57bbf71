// Package schema defines the canonical market data, order and event types shared across the connector.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DataKind identifies one of the canonical market data families.
type DataKind string

const (
	DataKindPrice        DataKind = "price"
	DataKindOrderBook    DataKind = "order_book"
	DataKindTrade        DataKind = "trade"
	DataKindMarketStatus DataKind = "market_status"
)

// DefaultSymbol is applied when a provider payload carries no symbol.
const DefaultSymbol = "DEFAULT"

// AllDataKinds lists every canonical data kind in a stable order.
func AllDataKinds() []DataKind {
	return []DataKind{DataKindPrice, DataKindOrderBook, DataKindTrade, DataKindMarketStatus}
}

// ParseDataKind normalises s into a DataKind.
func ParseDataKind(s string) (DataKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "price":
		return DataKindPrice, true
	case "order_book", "orderbook", "order-book":
		return DataKindOrderBook, true
	case "trade", "trades":
		return DataKindTrade, true
	case "market_status", "status", "market-status":
		return DataKindMarketStatus, true
	default:
		return "", false
	}
}

// Valid reports whether k is a canonical data kind.
func (k DataKind) Valid() bool {
	switch k {
	case DataKindPrice, DataKindOrderBook, DataKindTrade, DataKindMarketStatus:
		return true
	default:
		return false
	}
}

// TradeSide enumerates trade and order directions.
type TradeSide string

const (
	SideBuy     TradeSide = "buy"
	SideSell    TradeSide = "sell"
	SideUnknown TradeSide = "unknown"
)

// ParseSide maps provider side strings onto TradeSide.
func ParseSide(s string) TradeSide {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "bid":
		return SideBuy
	case "sell", "s", "ask", "offer":
		return SideSell
	default:
		return SideUnknown
	}
}

// MarketStatus enumerates trading session states reported by a market.
type MarketStatus string

const (
	MarketStatusOpen        MarketStatus = "open"
	MarketStatusClosed      MarketStatus = "closed"
	MarketStatusSuspended   MarketStatus = "suspended"
	MarketStatusAuction     MarketStatus = "auction"
	MarketStatusMaintenance MarketStatus = "maintenance"
	MarketStatusUnknown     MarketStatus = "unknown"
)

// ParseMarketStatus maps provider status strings onto MarketStatus.
func ParseMarketStatus(s string) MarketStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "opened", "trading", "active":
		return MarketStatusOpen
	case "closed", "close":
		return MarketStatusClosed
	case "suspended", "halted", "halt":
		return MarketStatusSuspended
	case "auction", "gate_open", "pre_open":
		return MarketStatusAuction
	case "maintenance":
		return MarketStatusMaintenance
	default:
		return MarketStatusUnknown
	}
}

// PricePayload carries a price observation.
type PricePayload struct {
	Price    decimal.Decimal `json:"price"`
	Volume   decimal.Decimal `json:"volume"`
	Currency string          `json:"currency,omitempty"`
}

// Level is one rung of an order book ladder.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookPayload carries bid and ask ladders.
type OrderBookPayload struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// TradePayload carries a public trade print.
type TradePayload struct {
	TradeID  string          `json:"tradeId,omitempty"`
	Side     TradeSide       `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// StatusPayload carries a market status change.
type StatusPayload struct {
	Status MarketStatus `json:"status"`
}

// MarketDataPoint is the canonical envelope produced by the ingestion normalizer.
// Exactly one payload pointer is set, matching Kind.
type MarketDataPoint struct {
	MarketID       string            `json:"marketId"`
	Kind           DataKind          `json:"dataKind"`
	Symbol         string            `json:"symbol"`
	EventTimestamp time.Time         `json:"eventTimestamp"`
	ReceivedAt     time.Time         `json:"receivedAt"`
	Price          *PricePayload     `json:"price,omitempty"`
	OrderBook      *OrderBookPayload `json:"orderBook,omitempty"`
	Trade          *TradePayload     `json:"trade,omitempty"`
	Status         *StatusPayload    `json:"status,omitempty"`
	Raw            []byte            `json:"raw,omitempty"`
	OutOfOrder     bool              `json:"outOfOrder,omitempty"`
}

// Key returns the latest-value cache key of the point.
func (p MarketDataPoint) Key() LatestKey {
	return LatestKey{MarketID: p.MarketID, Symbol: p.Symbol, Kind: p.Kind}
}

// Clone returns a deep copy so callers can hand out points without sharing slices.
func (p MarketDataPoint) Clone() MarketDataPoint {
	out := p
	if p.Price != nil {
		price := *p.Price
		out.Price = &price
	}
	if p.OrderBook != nil {
		book := OrderBookPayload{
			Bids: append([]Level(nil), p.OrderBook.Bids...),
			Asks: append([]Level(nil), p.OrderBook.Asks...),
		}
		out.OrderBook = &book
	}
	if p.Trade != nil {
		trade := *p.Trade
		out.Trade = &trade
	}
	if p.Status != nil {
		status := *p.Status
		out.Status = &status
	}
	if p.Raw != nil {
		out.Raw = append([]byte(nil), p.Raw...)
	}
	return out
}

// LatestKey addresses a latest-value cache slot.
type LatestKey struct {
	MarketID string
	Symbol   string
	Kind     DataKind
}

func (k LatestKey) String() string {
	return k.MarketID + "|" + k.Symbol + "|" + string(k.Kind)
}
