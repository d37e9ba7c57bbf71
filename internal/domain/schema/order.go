package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
	OrderTypeStop   OrderType = "stop"
)

// OrderRequest is an internal order bound for one market. It is consumed once and never retried.
type OrderRequest struct {
	MarketID      string           `json:"marketId"`
	ClientOrderID string           `json:"clientOrderId"`
	Symbol        string           `json:"symbol"`
	Side          TradeSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         decimal.Decimal  `json:"price"`
	StopPrice     *decimal.Decimal `json:"stopPrice,omitempty"`
	TimeInForce   string           `json:"timeInForce,omitempty"`
}

// Normalize fills defaults in place: order type, client order id and trimmed strings.
func (o *OrderRequest) Normalize() {
	o.MarketID = strings.TrimSpace(o.MarketID)
	o.Symbol = strings.TrimSpace(o.Symbol)
	o.TimeInForce = strings.ToUpper(strings.TrimSpace(o.TimeInForce))
	o.Side = TradeSide(strings.ToLower(strings.TrimSpace(string(o.Side))))
	o.Type = OrderType(strings.ToLower(strings.TrimSpace(string(o.Type))))
	if o.Type == "" {
		o.Type = OrderTypeLimit
	}
	if strings.TrimSpace(o.ClientOrderID) == "" {
		o.ClientOrderID = uuid.NewString()
	}
}

// Validate checks the request shape without touching any market.
func (o OrderRequest) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("invalid side %q", o.Side)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	switch o.Type {
	case OrderTypeLimit:
		if !o.Price.IsPositive() {
			return fmt.Errorf("limit order requires positive price")
		}
	case OrderTypeStop:
		if o.StopPrice == nil || !o.StopPrice.IsPositive() {
			return fmt.Errorf("stop order requires positive stop price")
		}
	case OrderTypeMarket:
	default:
		return fmt.Errorf("unsupported order type %q", o.Type)
	}
	return nil
}

// OrderResult is the normalized outcome of a submission.
type OrderResult struct {
	MarketID        string        `json:"marketId"`
	ClientOrderID   string        `json:"clientOrderId"`
	Success         bool          `json:"success"`
	ProviderOrderID string        `json:"providerOrderId,omitempty"`
	Error           string        `json:"error,omitempty"`
	SubmittedAt     time.Time     `json:"submittedAt"`
	Latency         time.Duration `json:"latency"`
}
