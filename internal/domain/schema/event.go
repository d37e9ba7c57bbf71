package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an outbound bus event.
type EventType string

const (
	EventPriceUpdate         EventType = "priceUpdate"
	EventOrderBookUpdate     EventType = "orderBookUpdate"
	EventTradeUpdate         EventType = "tradeUpdate"
	EventMarketStatusUpdate  EventType = "marketStatusUpdate"
	EventMarketConnected     EventType = "marketConnected"
	EventMarketDisconnected  EventType = "marketDisconnected"
	EventConnectionError     EventType = "connectionError"
	EventConnectionAbandoned EventType = "connectionAbandoned"
	EventOrderResult         EventType = "orderResult"
)

// DataEventType returns the bus event type used for a data kind.
func DataEventType(kind DataKind) EventType {
	switch kind {
	case DataKindPrice:
		return EventPriceUpdate
	case DataKindOrderBook:
		return EventOrderBookUpdate
	case DataKindTrade:
		return EventTradeUpdate
	case DataKindMarketStatus:
		return EventMarketStatusUpdate
	default:
		return ""
	}
}

// IsLifecycle reports whether t describes a connection lifecycle change.
func (t EventType) IsLifecycle() bool {
	switch t {
	case EventMarketConnected, EventMarketDisconnected, EventConnectionError, EventConnectionAbandoned:
		return true
	default:
		return false
	}
}

// Lifecycle is the payload of connection lifecycle events.
type Lifecycle struct {
	State     string        `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Error     string        `json:"error,omitempty"`
	NextRetry time.Duration `json:"nextRetry,omitempty"`
}

// Event is the envelope published on the event bus.
type Event struct {
	ID        string           `json:"id"`
	Type      EventType        `json:"type"`
	MarketID  string           `json:"marketId"`
	Timestamp time.Time        `json:"timestamp"`
	Data      *MarketDataPoint `json:"data,omitempty"`
	Lifecycle *Lifecycle       `json:"lifecycle,omitempty"`
	Order     *OrderResult     `json:"order,omitempty"`
}

// NewDataEvent wraps a normalized point.
func NewDataEvent(point MarketDataPoint) Event {
	p := point
	return Event{
		ID:        uuid.NewString(),
		Type:      DataEventType(point.Kind),
		MarketID:  point.MarketID,
		Timestamp: point.ReceivedAt,
		Data:      &p,
		Lifecycle: nil,
		Order:     nil,
	}
}

// NewLifecycleEvent builds a connection lifecycle event.
func NewLifecycleEvent(typ EventType, marketID string, at time.Time, lc Lifecycle) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		MarketID:  marketID,
		Timestamp: at,
		Data:      nil,
		Lifecycle: &lc,
		Order:     nil,
	}
}

// NewOrderEvent wraps an order result.
func NewOrderEvent(result OrderResult) Event {
	r := result
	return Event{
		ID:        uuid.NewString(),
		Type:      EventOrderResult,
		MarketID:  result.MarketID,
		Timestamp: result.SubmittedAt,
		Data:      nil,
		Lifecycle: nil,
		Order:     &r,
	}
}

// Clone deep-copies mutable payloads so independent subscribers never share state.
func (e Event) Clone() Event {
	out := e
	if e.Data != nil {
		d := e.Data.Clone()
		out.Data = &d
	}
	if e.Lifecycle != nil {
		lc := *e.Lifecycle
		out.Lifecycle = &lc
	}
	if e.Order != nil {
		o := *e.Order
		out.Order = &o
	}
	return out
}
