// Package eventbus defines the outbound pub/sub surface for normalized data and lifecycle events.
//
// Delivery is in publish order per subscriber. Publishers for one market run on a single
// goroutine, so per-market order is preserved; no ordering holds across markets.
package eventbus

import (
	"context"

	"github.com/coachpo/voltlink/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	// Subscribe registers for the given event types; no types means every event.
	Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
