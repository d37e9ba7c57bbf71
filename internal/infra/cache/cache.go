// Package cache holds the latest normalized point per (market, symbol, kind).
package cache

import (
	"context"
	"errors"

	"github.com/coachpo/voltlink/internal/domain/schema"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// Cache stores the most recent point per key. Put overwrites unconditionally; ordering is
// enforced upstream by the normalizer.
type Cache interface {
	Put(ctx context.Context, point schema.MarketDataPoint) error
	Get(ctx context.Context, key schema.LatestKey) (schema.MarketDataPoint, bool, error)
	Close() error
}
