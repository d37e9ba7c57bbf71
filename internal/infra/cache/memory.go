package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithTTL expires entries not refreshed within ttl. Zero keeps entries forever.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl >= 0 {
			m.ttl = ttl
		}
	}
}

// WithClock injects the clock used for expiry.
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(m *Memory) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Memory is an in-process latest-value cache with optional TTL sweeping.
type Memory struct {
	mu      sync.RWMutex
	entries map[schema.LatestKey]memoryEntry
	ttl     time.Duration
	clock   clockwork.Clock

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	operations metric.Int64Counter
}

type memoryEntry struct {
	point    schema.MarketDataPoint
	storedAt time.Time
}

// NewMemory builds a memory cache. When a TTL is set a sweeper evicts stale entries every ttl.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		mu:         sync.RWMutex{},
		entries:    make(map[schema.LatestKey]memoryEntry),
		ttl:        0,
		clock:      clockwork.NewRealClock(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		closeOnce:  sync.Once{},
		operations: nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	meter := otel.Meter("cache")
	m.operations, _ = meter.Int64Counter("cache.operations",
		metric.WithDescription("Latest-value cache operations"),
		metric.WithUnit("{operation}"))
	_, _ = meter.Int64ObservableGauge("cache.entries",
		metric.WithDescription("Entries held by the latest-value cache"),
		metric.WithUnit("{entry}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(m.Len()))
			return nil
		}))

	if m.ttl > 0 {
		go m.sweep()
	} else {
		close(m.done)
	}
	return m
}

// Put stores a copy of point.
func (m *Memory) Put(ctx context.Context, point schema.MarketDataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		return ErrClosed
	}
	m.entries[point.Key()] = memoryEntry{point: point.Clone(), storedAt: m.clock.Now()}
	m.record(ctx, point.MarketID, "put", telemetry.ResultSuccess)
	return nil
}

// Get returns a copy of the latest point for key. Expired entries read as missing.
func (m *Memory) Get(ctx context.Context, key schema.LatestKey) (schema.MarketDataPoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.entries == nil {
		return schema.MarketDataPoint{}, false, ErrClosed
	}
	entry, ok := m.entries[key]
	if !ok || m.expired(entry, m.clock.Now()) {
		m.record(ctx, key.MarketID, "get", "miss")
		return schema.MarketDataPoint{}, false, nil
	}
	m.record(ctx, key.MarketID, "get", "hit")
	return entry.point.Clone(), true, nil
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the sweeper and drops all entries.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.mu.Lock()
		m.entries = nil
		m.mu.Unlock()
	})
	return nil
}

func (m *Memory) expired(entry memoryEntry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(entry.storedAt) > m.ttl
}

func (m *Memory) sweep() {
	defer close(m.done)
	ticker := m.clock.NewTicker(m.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if m.expired(entry, now) {
			delete(m.entries, key)
		}
	}
}

func (m *Memory) record(ctx context.Context, market, op, result string) {
	if m.operations == nil {
		return
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(market, op, result)...))
}

var _ Cache = (*Memory)(nil)
