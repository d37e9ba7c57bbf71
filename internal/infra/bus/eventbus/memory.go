package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

var (
	// ErrClosed is returned when publishing to a closed bus.
	ErrClosed = errors.New("eventbus: closed")
	// ErrInvalidEvent is returned for events without a type.
	ErrInvalidEvent = errors.New("eventbus: event type required")
)

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithLogger sets the logger used for backpressure warnings.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// MemoryBus is an in-process fanout bus. Each subscriber owns a bounded buffer; when it is full
// the oldest buffered event is dropped so a slow consumer never blocks a market worker.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       atomic.Uint64

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
	publishDuration  metric.Float64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	types  map[schema.EventType]struct{}
	mu     sync.Mutex
	ch     chan schema.Event
	closed bool
}

func (s *subscriber) wants(typ schema.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig, opts ...MemoryOption) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:              cfg,
		logger:           zap.NewNop(),
		ctx:              ctx,
		cancel:           cancel,
		mu:               sync.RWMutex{},
		subscribers:      make(map[SubscriptionID]*subscriber),
		shutdownOnce:     sync.Once{},
		nextID:           atomic.Uint64{},
		publishedCounter: nil,
		subscriberGauge:  nil,
		droppedCounter:   nil,
		publishDuration:  nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	return bus
}

// Publish fans the event out to every matching subscriber and returns once each has it buffered.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return ErrInvalidEvent
	}
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	start := time.Now()

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(evt.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	attrs := append(telemetry.MarketAttributes(evt.MarketID), telemetry.AttrEventType.String(string(evt.Type)))
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	if len(targets) == 0 {
		return nil
	}
	if len(targets) == 1 {
		b.deliver(ctx, targets[0], evt.Clone())
	} else {
		p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
		for _, sub := range targets {
			target := sub
			clone := evt.Clone()
			p.Go(func() {
				b.deliver(ctx, target, clone)
			})
		}
		p.Wait()
	}

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return nil
}

// deliver buffers evt for sub, evicting the oldest buffered event when the buffer is full.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt schema.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- evt:
		return
	default:
	}
	select {
	case dropped := <-sub.ch:
		b.logger.Warn("eventbus subscriber buffer full; dropped oldest event",
			zap.String("market", dropped.MarketID),
			zap.String("event_type", string(dropped.Type)))
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				append(telemetry.MarketAttributes(dropped.MarketID), telemetry.AttrEventType.String(string(dropped.Type)))...))
		}
	default:
	}
	select {
	case sub.ch <- evt:
	default:
	}
}

// Subscribe registers for events of the given types and returns a subscription ID and channel.
// The channel is closed on Unsubscribe, on ctx cancellation or when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan schema.Event, error) {
	if b.ctx.Err() != nil {
		return "", nil, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)

	filter := make(map[schema.EventType]struct{}, len(types))
	for _, typ := range types {
		if typ == "" {
			cancel()
			return "", nil, ErrInvalidEvent
		}
		filter[typ] = struct{}{}
	}

	sub := &subscriber{
		ctx:    subCtx,
		cancel: cancel,
		types:  filter,
		mu:     sync.Mutex{},
		ch:     make(chan schema.Event, b.cfg.BufferSize),
		closed: false,
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", b.nextID.Add(1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(subCtx, 1)
	}

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if ok {
		sub.cancel()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := make([]*subscriber, 0, len(b.subscribers))
		for id, sub := range b.subscribers {
			subs = append(subs, sub)
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			sub.cancel()
			sub.close()
		}
	})
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1)
	}
	sub.close()
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

var _ Bus = (*MemoryBus)(nil)
