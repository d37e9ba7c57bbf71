package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/internal/domain/outboxstore"
	"github.com/coachpo/voltlink/internal/domain/schema"
)

// DurableOption configures the durable bus wrapper.
type DurableOption func(*DurableBus)

// WithDurableLogger overrides the logger used by the durable bus.
func WithDurableLogger(logger *zap.Logger) DurableOption {
	return func(b *DurableBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithReplayInterval tweaks the polling cadence for replaying undelivered events.
func WithReplayInterval(interval time.Duration) DurableOption {
	return func(b *DurableBus) {
		if interval > 0 {
			b.replayInterval = interval
		}
	}
}

// WithReplayBatchSize configures the number of rows fetched per replay tick.
func WithReplayBatchSize(size int) DurableOption {
	return func(b *DurableBus) {
		if size > 0 {
			b.replayBatchSize = size
		}
	}
}

// WithReplayDisabled skips starting the background replay worker.
func WithReplayDisabled() DurableOption {
	return func(b *DurableBus) {
		b.replayDisabled = true
	}
}

// WithDurableFilter selects which events go through the outbox. Others are published directly.
func WithDurableFilter(filter func(schema.EventType) bool) DurableOption {
	return func(b *DurableBus) {
		if filter != nil {
			b.filter = filter
		}
	}
}

// DefaultDurableFilter persists lifecycle and order events; high-rate market data bypasses the outbox.
func DefaultDurableFilter(typ schema.EventType) bool {
	return typ.IsLifecycle() || typ == schema.EventOrderResult
}

// DurableBus wraps a bus with outbox-backed at-least-once delivery for selected events.
type DurableBus struct {
	inner Bus
	store outboxstore.Store

	logger          *zap.Logger
	filter          func(schema.EventType) bool
	replayInterval  time.Duration
	replayBatchSize int
	replayDisabled  bool

	replayCtx    context.Context
	replayCancel context.CancelFunc
	replayWG     sync.WaitGroup
	closeOnce    sync.Once
}

const (
	defaultReplayInterval  = 5 * time.Second
	defaultReplayBatchSize = 128
)

// NewDurableBus wraps inner with outbox persistence. When store is nil inner is returned unmodified.
func NewDurableBus(inner Bus, store outboxstore.Store, opts ...DurableOption) Bus {
	if inner == nil {
		return nil
	}
	if store == nil {
		return inner
	}
	durable := &DurableBus{
		inner:           inner,
		store:           store,
		logger:          zap.NewNop(),
		filter:          DefaultDurableFilter,
		replayInterval:  defaultReplayInterval,
		replayBatchSize: defaultReplayBatchSize,
		replayDisabled:  false,
		replayCtx:       nil,
		replayCancel:    nil,
		replayWG:        sync.WaitGroup{},
		closeOnce:       sync.Once{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(durable)
		}
	}
	if !durable.replayDisabled {
		durable.startReplayWorker()
	}
	return durable
}

// Publish persists selected events to the outbox before delegating to the inner bus.
// A failed delivery stays pending and is replayed later.
func (b *DurableBus) Publish(ctx context.Context, evt schema.Event) error {
	if !b.filter(evt.Type) {
		return b.inner.Publish(ctx, evt)
	}
	recordID, err := b.enqueue(safeContext(ctx), evt)
	if err != nil {
		// Outbox unavailable; deliver without durability.
		b.logger.Warn("outbox enqueue failed; publishing without durability",
			zap.String("market", evt.MarketID), zap.String("event_type", string(evt.Type)), zap.Error(err))
		return b.inner.Publish(ctx, evt)
	}
	if err := b.inner.Publish(ctx, evt); err != nil {
		b.markFailure(safeContext(ctx), recordID, err)
		return fmt.Errorf("durable bus publish: %w", err)
	}
	if err := b.store.MarkDelivered(safeContext(ctx), recordID); err != nil {
		b.logger.Warn("outbox mark delivered failed", zap.Int64("id", recordID), zap.Error(err))
	}
	return nil
}

// Subscribe delegates to the inner bus.
func (b *DurableBus) Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan schema.Event, error) {
	id, ch, err := b.inner.Subscribe(ctx, types...)
	if err != nil {
		return "", nil, fmt.Errorf("durable bus subscribe: %w", err)
	}
	return id, ch, nil
}

// Unsubscribe delegates to the inner bus.
func (b *DurableBus) Unsubscribe(id SubscriptionID) {
	b.inner.Unsubscribe(id)
}

// Close stops the replay worker before closing the inner bus.
func (b *DurableBus) Close() {
	b.closeOnce.Do(func() {
		if b.replayCancel != nil {
			b.replayCancel()
			b.replayWG.Wait()
		}
		b.inner.Close()
	})
}

func (b *DurableBus) startReplayWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	b.replayCtx = ctx
	b.replayCancel = cancel
	b.replayWG.Add(1)
	go func() {
		defer b.replayWG.Done()
		ticker := time.NewTicker(b.replayInterval)
		defer ticker.Stop()
		b.ReplayPending(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.ReplayPending(ctx)
			}
		}
	}()
}

// ReplayPending republishes undelivered outbox entries once.
func (b *DurableBus) ReplayPending(ctx context.Context) {
	records, err := b.store.ListPending(ctx, b.replayBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("outbox replay list failed", zap.Error(err))
		}
		return
	}
	for _, record := range records {
		var evt schema.Event
		if err := json.Unmarshal(record.Payload, &evt); err != nil {
			b.logger.Warn("outbox replay decode failed", zap.Int64("id", record.ID), zap.Error(err))
			_ = b.store.MarkFailed(ctx, record.ID, err.Error())
			continue
		}
		if err := b.inner.Publish(ctx, evt); err != nil {
			b.logger.Warn("outbox replay publish failed", zap.Int64("id", record.ID), zap.Error(err))
			_ = b.store.MarkFailed(ctx, record.ID, err.Error())
			continue
		}
		if err := b.store.MarkDelivered(ctx, record.ID); err != nil {
			b.logger.Warn("outbox replay mark delivered failed", zap.Int64("id", record.ID), zap.Error(err))
		}
	}
}

func (b *DurableBus) enqueue(ctx context.Context, evt schema.Event) (int64, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("durable bus: encode payload: %w", err)
	}
	availableAt := evt.Timestamp
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	record, err := b.store.Enqueue(ctx, outboxstore.Entry{
		EventID:     evt.ID,
		MarketID:    evt.MarketID,
		EventType:   string(evt.Type),
		Payload:     payload,
		AvailableAt: availableAt,
	})
	if err != nil {
		return 0, fmt.Errorf("durable bus enqueue: %w", err)
	}
	return record.ID, nil
}

func (b *DurableBus) markFailure(ctx context.Context, id int64, publishErr error) {
	msg := "publish failed"
	if publishErr != nil && strings.TrimSpace(publishErr.Error()) != "" {
		msg = publishErr.Error()
	}
	if err := b.store.MarkFailed(ctx, id, msg); err != nil {
		b.logger.Warn("outbox mark failed error", zap.Int64("id", id), zap.Error(err))
	}
}

func safeContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

var _ Bus = (*DurableBus)(nil)
