// Package ingest maps raw provider frames onto the canonical data model and forwards each point to
// the sink, the latest-value cache and the event bus.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

// Sink persists normalized points.
type Sink interface {
	Save(ctx context.Context, point schema.MarketDataPoint) error
}

// LatestWriter receives the newest point per key.
type LatestWriter interface {
	Put(ctx context.Context, point schema.MarketDataPoint) error
}

// Publisher receives data events.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// maxLoggedPayload bounds the raw payload attached to ingestion error logs.
const maxLoggedPayload = 2048

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithSink sets the persistence sink.
func WithSink(sink Sink) Option {
	return func(n *Normalizer) { n.sink = sink }
}

// WithCache sets the latest-value cache.
func WithCache(cache LatestWriter) Option {
	return func(n *Normalizer) { n.cache = cache }
}

// WithPublisher sets the event bus.
func WithPublisher(bus Publisher) Option {
	return func(n *Normalizer) { n.bus = bus }
}

// Normalizer is safe for concurrent use across markets; frames of one market must be handled
// serially to keep arrival order.
type Normalizer struct {
	logger *zap.Logger
	sink   Sink
	cache  LatestWriter
	bus    Publisher
	seq    *sequencer

	framesCounter  metric.Int64Counter
	droppedCounter metric.Int64Counter
	outOfOrder     metric.Int64Counter
	duration       metric.Float64Histogram
}

// NewNormalizer builds a normalizer. Nil collaborators are skipped.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		logger:         zap.NewNop(),
		sink:           nil,
		cache:          nil,
		bus:            nil,
		seq:            newSequencer(),
		framesCounter:  nil,
		droppedCounter: nil,
		outOfOrder:     nil,
		duration:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	meter := otel.Meter("ingest")
	n.framesCounter, _ = meter.Int64Counter("ingest.frames",
		metric.WithDescription("Inbound frames processed by the normalizer"),
		metric.WithUnit("{frame}"))
	n.droppedCounter, _ = meter.Int64Counter("ingest.dropped",
		metric.WithDescription("Inbound frames dropped as malformed"),
		metric.WithUnit("{frame}"))
	n.outOfOrder, _ = meter.Int64Counter("ingest.out_of_order",
		metric.WithDescription("Points re-stamped to keep per-key timestamps monotonic"),
		metric.WithUnit("{point}"))
	n.duration, _ = meter.Float64Histogram("ingest.duration",
		metric.WithDescription("Frame normalisation time"),
		metric.WithUnit("ms"))
	return n
}

// Handle normalizes one frame and returns the points it produced. Malformed frames are logged with
// the raw payload and dropped; the returned error is an ingestion *errs.E for callers that count
// them. Control frames with an unrouted message type yield no points and no error.
func (n *Normalizer) Handle(ctx context.Context, cfg market.Config, frame shared.Frame) (points []schema.MarketDataPoint, err error) {
	defer func() {
		if r := recover(); r != nil {
			points = nil
			err = errs.New(cfg.ID, errs.CodeIngestion, errs.WithMessage(fmt.Sprintf("normalizer panic: %v", r)))
			n.drop(ctx, cfg, frame, err, zap.ByteString("stack", debug.Stack()))
		}
	}()

	start := time.Now()
	points, skipped, err := n.normalize(cfg, frame)
	if n.duration != nil {
		n.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(telemetry.MarketAttributes(cfg.ID)...))
	}
	if err != nil {
		wrapped := errs.New(cfg.ID, errs.CodeIngestion, errs.WithMessage(err.Error()), errs.WithCause(err))
		n.drop(ctx, cfg, frame, wrapped)
		return nil, wrapped
	}
	if skipped {
		n.count(ctx, cfg.ID, "", "skipped")
		return nil, nil
	}

	for i := range points {
		ts, reordered := n.seq.stamp(points[i])
		points[i].EventTimestamp = ts
		points[i].OutOfOrder = reordered
		if reordered && n.outOfOrder != nil {
			n.outOfOrder.Add(ctx, 1, metric.WithAttributes(telemetry.DataAttributes(cfg.ID, string(points[i].Kind), "")...))
		}
		n.forward(ctx, points[i])
	}
	if len(points) > 0 {
		n.count(ctx, cfg.ID, string(points[0].Kind), telemetry.ResultSuccess)
	}
	return points, nil
}

// Forget clears ordering state for marketID.
func (n *Normalizer) Forget(marketID string) {
	n.seq.forget(marketID)
}

func (n *Normalizer) forward(ctx context.Context, point schema.MarketDataPoint) {
	if n.sink != nil {
		if err := n.sink.Save(ctx, point); err != nil {
			n.logger.Warn("sink save failed", zap.String("market", point.MarketID), zap.String("data_kind", string(point.Kind)), zap.Error(err))
		}
	}
	if n.cache != nil {
		if err := n.cache.Put(ctx, point); err != nil {
			n.logger.Warn("cache put failed", zap.String("market", point.MarketID), zap.String("data_kind", string(point.Kind)), zap.Error(err))
		}
	}
	if n.bus != nil {
		if err := n.bus.Publish(ctx, schema.NewDataEvent(point)); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Warn("publish data event failed", zap.String("market", point.MarketID), zap.String("data_kind", string(point.Kind)), zap.Error(err))
		}
	}
}

func (n *Normalizer) drop(ctx context.Context, cfg market.Config, frame shared.Frame, err error, extra ...zap.Field) {
	raw := frame.Body
	if len(raw) > maxLoggedPayload {
		raw = raw[:maxLoggedPayload]
	}
	fields := append([]zap.Field{
		zap.String("market", cfg.ID),
		zap.String("data_kind", string(frame.Kind)),
		zap.ByteString("payload", raw),
		zap.Error(err),
	}, extra...)
	n.logger.Warn("malformed frame dropped", fields...)
	if n.droppedCounter != nil {
		n.droppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.DataAttributes(cfg.ID, string(frame.Kind), telemetry.ResultDropped)...))
	}
	n.count(ctx, cfg.ID, string(frame.Kind), telemetry.ResultDropped)
}

func (n *Normalizer) count(ctx context.Context, marketID, kind, result string) {
	if n.framesCounter != nil {
		n.framesCounter.Add(ctx, 1, metric.WithAttributes(telemetry.DataAttributes(marketID, kind, result)...))
	}
}

// normalize resolves the kind and builds points. skipped reports a control frame.
func (n *Normalizer) normalize(cfg market.Config, frame shared.Frame) ([]schema.MarketDataPoint, bool, error) {
	if len(frame.Body) == 0 {
		return nil, false, errors.New("empty payload")
	}
	doc, err := shared.DecodeJSON(frame.Body)
	if err != nil {
		return nil, false, fmt.Errorf("decode payload: %w", err)
	}

	kind := frame.Kind
	if kind == "" {
		raw, ok := shared.Lookup(doc, cfg.Stream.TypeField)
		if !ok {
			return nil, true, nil
		}
		msgType, ok := asString(raw)
		if !ok {
			return nil, true, nil
		}
		resolved, ok := cfg.Stream.KindFor(msgType)
		if !ok {
			return nil, true, nil
		}
		kind = resolved
	}
	fields, ok := cfg.Mapping[kind]
	if !ok {
		return nil, false, fmt.Errorf("no field mapping for %s", kind)
	}

	records, err := selectRecords(doc, fields[market.FieldRecords])
	if err != nil {
		return nil, false, err
	}
	points := make([]schema.MarketDataPoint, 0, len(records))
	for i, record := range records {
		point, err := buildPoint(cfg.ID, kind, fields, record, frame)
		if err != nil {
			if len(records) > 1 {
				return nil, false, fmt.Errorf("record %d: %w", i, err)
			}
			return nil, false, err
		}
		points = append(points, point)
	}
	return points, false, nil
}

// selectRecords returns the records at path, or the document itself. A bare top-level array is
// treated as a list of records.
func selectRecords(doc any, path string) ([]any, error) {
	if path == "" {
		if list, ok := doc.([]any); ok {
			return list, nil
		}
		return []any{doc}, nil
	}
	node, ok := shared.Lookup(doc, path)
	if !ok {
		return nil, fmt.Errorf("records path %q missing", path)
	}
	list, ok := node.([]any)
	if !ok {
		return nil, fmt.Errorf("records path %q is not an array", path)
	}
	return list, nil
}
