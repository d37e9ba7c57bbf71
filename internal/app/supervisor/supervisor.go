// Package supervisor owns every market's connection lifecycle. Each market runs one actor
// goroutine that alone mutates its state; readers see immutable snapshots.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
)

var (
	// ErrUnknownMarket is returned for markets without a worker.
	ErrUnknownMarket = errors.New("supervisor: unknown market")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor: closed")
)

// AdapterBuilder builds transport adapters; *shared.Registry implements it.
type AdapterBuilder interface {
	Build(cfg market.Config, deps shared.Deps) (shared.Adapter, error)
}

// FrameHandler consumes inbound frames in arrival order per market.
type FrameHandler interface {
	Handle(ctx context.Context, cfg market.Config, frame shared.Frame) ([]schema.MarketDataPoint, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock injects the clock driving heartbeat checks and reconnect timers.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Supervisor) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sets the lifecycle event sink.
func WithPublisher(pub Publisher) Option {
	return func(s *Supervisor) { s.publisher = pub }
}

// WithFrameHandler sets the ingestion handler.
func WithFrameHandler(handler FrameHandler) Option {
	return func(s *Supervisor) { s.handler = handler }
}

// WithAdapterDeps sets the collaborators handed to adapter factories.
func WithAdapterDeps(deps shared.Deps) Option {
	return func(s *Supervisor) { s.deps = deps }
}

// WithFrameBuffer sets the per-market inbound frame queue size.
func WithFrameBuffer(size int) Option {
	return func(s *Supervisor) {
		if size > 0 {
			s.frameBuffer = size
		}
	}
}

// Supervisor runs one worker per market.
type Supervisor struct {
	builder     AdapterBuilder
	clock       clockwork.Clock
	logger      *zap.Logger
	publisher   Publisher
	handler     FrameHandler
	deps        shared.Deps
	frameBuffer int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	workers map[string]*worker
	closed  bool

	attemptsCounter    metric.Int64Counter
	transitionsCounter metric.Int64Counter
	connectDuration    metric.Float64Histogram
}

const defaultFrameBuffer = 256

// New returns a supervisor building adapters with builder.
func New(builder AdapterBuilder, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		builder:            builder,
		clock:              clockwork.NewRealClock(),
		logger:             zap.NewNop(),
		publisher:          nil,
		handler:            nil,
		deps:               shared.Deps{},
		frameBuffer:        defaultFrameBuffer,
		ctx:                ctx,
		cancel:             cancel,
		mu:                 sync.RWMutex{},
		workers:            make(map[string]*worker),
		closed:             false,
		attemptsCounter:    nil,
		transitionsCounter: nil,
		connectDuration:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.deps.Clock == nil {
		s.deps.Clock = s.clock
	}
	if s.deps.Logger == nil {
		s.deps.Logger = s.logger
	}
	meter := otel.Meter("supervisor")
	s.attemptsCounter, _ = meter.Int64Counter("connector.connect.attempts",
		metric.WithDescription("Connect attempts by outcome"),
		metric.WithUnit("{attempt}"))
	s.transitionsCounter, _ = meter.Int64Counter("connector.state.transitions",
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"))
	s.connectDuration, _ = meter.Float64Histogram("connector.connect.duration",
		metric.WithDescription("Time from connect start to an established or failed session"),
		metric.WithUnit("ms"))
	return s
}

// Sync starts workers for new markets, stops workers for removed ones and rebinds changed configs.
func (s *Supervisor) Sync(configs []market.Config) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	type rebind struct {
		w   *worker
		cfg market.Config
	}
	keep := make(map[string]struct{}, len(configs))
	var started []*worker
	var rebinds []rebind
	for _, cfg := range configs {
		keep[cfg.ID] = struct{}{}
		if w, ok := s.workers[cfg.ID]; ok {
			rebinds = append(rebinds, rebind{w: w, cfg: cfg})
			continue
		}
		w := newWorker(s, cfg)
		s.workers[cfg.ID] = w
		started = append(started, w)
	}
	var removed []*worker
	for id, w := range s.workers {
		if _, ok := keep[id]; !ok {
			removed = append(removed, w)
			delete(s.workers, id)
		}
	}
	s.mu.Unlock()

	// rebind blocks on the worker actor; s.mu must not be held here.
	for _, r := range rebinds {
		r.w.rebind(r.cfg)
	}
	for _, w := range started {
		w.start()
	}
	for _, w := range removed {
		w.stop()
		s.logger.Info("market worker stopped", zap.String("market", w.id))
	}
	return nil
}

// Connect starts a connection attempt. Connecting or connected markets are left alone; a manual
// connect clears the attempt counter and the abandoned flag.
func (s *Supervisor) Connect(ctx context.Context, marketID string) error {
	w, err := s.worker(marketID)
	if err != nil {
		return err
	}
	return w.call(ctx, command{kind: cmdConnect})
}

// Disconnect moves the market to DISCONNECTED from any state. It is idempotent.
func (s *Supervisor) Disconnect(ctx context.Context, marketID string) error {
	w, err := s.worker(marketID)
	if err != nil {
		return err
	}
	return w.call(ctx, command{kind: cmdDisconnect})
}

// Subscribe asks a connected market's adapter for additional data kinds.
func (s *Supervisor) Subscribe(ctx context.Context, marketID string, kinds ...schema.DataKind) error {
	w, err := s.worker(marketID)
	if err != nil {
		return err
	}
	adapter, sessionCtx, ok := w.session()
	if !ok {
		return errs.Precondition(marketID, errs.CanonicalNotConnected, "market is not connected")
	}
	merged, cancel := shared.MergeContext(ctx, sessionCtx)
	defer cancel()
	if err := adapter.Subscribe(merged, kinds); err != nil {
		return fmt.Errorf("subscribe %s: %w", marketID, err)
	}
	return nil
}

// EnterMaintenance releases the session and suspends reconnection until ExitMaintenance.
func (s *Supervisor) EnterMaintenance(ctx context.Context, marketID string) error {
	w, err := s.worker(marketID)
	if err != nil {
		return err
	}
	return w.call(ctx, command{kind: cmdEnterMaintenance})
}

// ExitMaintenance returns the market to DISCONNECTED and starts a fresh connect.
func (s *Supervisor) ExitMaintenance(ctx context.Context, marketID string) error {
	w, err := s.worker(marketID)
	if err != nil {
		return err
	}
	return w.call(ctx, command{kind: cmdExitMaintenance})
}

// Snapshot returns the current state of one market.
func (s *Supervisor) Snapshot(marketID string) (Snapshot, bool) {
	w, err := s.worker(marketID)
	if err != nil {
		return Snapshot{}, false
	}
	return w.snapshot(), true
}

// Snapshots returns every market's state sorted by market ID.
func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.RLock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()
	out := make([]Snapshot, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// Session returns the live adapter of a connected market and a context cancelled when that
// session ends.
func (s *Supervisor) Session(marketID string) (shared.Adapter, context.Context, bool) {
	w, err := s.worker(marketID)
	if err != nil {
		return nil, nil, false
	}
	return w.session()
}

// RecordRequest counts an outbound request made on behalf of marketID.
func (s *Supervisor) RecordRequest(marketID string, ok bool) {
	if w, err := s.worker(marketID); err == nil {
		w.recordRequest(ok)
	}
}

// Close stops every worker and releases their sessions.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for id, w := range s.workers {
		workers = append(workers, w)
		delete(s.workers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, w := range workers {
			w.stop()
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("supervisor close: %w", ctx.Err())
	}
	s.cancel()
	return nil
}

func (s *Supervisor) worker(marketID string) (*worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	w, ok := s.workers[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return w, nil
}

func (s *Supervisor) publish(evt schema.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(s.ctx, evt); err != nil {
		s.logger.Warn("publish lifecycle event failed",
			zap.String("market", evt.MarketID), zap.String("event_type", string(evt.Type)), zap.Error(err))
	}
}
