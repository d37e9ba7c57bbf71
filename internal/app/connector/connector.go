// Package connector is the programmatic surface of the multi-market connector. It wires the
// registry, the connection supervisor, the normalizer, the rate governor and the order gateway.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"
	concpool "github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/app/gateway"
	"github.com/coachpo/voltlink/internal/app/ingest"
	"github.com/coachpo/voltlink/internal/app/ratelimit"
	"github.com/coachpo/voltlink/internal/app/registry"
	"github.com/coachpo/voltlink/internal/app/supervisor"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
	"github.com/coachpo/voltlink/internal/infra/bus/eventbus"
	"github.com/coachpo/voltlink/internal/infra/credentials"
)

const defaultConnectConcurrency = 4

// LatestStore serves and records the most recent point per key.
type LatestStore interface {
	Put(ctx context.Context, point schema.MarketDataPoint) error
	Get(ctx context.Context, key schema.LatestKey) (schema.MarketDataPoint, bool, error)
}

// Sink persists normalized points and order results.
type Sink interface {
	ingest.Sink
	gateway.OrderSink
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock injects the clock shared by every component.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Connector) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithBus sets the event bus.
func WithBus(bus eventbus.Bus) Option {
	return func(c *Connector) { c.bus = bus }
}

// WithLatestStore sets the latest-value cache.
func WithLatestStore(store LatestStore) Option {
	return func(c *Connector) { c.latest = store }
}

// WithSink sets where points and order results are persisted.
func WithSink(sink Sink) Option {
	return func(c *Connector) { c.sink = sink }
}

// WithCredentials sets the credential provider handed to adapters.
func WithCredentials(provider credentials.Provider) Option {
	return func(c *Connector) { c.credentials = provider }
}

// WithHTTPClient sets the HTTP client handed to adapters.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) { c.httpClient = client }
}

// WithConnectConcurrency bounds how many markets ConnectAll starts at once.
func WithConnectConcurrency(n int) Option {
	return func(c *Connector) {
		if n > 0 {
			c.connectConcurrency = n
		}
	}
}

// Connector fronts every market.
type Connector struct {
	registry *registry.Registry
	builder  supervisor.AdapterBuilder

	logger             *zap.Logger
	clock              clockwork.Clock
	bus                eventbus.Bus
	latest             LatestStore
	sink               Sink
	credentials        credentials.Provider
	httpClient         *http.Client
	connectConcurrency int

	governor   *ratelimit.Governor
	normalizer *ingest.Normalizer
	supervisor *supervisor.Supervisor
	gateway    *gateway.Gateway

	mu    sync.Mutex
	bound map[string]struct{}
}

// New builds a connector over the markets held by reg. Adapters are built through builder.
func New(reg *registry.Registry, builder supervisor.AdapterBuilder, opts ...Option) *Connector {
	c := &Connector{
		registry:           reg,
		builder:            builder,
		logger:             zap.NewNop(),
		clock:              clockwork.NewRealClock(),
		bus:                nil,
		latest:             nil,
		sink:               nil,
		credentials:        nil,
		httpClient:         nil,
		connectConcurrency: defaultConnectConcurrency,
		governor:           nil,
		normalizer:         nil,
		supervisor:         nil,
		gateway:            nil,
		mu:                 sync.Mutex{},
		bound:              make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.governor = ratelimit.NewGovernor(ratelimit.WithClock(c.clock))

	normalizerOpts := []ingest.Option{ingest.WithLogger(c.logger.Named("ingest"))}
	if c.sink != nil {
		normalizerOpts = append(normalizerOpts, ingest.WithSink(c.sink))
	}
	if c.latest != nil {
		normalizerOpts = append(normalizerOpts, ingest.WithCache(c.latest))
	}
	if c.bus != nil {
		normalizerOpts = append(normalizerOpts, ingest.WithPublisher(c.bus))
	}
	c.normalizer = ingest.NewNormalizer(normalizerOpts...)

	supervisorOpts := []supervisor.Option{
		supervisor.WithClock(c.clock),
		supervisor.WithLogger(c.logger.Named("supervisor")),
		supervisor.WithFrameHandler(c.normalizer),
		supervisor.WithAdapterDeps(shared.Deps{
			Credentials: c.credentials,
			Governor:    c.governor,
			HTTPClient:  c.httpClient,
			Clock:       c.clock,
			Logger:      c.logger.Named("adapter"),
		}),
	}
	gatewayOpts := []gateway.Option{
		gateway.WithClock(c.clock),
		gateway.WithLogger(c.logger.Named("gateway")),
	}
	if c.bus != nil {
		supervisorOpts = append(supervisorOpts, supervisor.WithPublisher(c.bus))
		gatewayOpts = append(gatewayOpts, gateway.WithPublisher(c.bus))
	}
	if c.sink != nil {
		gatewayOpts = append(gatewayOpts, gateway.WithOrderSink(c.sink))
	}
	c.supervisor = supervisor.New(builder, supervisorOpts...)
	c.gateway = gateway.New(reg, c.supervisor, c.governor, gatewayOpts...)
	return c
}

// Start binds a worker and a rate budget to every registered market. Markets stay DISCONNECTED
// until connected.
func (c *Connector) Start() error {
	return c.sync()
}

// Reload re-reads the market source and applies the new set. When the source yields no valid
// market the running set is kept and the error returned.
func (c *Connector) Reload(ctx context.Context) (registry.Result, error) {
	result, err := c.registry.Reload(ctx)
	if err != nil {
		return result, fmt.Errorf("reload markets: %w", err)
	}
	if err := c.sync(); err != nil {
		return result, err
	}
	c.logger.Info("markets reloaded",
		zap.Strings("loaded", result.Loaded),
		zap.Strings("inactive", result.Inactive),
		zap.Int("rejected", len(result.Rejected)))
	return result, nil
}

func (c *Connector) sync() error {
	configs := c.registry.List()
	c.mu.Lock()
	next := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		next[cfg.ID] = struct{}{}
		c.governor.Configure(cfg.ID, ratelimit.Limits{
			Requests: cfg.Settings.RateLimitRequests,
			Window:   cfg.Settings.RateLimitWindow,
		})
	}
	for id := range c.bound {
		if _, ok := next[id]; !ok {
			c.governor.Forget(id)
			c.normalizer.Forget(id)
		}
	}
	c.bound = next
	c.mu.Unlock()

	if err := c.supervisor.Sync(configs); err != nil {
		return fmt.Errorf("bind markets: %w", err)
	}
	return nil
}

// ConnectMarket starts connecting a registered market. It returns once the attempt is under
// way; progress is reported through lifecycle events and GetServiceStatus.
func (c *Connector) ConnectMarket(ctx context.Context, marketID string) error {
	if err := c.known(marketID); err != nil {
		return err
	}
	if err := c.supervisor.Connect(ctx, marketID); err != nil {
		return fmt.Errorf("connect %s: %w", marketID, err)
	}
	return nil
}

// DisconnectMarket moves a market to DISCONNECTED. Disconnecting twice is a no-op.
func (c *Connector) DisconnectMarket(ctx context.Context, marketID string) error {
	if err := c.known(marketID); err != nil {
		return err
	}
	if err := c.supervisor.Disconnect(ctx, marketID); err != nil {
		return fmt.Errorf("disconnect %s: %w", marketID, err)
	}
	return nil
}

// ConnectAll starts every registered market in descending priority with bounded concurrency.
func (c *Connector) ConnectAll(ctx context.Context) error {
	p := concpool.New().WithContext(ctx).WithMaxGoroutines(c.connectConcurrency)
	for _, cfg := range c.registry.List() {
		id := cfg.ID
		p.Go(func(ctx context.Context) error {
			return c.ConnectMarket(ctx, id)
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("connect all: %w", err)
	}
	return nil
}

// EnterMaintenance releases a market's session until ExitMaintenance.
func (c *Connector) EnterMaintenance(ctx context.Context, marketID string) error {
	if err := c.known(marketID); err != nil {
		return err
	}
	return c.supervisor.EnterMaintenance(ctx, marketID)
}

// ExitMaintenance reconnects a market held in maintenance.
func (c *Connector) ExitMaintenance(ctx context.Context, marketID string) error {
	if err := c.known(marketID); err != nil {
		return err
	}
	return c.supervisor.ExitMaintenance(ctx, marketID)
}

// Subscribe requests additional data kinds from a connected market.
func (c *Connector) Subscribe(ctx context.Context, marketID string, kinds ...schema.DataKind) error {
	if err := c.known(marketID); err != nil {
		return err
	}
	return c.supervisor.Subscribe(ctx, marketID, kinds...)
}

// SubmitOrder sends req to marketID once. See gateway.Gateway.Submit for the error contract.
func (c *Connector) SubmitOrder(ctx context.Context, marketID string, req schema.OrderRequest) (schema.OrderResult, error) {
	return c.gateway.Submit(ctx, marketID, req)
}

// GetLatest returns the most recent point for (market, symbol, kind). An empty symbol selects the
// market-wide series.
func (c *Connector) GetLatest(ctx context.Context, marketID, symbol string, kind schema.DataKind) (schema.MarketDataPoint, bool) {
	if c.latest == nil {
		return schema.MarketDataPoint{}, false
	}
	if symbol == "" {
		symbol = schema.DefaultSymbol
	}
	point, ok, err := c.latest.Get(ctx, schema.LatestKey{MarketID: marketID, Symbol: symbol, Kind: kind})
	if err != nil {
		c.logger.Warn("latest lookup failed", zap.String("market", marketID), zap.String("data_kind", string(kind)), zap.Error(err))
		return schema.MarketDataPoint{}, false
	}
	return point, ok
}

// GetServiceStatus reports every market's state and the aggregate.
func (c *Connector) GetServiceStatus() ServiceStatus {
	return summarize(c.supervisor.Snapshots())
}

// Events subscribes to bus events of the given types, all when none are given. The returned
// func unsubscribes.
func (c *Connector) Events(ctx context.Context, types ...schema.EventType) (<-chan schema.Event, func(), error) {
	if c.bus == nil {
		return nil, nil, errors.New("connector: no event bus configured")
	}
	id, ch, err := c.bus.Subscribe(ctx, types...)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe events: %w", err)
	}
	return ch, func() { c.bus.Unsubscribe(id) }, nil
}

// Markets lists the registered market configs in priority order.
func (c *Connector) Markets() []market.Config {
	return c.registry.List()
}

// Close disconnects every market. The bus, cache and sink belong to the caller.
func (c *Connector) Close(ctx context.Context) error {
	if err := c.supervisor.Close(ctx); err != nil {
		return fmt.Errorf("close supervisor: %w", err)
	}
	return nil
}

func (c *Connector) known(marketID string) error {
	if _, ok := c.registry.Get(marketID); !ok {
		return errs.Precondition(marketID, errs.CanonicalMarketNotFound, "market not registered")
	}
	return nil
}
