package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/app/registry"
	"github.com/coachpo/voltlink/internal/app/supervisor"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/fake"
	"github.com/coachpo/voltlink/internal/infra/adapters/rest"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
	"github.com/coachpo/voltlink/internal/infra/bus/eventbus"
	"github.com/coachpo/voltlink/internal/infra/cache"
)

const waitFor = 2 * time.Second

type mutableSource struct {
	mu    sync.Mutex
	specs []market.Spec
}

func (s *mutableSource) Specs(context.Context) ([]market.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.Spec(nil), s.specs...), nil
}

func (*mutableSource) Name() string { return "test" }

func (s *mutableSource) set(specs ...market.Spec) {
	s.mu.Lock()
	s.specs = specs
	s.mu.Unlock()
}

func spec(id string, priority int) market.Spec {
	return market.Spec{
		ID:             id,
		Kind:           "day_ahead",
		Transport:      "rest",
		Priority:       priority,
		TradingEnabled: true,
		Endpoints: market.EndpointSpec{
			BaseURL: "https://" + id + ".example.test",
			Paths:   map[string]string{"price": "/prices"},
		},
		Mapping: map[string]map[string]string{"price": {"price": "p", "currency": "ccy"}},
		Orders:  market.OrderMapping{ResponseIDPath: "id"},
		Options: market.Options{RateLimitRequests: 1, RateLimitWindowMs: 60_000, ReconnectBaseMs: 5},
	}
}

type env struct {
	conn     *Connector
	provider *fake.Provider
	source   *mutableSource
	bus      *eventbus.MemoryBus
}

func newEnv(t *testing.T, specs ...market.Spec) *env {
	t.Helper()
	source := &mutableSource{specs: specs}
	reg := registry.New()
	_, err := reg.Load(context.Background(), source)
	require.NoError(t, err)

	provider := fake.NewProvider(fake.Script{})
	adapters := shared.NewRegistry()
	adapters.Register(market.TransportREST, provider.Factory())

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 64})
	latest := cache.NewMemory()
	conn := New(reg, adapters, WithBus(bus), WithLatestStore(latest))
	require.NoError(t, conn.Start())
	t.Cleanup(func() {
		_ = conn.Close(context.Background())
		bus.Close()
		_ = latest.Close()
	})
	return &env{conn: conn, provider: provider, source: source, bus: bus}
}

func (e *env) waitConnected(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.conn.GetServiceStatus().Aggregate.Connected == n
	}, waitFor, 2*time.Millisecond)
}

func TestPriceFrameReachesCacheAndBus(t *testing.T) {
	e := newEnv(t, spec("nordpool", 1))
	ctx := context.Background()
	events, stop, err := e.conn.Events(ctx, schema.EventPriceUpdate)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, e.conn.ConnectMarket(ctx, "nordpool"))
	e.waitConnected(t, 1)
	require.Equal(t, []schema.DataKind{schema.DataKindPrice}, e.provider.Last().Subscribed())

	require.NoError(t, e.provider.Last().Emit(schema.DataKindPrice, []byte(`{"p":"42.50","ccy":"EUR"}`)))

	select {
	case evt := <-events:
		require.Equal(t, "nordpool", evt.MarketID)
		require.True(t, evt.Data.Price.Price.Equal(decimal.RequireFromString("42.5")))
	case <-time.After(waitFor):
		t.Fatal("no price event")
	}
	point, ok := e.conn.GetLatest(ctx, "nordpool", "", schema.DataKindPrice)
	require.True(t, ok)
	require.Equal(t, schema.DefaultSymbol, point.Symbol)
	require.Equal(t, "EUR", point.Price.Currency)

	_, ok = e.conn.GetLatest(ctx, "nordpool", "", schema.DataKindTrade)
	require.False(t, ok)
}

func TestUnknownMarketIsRejected(t *testing.T) {
	e := newEnv(t, spec("nordpool", 1))
	ctx := context.Background()

	for _, err := range []error{
		e.conn.ConnectMarket(ctx, "atlantis"),
		e.conn.DisconnectMarket(ctx, "atlantis"),
		e.conn.EnterMaintenance(ctx, "atlantis"),
	} {
		require.True(t, errs.Is(err, errs.CodePrecondition))
		require.Equal(t, errs.CanonicalMarketNotFound, errs.CanonicalOf(err))
	}
	_, err := e.conn.SubmitOrder(ctx, "atlantis", schema.OrderRequest{})
	require.Equal(t, errs.CanonicalMarketNotFound, errs.CanonicalOf(err))
}

func TestSubmitOrderUsesMarketRateBudget(t *testing.T) {
	e := newEnv(t, spec("epex", 1))
	ctx := context.Background()
	require.NoError(t, e.conn.ConnectMarket(ctx, "epex"))
	e.waitConnected(t, 1)

	order := schema.OrderRequest{Symbol: "DE-H7", Side: schema.SideSell, Type: schema.OrderTypeMarket, Quantity: decimal.NewFromInt(5)}
	result, err := e.conn.SubmitOrder(ctx, "epex", order)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "ack-1", result.ProviderOrderID)
	require.NotEmpty(t, result.ClientOrderID)

	_, err = e.conn.SubmitOrder(ctx, "epex", order)
	require.Equal(t, errs.CanonicalRateLimited, errs.CanonicalOf(err))
	require.Equal(t, 1, e.provider.Submits())

	status := e.conn.GetServiceStatus()
	require.Equal(t, int64(1), status.Aggregate.Requests.Succeeded)
}

func TestConnectAllAndDisconnect(t *testing.T) {
	e := newEnv(t, spec("pjm", 1), spec("caiso", 7), spec("ercot", 3))
	ctx := context.Background()

	require.NoError(t, e.conn.ConnectAll(ctx))
	e.waitConnected(t, 3)
	status := e.conn.GetServiceStatus()
	require.True(t, status.Healthy())
	require.Equal(t, 3, status.Aggregate.Total)

	require.NoError(t, e.conn.DisconnectMarket(ctx, "ercot"))
	require.NoError(t, e.conn.DisconnectMarket(ctx, "ercot"))
	e.waitConnected(t, 2)
	require.False(t, e.conn.GetServiceStatus().Healthy())
}

func TestMaintenanceCountsAsHealthy(t *testing.T) {
	e := newEnv(t, spec("pjm", 1))
	ctx := context.Background()
	require.NoError(t, e.conn.ConnectMarket(ctx, "pjm"))
	e.waitConnected(t, 1)

	require.NoError(t, e.conn.EnterMaintenance(ctx, "pjm"))
	status := e.conn.GetServiceStatus()
	require.Equal(t, 1, status.Aggregate.Maintenance)
	require.True(t, status.Healthy())

	require.NoError(t, e.conn.ExitMaintenance(ctx, "pjm"))
	e.waitConnected(t, 1)
}

func TestReloadAppliesNewSetAndKeepsOldOnFailure(t *testing.T) {
	e := newEnv(t, spec("pjm", 1), spec("ercot", 2))
	ctx := context.Background()

	e.source.set(spec("pjm", 1))
	result, err := e.conn.Reload(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"pjm"}, result.Loaded)
	require.Equal(t, 1, e.conn.GetServiceStatus().Aggregate.Total)

	broken := spec("pjm", 1)
	broken.Transport = "carrier_pigeon"
	e.source.set(broken)
	_, err = e.conn.Reload(ctx)
	require.ErrorIs(t, err, registry.ErrNoMarkets)
	require.Len(t, e.conn.Markets(), 1)
	require.Equal(t, 1, e.conn.GetServiceStatus().Aggregate.Total)
}

func TestSummarizeAggregates(t *testing.T) {
	status := summarize([]supervisor.Snapshot{
		{MarketID: "a", State: supervisor.StateAuthenticated, UptimeRatio: 1, Requests: supervisor.RequestStats{Total: 3, Succeeded: 3}},
		{MarketID: "b", State: supervisor.StateError, Abandoned: true, UptimeRatio: 0.5, Requests: supervisor.RequestStats{Total: 2, Failed: 2}},
		{MarketID: "c", State: supervisor.StateMaintenance},
		{MarketID: "d", State: supervisor.StateDisconnected, UptimeRatio: 0.5},
	})
	agg := status.Aggregate
	require.Equal(t, 4, agg.Total)
	require.Equal(t, 1, agg.Connected)
	require.Equal(t, 1, agg.Errored)
	require.Equal(t, 1, agg.Maintenance)
	require.Equal(t, 1, agg.Abandoned)
	require.Equal(t, supervisor.RequestStats{Total: 5, Succeeded: 3, Failed: 2}, agg.Requests)
	require.InDelta(t, 0.5, agg.UptimeRatio, 1e-9)
	require.False(t, status.Healthy())
	require.False(t, summarize(nil).Healthy())
}

func TestRateLimitedPollingKeepsSessionAlive(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"p":"41.20","ccy":"EUR"}`))
	}))
	t.Cleanup(srv.Close)

	s := spec("omie", 1)
	s.Endpoints.BaseURL = srv.URL
	s.Options = market.Options{
		RateLimitRequests:   2,
		RateLimitWindowMs:   60_000,
		HeartbeatIntervalMs: 15_000,
		PollIntervalsMs:     map[string]int{"price": 5_000},
	}
	reg := registry.New()
	_, err := reg.Load(context.Background(), &mutableSource{specs: []market.Spec{s}})
	require.NoError(t, err)
	adapters := shared.NewRegistry()
	adapters.Register(market.TransportREST, rest.New)

	clock := clockwork.NewFakeClock()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 64})
	conn := New(reg, adapters, WithClock(clock), WithBus(bus), WithHTTPClient(srv.Client()))
	require.NoError(t, conn.Start())
	t.Cleanup(func() {
		_ = conn.Close(context.Background())
		bus.Close()
	})
	ctx := context.Background()
	lifecycle, stop, err := conn.Events(ctx, schema.EventMarketDisconnected)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, conn.ConnectMarket(ctx, "omie"))
	require.Eventually(t, func() bool { return conn.GetServiceStatus().Aggregate.Connected == 1 }, waitFor, 2*time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 2), "poll and heartbeat tickers armed")
	require.Eventually(t, func() bool { return hits.Load() == 1 }, waitFor, 2*time.Millisecond)

	for i := 0; i < 11; i++ {
		clock.Advance(5 * time.Second)
		require.Eventually(t, func() bool {
			return conn.GetServiceStatus().PerMarket[0].LastHeartbeat.Equal(clock.Now())
		}, waitFor, 2*time.Millisecond, "tick %d left no heartbeat", i+1)
	}

	require.Equal(t, int32(2), hits.Load(), "the governor admits two polls per window")
	select {
	case evt := <-lifecycle:
		t.Fatalf("market dropped while throttled: %+v", evt.Lifecycle)
	case <-time.After(20 * time.Millisecond):
	}
	status := conn.GetServiceStatus()
	require.Equal(t, 1, status.Aggregate.Connected)
	require.Zero(t, status.PerMarket[0].ReconnectAttempts)
}
