// Package gateway validates internal orders and routes them to the owning market's session.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

// Markets resolves market configs.
type Markets interface {
	Get(id string) (market.Config, bool)
}

// Sessions exposes live adapter sessions.
type Sessions interface {
	Session(marketID string) (shared.Adapter, context.Context, bool)
	RecordRequest(marketID string, ok bool)
}

// Admitter draws on the per-market request budget shared with polling.
type Admitter interface {
	Admit(marketID string) bool
	// NextAdmission is the earliest time budget frees up; zero when a call would be admitted now.
	NextAdmission(marketID string) time.Time
}

// OrderSink persists order results.
type OrderSink interface {
	SaveOrder(ctx context.Context, result schema.OrderResult) error
}

// Publisher receives order result events.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock injects the clock used for submission timestamps and latency.
func WithClock(clock clockwork.Clock) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithOrderSink sets where order results are saved.
func WithOrderSink(sink OrderSink) Option {
	return func(g *Gateway) { g.sink = sink }
}

// WithPublisher sets where order results are published.
func WithPublisher(pub Publisher) Option {
	return func(g *Gateway) { g.publisher = pub }
}

// Gateway submits orders. Every submission is attempted at most once.
type Gateway struct {
	markets   Markets
	sessions  Sessions
	admitter  Admitter
	sink      OrderSink
	publisher Publisher
	clock     clockwork.Clock
	logger    *zap.Logger

	submitted metric.Int64Counter
	latency   metric.Float64Histogram
}

// New returns a gateway over markets, sessions and the rate admitter.
func New(markets Markets, sessions Sessions, admitter Admitter, opts ...Option) *Gateway {
	g := &Gateway{
		markets:   markets,
		sessions:  sessions,
		admitter:  admitter,
		sink:      nil,
		publisher: nil,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		submitted: nil,
		latency:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	meter := otel.Meter("gateway")
	g.submitted, _ = meter.Int64Counter("orders.submitted",
		metric.WithDescription("Order submissions by outcome"),
		metric.WithUnit("{order}"))
	g.latency, _ = meter.Float64Histogram("orders.latency",
		metric.WithDescription("Order round trip to the provider"),
		metric.WithUnit("ms"))
	return g
}

// Submit checks preconditions, sends req once and returns the normalized result. Precondition
// failures return a *errs.E with code precondition and never reach the adapter. Provider and
// network failures return a failed result with a nil error.
func (g *Gateway) Submit(ctx context.Context, marketID string, req schema.OrderRequest) (schema.OrderResult, error) {
	req.MarketID = marketID
	req.Normalize()
	marketID = req.MarketID

	cfg, ok := g.markets.Get(marketID)
	if !ok {
		return g.reject(ctx, req, errs.Precondition(marketID, errs.CanonicalMarketNotFound, "market not registered"))
	}
	adapter, sessionCtx, ok := g.sessions.Session(marketID)
	if !ok {
		return g.reject(ctx, req, errs.Precondition(marketID, errs.CanonicalNotConnected, "market is not connected"))
	}
	if !cfg.TradingEnabled {
		return g.reject(ctx, req, errs.Precondition(marketID, errs.CanonicalTradingDisabled, "trading disabled for market"))
	}
	if err := req.Validate(); err != nil {
		return g.reject(ctx, req, errs.New(marketID, errs.CodePrecondition,
			errs.WithCanonicalCode(errs.CanonicalInvalidOrder),
			errs.WithMessage(err.Error()),
			errs.WithCause(err)))
	}
	if g.admitter != nil && !g.admitter.Admit(marketID) {
		opts := []errs.Option{
			errs.WithCanonicalCode(errs.CanonicalRateLimited),
			errs.WithMessage("order rate limit exceeded"),
		}
		if next := g.admitter.NextAdmission(marketID); !next.IsZero() {
			opts = append(opts, errs.WithField("retry_at", next.UTC().Format(time.RFC3339Nano)))
		}
		return g.reject(ctx, req, errs.New(marketID, errs.CodePrecondition, opts...))
	}

	wire := Encode(cfg.Orders, req)
	merged, cancel := shared.MergeContext(ctx, sessionCtx)
	defer cancel()

	start := g.clock.Now()
	resp, err := adapter.Submit(merged, wire)
	latency := g.clock.Since(start)

	result := schema.OrderResult{
		MarketID:        marketID,
		ClientOrderID:   req.ClientOrderID,
		Success:         false,
		ProviderOrderID: "",
		Error:           "",
		SubmittedAt:     start,
		Latency:         latency,
	}
	switch {
	case err != nil && sessionCtx.Err() != nil:
		result.Error = "market disconnected during submission"
	case err != nil:
		result.Error = err.Error()
	default:
		result = decodeResponse(cfg.Orders, resp, result)
	}
	g.sessions.RecordRequest(marketID, result.Success)
	g.finish(ctx, req, result)
	return result, nil
}

func (g *Gateway) reject(ctx context.Context, req schema.OrderRequest, err *errs.E) (schema.OrderResult, error) {
	g.logger.Info("order rejected",
		zap.String("market", req.MarketID),
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("reason", string(err.Canonical)))
	if g.submitted != nil {
		attrs := telemetry.OrderAttributes(req.MarketID, string(req.Side), string(req.Type), telemetry.ResultRejected)
		attrs = append(attrs, telemetry.AttrReason.String(string(err.Canonical)))
		g.submitted.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return schema.OrderResult{}, err
}

func (g *Gateway) finish(ctx context.Context, req schema.OrderRequest, result schema.OrderResult) {
	outcome := telemetry.ResultSuccess
	if !result.Success {
		outcome = telemetry.ResultFailure
	}
	attrs := telemetry.OrderAttributes(result.MarketID, string(req.Side), string(req.Type), outcome)
	if g.submitted != nil {
		g.submitted.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if g.latency != nil {
		g.latency.Record(ctx, float64(result.Latency.Microseconds())/1000, metric.WithAttributes(attrs...))
	}
	fields := []zap.Field{
		zap.String("market", result.MarketID),
		zap.String("client_order_id", result.ClientOrderID),
		zap.Bool("success", result.Success),
		zap.Duration("latency", result.Latency),
	}
	if result.Success {
		g.logger.Info("order submitted", append(fields, zap.String("provider_order_id", result.ProviderOrderID))...)
	} else {
		g.logger.Warn("order failed", append(fields, zap.String("error", result.Error))...)
	}

	persistCtx := context.WithoutCancel(ctx)
	if g.sink != nil {
		if err := g.sink.SaveOrder(persistCtx, result); err != nil {
			g.logger.Warn("order result save failed", zap.String("market", result.MarketID), zap.Error(err))
		}
	}
	if g.publisher != nil {
		if err := g.publisher.Publish(persistCtx, schema.NewOrderEvent(result)); err != nil {
			g.logger.Warn("order result publish failed", zap.String("market", result.MarketID), zap.Error(err))
		}
	}
}

// Encode maps req onto the provider's field names. Decimals are sent as JSON numbers.
func Encode(mapping market.OrderMapping, req schema.OrderRequest) map[string]any {
	wire := map[string]any{
		mapping.Field("market_id"):       req.MarketID,
		mapping.Field("client_order_id"): req.ClientOrderID,
		mapping.Field("symbol"):          req.Symbol,
		mapping.Field("side"):            string(req.Side),
		mapping.Field("type"):            string(req.Type),
		mapping.Field("quantity"):        json.Number(req.Quantity.String()),
	}
	if req.Type != schema.OrderTypeMarket {
		wire[mapping.Field("price")] = json.Number(req.Price.String())
	}
	if req.StopPrice != nil {
		wire[mapping.Field("stop_price")] = json.Number(req.StopPrice.String())
	}
	if req.TimeInForce != "" {
		wire[mapping.Field("time_in_force")] = req.TimeInForce
	}
	return wire
}

func decodeResponse(mapping market.OrderMapping, resp shared.SubmitResponse, result schema.OrderResult) schema.OrderResult {
	var doc any
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		if decoded, err := shared.DecodeJSON(resp.Body); err == nil {
			doc = decoded
		}
	}
	providerErr := field(doc, mapping.ResponseErrorPath)
	if !resp.OK() {
		result.Error = providerErr
		if result.Error == "" {
			result.Error = fmt.Sprintf("provider returned status %d", resp.Status)
		}
		return result
	}
	if providerErr != "" {
		result.Error = providerErr
		return result
	}
	result.Success = true
	result.ProviderOrderID = field(doc, mapping.ResponseIDPath)
	return result
}

// field reads a scalar at a dotted path of the decoded response.
func field(doc any, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	node, ok := shared.Lookup(doc, path)
	if !ok {
		return ""
	}
	switch v := node.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
