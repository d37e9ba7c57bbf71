// Package ratelimit implements per-market sliding-window admission control for outbound calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

// Limits is the request cap within a rolling window.
type Limits struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits is applied to markets admitted before Configure.
var DefaultLimits = Limits{Requests: 60, Window: time.Minute}

// window holds admission timestamps in arrival order. len(stamps) never exceeds limits.Requests.
type window struct {
	mu     sync.Mutex
	limits Limits
	stamps []time.Time
}

// prune drops timestamps that have left the rolling window.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.limits.Window)
	drop := 0
	for drop < len(w.stamps) && !w.stamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[drop:]...)
	}
}

// Governor admits outbound calls per market. Check-and-record is atomic per market.
type Governor struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	windows map[string]*window

	decisions metric.Int64Counter
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock injects the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(g *Governor) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGovernor constructs an empty governor.
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{
		clock:     clockwork.NewRealClock(),
		mu:        sync.RWMutex{},
		windows:   make(map[string]*window),
		decisions: nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	meter := otel.Meter("ratelimit")
	g.decisions, _ = meter.Int64Counter("ratelimit.decisions",
		metric.WithDescription("Rate governor admission decisions"),
		metric.WithUnit("{decision}"))
	return g
}

// Configure sets the limits of a market. Existing timestamps are kept and trimmed to the new cap.
func (g *Governor) Configure(marketID string, limits Limits) {
	limits = sanitize(limits)
	g.mu.Lock()
	w, ok := g.windows[marketID]
	if !ok {
		w = &window{mu: sync.Mutex{}, limits: limits, stamps: make([]time.Time, 0, limits.Requests)}
		g.windows[marketID] = w
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	w.mu.Lock()
	w.limits = limits
	if len(w.stamps) > limits.Requests {
		w.stamps = append(w.stamps[:0], w.stamps[len(w.stamps)-limits.Requests:]...)
	}
	w.mu.Unlock()
}

// Forget drops the state of a market.
func (g *Governor) Forget(marketID string) {
	g.mu.Lock()
	delete(g.windows, marketID)
	g.mu.Unlock()
}

// Admit prunes expired entries and records now when the market is under its cap.
// A rejected call leaves the window untouched.
func (g *Governor) Admit(marketID string) bool {
	w := g.window(marketID)
	now := g.clock.Now()

	w.mu.Lock()
	w.prune(now)
	admitted := len(w.stamps) < w.limits.Requests
	if admitted {
		w.stamps = append(w.stamps, now)
	}
	w.mu.Unlock()

	if g.decisions != nil {
		result := telemetry.ResultSuccess
		if !admitted {
			result = telemetry.ResultRejected
		}
		g.decisions.Add(context.Background(), 1, metric.WithAttributes(telemetry.OperationAttributes(marketID, "admit", result)...))
	}
	return admitted
}

// Remaining reports how many calls the market may still make in the current window.
func (g *Governor) Remaining(marketID string) int {
	w := g.window(marketID)
	now := g.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return w.limits.Requests - len(w.stamps)
}

// NextAdmission returns the earliest time a call could be admitted; zero when admission is possible now.
func (g *Governor) NextAdmission(marketID string) time.Time {
	w := g.window(marketID)
	now := g.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	if len(w.stamps) < w.limits.Requests {
		return time.Time{}
	}
	return w.stamps[0].Add(w.limits.Window)
}

func (g *Governor) window(marketID string) *window {
	g.mu.RLock()
	w, ok := g.windows[marketID]
	g.mu.RUnlock()
	if ok {
		return w
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok = g.windows[marketID]; ok {
		return w
	}
	limits := sanitize(DefaultLimits)
	w = &window{mu: sync.Mutex{}, limits: limits, stamps: make([]time.Time, 0, limits.Requests)}
	g.windows[marketID] = w
	return w
}

func sanitize(l Limits) Limits {
	if l.Requests <= 0 {
		l.Requests = DefaultLimits.Requests
	}
	if l.Window <= 0 {
		l.Window = DefaultLimits.Window
	}
	return l
}
