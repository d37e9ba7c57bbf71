// Package registry holds the validated set of market configurations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
)

var (
	// ErrNoMarkets is returned when a load yields no valid market.
	ErrNoMarkets = errors.New("registry: no valid markets")
	// ErrNoSource is returned by Reload before any Load.
	ErrNoSource = errors.New("registry: no source loaded")
)

// Source yields raw market specs.
type Source interface {
	Specs(ctx context.Context) ([]market.Spec, error)
	Name() string
}

// StaticSource serves specs held in memory, such as the markets section of the YAML config.
type StaticSource []market.Spec

// Specs returns a copy of the held specs.
func (s StaticSource) Specs(context.Context) ([]market.Spec, error) {
	return append([]market.Spec(nil), s...), nil
}

// Name identifies the source in logs.
func (StaticSource) Name() string { return "yaml" }

// SpecLister is implemented by the postgres market store.
type SpecLister interface {
	ListSpecs(ctx context.Context) ([]market.Spec, error)
}

// StoreSource reads specs from a persistent store.
type StoreSource struct {
	Store SpecLister
}

// Specs lists every stored spec.
func (s StoreSource) Specs(ctx context.Context) ([]market.Spec, error) {
	if s.Store == nil {
		return nil, errors.New("registry: nil market store")
	}
	specs, err := s.Store.ListSpecs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list market specs: %w", err)
	}
	return specs, nil
}

// Name identifies the source in logs.
func (StoreSource) Name() string { return "postgres" }

// Result reports the outcome of a load.
type Result struct {
	Loaded   []string
	Inactive []string
	// Rejected holds one configuration *errs.E per excluded entry.
	Rejected []error
}

type snapshot struct {
	ordered []market.Config
	byID    map[string]market.Config
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report rejected entries.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry serves an immutable market set. Reload swaps the whole set atomically.
type Registry struct {
	logger *zap.Logger
	source atomic.Pointer[Source]
	snap   atomic.Pointer[snapshot]
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger: zap.NewNop(),
		source: atomic.Pointer[Source]{},
		snap:   atomic.Pointer[snapshot]{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.snap.Store(&snapshot{ordered: nil, byID: map[string]market.Config{}})
	return r
}

// Load validates every spec from src and installs the valid ones. Invalid entries are excluded
// and reported in the result; the current set is kept when no entry is valid.
func (r *Registry) Load(ctx context.Context, src Source) (Result, error) {
	if src == nil {
		return Result{}, ErrNoSource
	}
	specs, err := src.Specs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("registry: load %s: %w", src.Name(), err)
	}
	next, result := build(specs)
	for _, rejected := range result.Rejected {
		r.logger.Warn("market configuration rejected", zap.String("source", src.Name()), zap.Error(rejected))
	}
	if len(next.ordered) == 0 {
		return result, ErrNoMarkets
	}
	r.source.Store(&src)
	r.snap.Store(next)
	r.logger.Info("market registry loaded",
		zap.String("source", src.Name()),
		zap.Strings("markets", result.Loaded),
		zap.Int("rejected", len(result.Rejected)),
		zap.Int("inactive", len(result.Inactive)))
	return result, nil
}

// Reload re-reads the last loaded source.
func (r *Registry) Reload(ctx context.Context) (Result, error) {
	src := r.source.Load()
	if src == nil {
		return Result{}, ErrNoSource
	}
	return r.Load(ctx, *src)
}

// List returns every market sorted by priority descending, then ID.
func (r *Registry) List() []market.Config {
	snap := r.snap.Load()
	out := make([]market.Config, len(snap.ordered))
	for i, cfg := range snap.ordered {
		out[i] = cfg.Clone()
	}
	return out
}

// Get returns the market with id.
func (r *Registry) Get(id string) (market.Config, bool) {
	cfg, ok := r.snap.Load().byID[strings.TrimSpace(id)]
	if !ok {
		return market.Config{}, false
	}
	return cfg.Clone(), true
}

// IDs lists market IDs in priority order.
func (r *Registry) IDs() []string {
	snap := r.snap.Load()
	out := make([]string, len(snap.ordered))
	for i, cfg := range snap.ordered {
		out[i] = cfg.ID
	}
	return out
}

func build(specs []market.Spec) (*snapshot, Result) {
	result := Result{Loaded: nil, Inactive: nil, Rejected: nil}
	byID := make(map[string]market.Config, len(specs))
	for i, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		if !spec.IsActive() {
			result.Inactive = append(result.Inactive, id)
			continue
		}
		cfg, err := spec.Build()
		if err != nil {
			result.Rejected = append(result.Rejected, fmt.Errorf("markets[%d]: %w", i, err))
			continue
		}
		if _, dup := byID[cfg.ID]; dup {
			result.Rejected = append(result.Rejected, errs.New(cfg.ID, errs.CodeConfiguration,
				errs.WithMessage(fmt.Sprintf("markets[%d]: duplicate market id", i))))
			continue
		}
		byID[cfg.ID] = cfg
	}
	ordered := make([]market.Config, 0, len(byID))
	for _, cfg := range byID {
		ordered = append(ordered, cfg)
	}
	market.SortByPriority(ordered)
	for _, cfg := range ordered {
		result.Loaded = append(result.Loaded, cfg.ID)
	}
	sort.Strings(result.Inactive)
	return &snapshot{ordered: ordered, byID: byID}, result
}
