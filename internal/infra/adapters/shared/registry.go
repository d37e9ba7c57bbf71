package shared

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
)

// Registry maps transport kinds to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[market.Transport]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:        sync.RWMutex{},
		factories: make(map[market.Transport]Factory),
	}
}

// Register binds a factory to a transport, replacing any previous binding.
func (r *Registry) Register(transport market.Transport, factory Factory) {
	if factory == nil {
		return
	}
	r.mu.Lock()
	r.factories[transport] = factory
	r.mu.Unlock()
}

// Build creates an adapter for cfg using the factory bound to its transport.
func (r *Registry) Build(cfg market.Config, deps Deps) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(cfg.ID, errs.CodeConfiguration,
			errs.WithMessage(fmt.Sprintf("no adapter registered for transport %q", cfg.Transport)),
			errs.WithCanonicalCode(errs.CanonicalCapabilityMissing))
	}
	adapter, err := factory(cfg, deps.WithDefaults())
	if err != nil {
		return nil, fmt.Errorf("build %s adapter for %s: %w", cfg.Transport, cfg.ID, err)
	}
	return adapter, nil
}

// Transports lists registered transports, sorted.
func (r *Registry) Transports() []market.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]market.Transport, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
