package venue

import (
	"fmt"
	"strings"
	"sync"
)

// Registry is a lower-cased-name keyed collection of MarketData venues,
// built once at start-up and passed explicitly to components that need
// dynamic lookup (the CLI/wiring edge only — the monitor and executor
// are handed their venues directly, never a Registry, per §9's
// static-dispatch preference).
type Registry struct {
	mu     sync.RWMutex
	venues map[string]MarketData
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{venues: make(map[string]MarketData)}
}

// Register adds v under its lower-cased Name(). Registering the same
// name twice overwrites the previous entry.
func (r *Registry) Register(v MarketData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[strings.ToLower(v.Name())] = v
}

// Get looks up a venue by name (case-insensitive).
func (r *Registry) Get(name string) (MarketData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("venue: no venue registered under %q", name)
	}
	return v, nil
}

// Names returns every registered venue name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.venues))
	for name := range r.venues {
		out = append(out, name)
	}
	return out
}
