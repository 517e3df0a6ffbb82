package executor

import (
	"sort"
	"sync"
)

// Registry tracks the modules, optimizers and metrics an executor
// accepts. It is passed through construction; nothing reaches for a
// process-wide instance.
type Registry struct {
	mu         sync.RWMutex
	modules    map[string]struct{}
	optimizers map[string]struct{}
	metrics    map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		modules:    map[string]struct{}{},
		optimizers: map[string]struct{}{},
		metrics:    map[string]struct{}{},
	}
}

// DefaultRegistry returns a registry populated with the reference
// engine's built-in assets.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterModule("predict")
	r.RegisterModule("chain_of_thought")
	r.RegisterOptimizer("bootstrap_few_shot")
	r.RegisterOptimizer("mipro")
	r.RegisterMetric("exact_match")
	return r
}

// RegisterModule adds a module name
func (r *Registry) RegisterModule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = struct{}{}
}

// RegisterOptimizer adds an optimizer name
func (r *Registry) RegisterOptimizer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optimizers[name] = struct{}{}
}

// RegisterMetric adds a metric name
func (r *Registry) RegisterMetric(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] = struct{}{}
}

// HasModule reports whether the module name is registered
func (r *Registry) HasModule(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[name]
	return ok
}

// HasOptimizer reports whether the optimizer name is registered
func (r *Registry) HasOptimizer(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.optimizers[name]
	return ok
}

// Snapshot returns sorted name lists for the health endpoint
func (r *Registry) Snapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string][]string{
		"modules":    sortedKeys(r.modules),
		"optimizers": sortedKeys(r.optimizers),
		"metrics":    sortedKeys(r.metrics),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
