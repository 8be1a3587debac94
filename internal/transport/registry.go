package transport

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// NodeBackendConfig overrides backend selection for transfers to one node.
type NodeBackendConfig struct {
	Preferred []BackendType // Replaces the default order when set
	Disabled  []BackendType // Never used for this node
}

// RegistryConfig holds configuration for the backend registry.
type RegistryConfig struct {
	DefaultOrder []BackendType
}

// Registry manages available backends and per-node preferences.
type Registry struct {
	backends     map[BackendType]Backend
	nodeConfigs  map[string]NodeBackendConfig
	defaultOrder []BackendType
	mu           sync.RWMutex
}

// NewRegistry creates a new backend registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	defaultOrder := cfg.DefaultOrder
	if len(defaultOrder) == 0 {
		defaultOrder = []BackendType{BackendLocal, BackendRDMA, BackendTCP}
	}

	return &Registry{
		backends:     make(map[BackendType]Backend),
		nodeConfigs:  make(map[string]NodeBackendConfig),
		defaultOrder: defaultOrder,
	}
}

// Register adds a backend implementation.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return fmt.Errorf("backend cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	typ := b.Type()
	if _, exists := r.backends[typ]; exists {
		return fmt.Errorf("backend %s already registered", typ)
	}

	r.backends[typ] = b
	return nil
}

// Get returns a backend by type.
func (r *Registry) Get(typ BackendType) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[typ]
	return b, ok
}

// Ordered returns the registered backends in default order, followed by any
// registered backend the order does not mention.
func (r *Registry) Ordered() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, 0, len(r.backends))
	seen := make(map[BackendType]bool, len(r.backends))
	for _, typ := range r.defaultOrder {
		if b, ok := r.backends[typ]; ok && !seen[typ] {
			out = append(out, b)
			seen[typ] = true
		}
	}
	rest := make([]BackendType, 0)
	for typ := range r.backends {
		if !seen[typ] {
			rest = append(rest, typ)
		}
	}
	slices.Sort(rest)
	for _, typ := range rest {
		out = append(out, r.backends[typ])
	}
	return out
}

// PreferredOrder returns the backend order for transfers to node: the
// node's own order when one is set, otherwise the default, without the
// backends disabled for that node.
func (r *Registry) PreferredOrder(node string) []BackendType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nc := r.nodeConfigs[node]
	order := r.defaultOrder
	if len(nc.Preferred) > 0 {
		order = nc.Preferred
	}
	return slices.DeleteFunc(slices.Clone(order), func(typ BackendType) bool {
		return slices.Contains(nc.Disabled, typ)
	})
}

// SetNodeConfig overrides backend selection for transfers to node. A zero
// config restores the defaults.
func (r *Registry) SetNodeConfig(node string, cfg NodeBackendConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(cfg.Preferred) == 0 && len(cfg.Disabled) == 0 {
		delete(r.nodeConfigs, node)
		return
	}
	r.nodeConfigs[node] = NodeBackendConfig{
		Preferred: slices.Clone(cfg.Preferred),
		Disabled:  slices.Clone(cfg.Disabled),
	}
}

// Close closes all registered backends.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for typ, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", typ, err))
		}
	}
	return errors.Join(errs...)
}
