package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/normanking/relay/internal/logging"
)

// Registry holds the instantiated provider adapters, keyed by canonical
// provider ID. Built-in adapters are created lazily from config; custom
// adapters (local agents) are registered explicitly.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	configs   map[string]*Config
	log       *logging.Logger

	// wrapMetrics controls whether adapters get a MetricsProvider wrapper.
	wrapMetrics bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithoutMetrics disables the metrics wrapper, mainly for tests.
func WithoutMetrics() RegistryOption {
	return func(r *Registry) { r.wrapMetrics = false }
}

// NewRegistry creates a registry from per-provider configs. Missing
// configs fall back to DefaultConfig when an ID is first requested.
func NewRegistry(configs map[string]*Config, opts ...RegistryOption) *Registry {
	if configs == nil {
		configs = make(map[string]*Config)
	}
	r := &Registry{
		providers:   make(map[string]Provider),
		configs:     configs,
		log:         logging.Global().WithComponent("registry"),
		wrapMetrics: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the adapter for the given provider ID, building it on first
// use. Legacy IDs are normalized. Unknown IDs return an error.
func (r *Registry) Get(id string) (Provider, error) {
	id = NormalizeID(id)

	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[id]; ok {
		return p, nil
	}

	p, err := r.build(id)
	if err != nil {
		return nil, err
	}
	if r.wrapMetrics {
		p = NewMetricsProvider(p)
	}
	r.providers[id] = p
	r.log.Debug("built provider adapter: %s", id)
	return p, nil
}

// build constructs a built-in adapter. Caller holds the write lock.
func (r *Registry) build(id string) (Provider, error) {
	cfg := r.configs[id]
	switch id {
	case IDOllama:
		return NewOllamaProvider(cfg), nil
	case IDOpenRouter:
		return NewOpenRouterProvider(cfg), nil
	case IDGoogle:
		return NewGoogleProvider(cfg), nil
	case IDCLIClaude, IDCLIGemini, IDCLIOpencode:
		return NewCLIProvider(id, cfg)
	default:
		if cfg != nil && cfg.Endpoint != "" {
			// User-registered agents come through Register; a config-only
			// custom entry is dialed as a local agent.
			return NewLocalAgentProvider(cfg)
		}
		return nil, fmt.Errorf("unknown provider: %s", id)
	}
}

// Register adds a pre-built adapter (custom providers, test fakes). It
// replaces any existing adapter with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wrapMetrics {
		if _, ok := p.(*MetricsProvider); !ok {
			p = NewMetricsProvider(p)
		}
	}
	r.providers[p.Name()] = p
}

// Deregister removes an adapter. Built-ins can be rebuilt on next Get.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, NormalizeID(id))
}

// IDs returns the sorted IDs of all instantiated adapters.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// KnownIDs returns every ID the registry can serve: built-ins plus
// configured custom providers, sorted.
func (r *Registry) KnownIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{
		IDOllama:      true,
		IDOpenRouter:  true,
		IDGoogle:      true,
		IDCLIClaude:   true,
		IDCLIGemini:   true,
		IDCLIOpencode: true,
	}
	for id := range r.configs {
		seen[NormalizeID(id)] = true
	}
	for id := range r.providers {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetConfig installs or replaces the config for a provider and drops any
// cached adapter so the next Get rebuilds with the new settings.
func (r *Registry) SetConfig(id string, cfg *Config) {
	id = NormalizeID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[id] = cfg
	delete(r.providers, id)
}
