// Package chain resolves the ordered provider chain for a request:
// user Task-Routing preferences first, then admin overrides, then the
// catalog defaults, all filtered by live availability.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/health"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/provider"
)

// Entry is one resolved chain position. Model is empty when the provider
// should auto-select.
type Entry struct {
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	IsPrimary bool   `json:"isPrimary"`
}

// Availability is the verdict of an availability check. Reason is always
// set, for both outcomes.
type Availability struct {
	Available bool
	Reason    string
}

// Store is the slice of the data layer the resolver reads.
type Store interface {
	TaskRoutingFor(ctx context.Context, userID string) (*data.TaskRouting, error)
	UserProviderByType(ctx context.Context, userID, providerType string) (*data.UserProvider, error)
}

// Options modify one resolution.
type Options struct {
	// ForceProvider short-circuits resolution to a single entry.
	ForceProvider string
	// Catalog filters applied to the default chain.
	Chain catalog.ChainOptions
}

// Resolver builds provider chains.
type Resolver struct {
	store    Store
	tracker  *health.Tracker
	registry *provider.Registry
	log      *logging.Logger

	overrideMu    sync.RWMutex
	adminOverride map[catalog.Tier][]Entry
}

// NewResolver creates a chain resolver. store may be nil, in which case
// only catalog defaults apply.
func NewResolver(store Store, tracker *health.Tracker, registry *provider.Registry) *Resolver {
	return &Resolver{
		store:    store,
		tracker:  tracker,
		registry: registry,
		log:      logging.Global().WithComponent("chain"),
	}
}

// SetAdminOverride replaces the catalog defaults for a tier. The user's
// primary preference still goes first. Pass nil to clear.
func (r *Resolver) SetAdminOverride(tier catalog.Tier, entries []Entry) {
	r.overrideMu.Lock()
	defer r.overrideMu.Unlock()
	if r.adminOverride == nil {
		r.adminOverride = make(map[catalog.Tier][]Entry)
	}
	if entries == nil {
		delete(r.adminOverride, tier)
		return
	}
	r.adminOverride[tier] = entries
}

func (r *Resolver) overrideFor(tier catalog.Tier) ([]Entry, bool) {
	r.overrideMu.RLock()
	defer r.overrideMu.RUnlock()
	entries, ok := r.adminOverride[tier]
	return entries, ok
}

// Resolve produces the ordered, availability-filtered chain for a tier.
// An empty result means no provider can serve the request right now.
func (r *Resolver) Resolve(ctx context.Context, tier catalog.Tier, userID string, opts Options) []Entry {
	if opts.ForceProvider != "" {
		return []Entry{{
			Provider:  provider.NormalizeID(opts.ForceProvider),
			IsPrimary: true,
		}}
	}

	candidates := r.candidates(ctx, tier, userID, opts)

	out := make([]Entry, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, e := range candidates {
		id := provider.NormalizeID(e.Provider)
		if seen[id] {
			continue
		}
		seen[id] = true
		e.Provider = id

		av := r.IsAvailable(ctx, id, userID)
		if !av.Available {
			r.log.Debug("[Chain] skipping %s for tier %s: %s", id, tier, av.Reason)
			continue
		}
		e.IsPrimary = len(out) == 0
		out = append(out, e)
	}
	return out
}

// candidates assembles the ordered raw chain before availability
// filtering or de-duplication.
func (r *Resolver) candidates(ctx context.Context, tier catalog.Tier, userID string, opts Options) []Entry {
	var routing *data.TaskRouting
	if r.store != nil && userID != "" {
		var err error
		routing, err = r.store.TaskRoutingFor(ctx, userID)
		if err != nil {
			r.log.Debug("[Chain] routing prefs load failed for %s: %v", userID, err)
		}
	}

	// A full custom chain replaces everything else for the tier.
	if routing != nil {
		if links, ok := routing.CustomFailoverChain[string(tier)]; ok && len(links) > 0 {
			entries := make([]Entry, 0, len(links))
			for _, l := range links {
				entries = append(entries, Entry{Provider: l.Provider, Model: l.Model})
			}
			return entries
		}
	}

	var entries []Entry

	// User's tier-preferred primary goes first, with their model.
	if routing != nil {
		if p, ok := routing.TierProviders[string(tier)]; ok && p != "" {
			entries = append(entries, Entry{
				Provider: p,
				Model:    routing.TierModels[string(tier)],
			})
		}
	}

	// Admin override replaces catalog defaults, not the user's primary.
	if override, ok := r.overrideFor(tier); ok {
		return append(entries, override...)
	}

	for _, id := range catalog.DefaultChainFor(tier, opts.Chain) {
		// Fallbacks carry no model so the provider auto-selects.
		entries = append(entries, Entry{Provider: id})
	}
	return entries
}

// IsAvailable checks whether a provider can serve this user right now.
// It never returns an error; the reason string covers both outcomes.
func (r *Resolver) IsAvailable(ctx context.Context, providerID, userID string) Availability {
	providerID = provider.NormalizeID(providerID)

	if r.tracker != nil {
		if h := r.tracker.StatusOf(providerID); h.Status == health.StatusUnhealthy {
			return Availability{Available: false, Reason: "health status: unhealthy"}
		}
	}

	switch providerID {
	case provider.IDOllama:
		return r.checkOllama(ctx)
	case provider.IDOpenRouter:
		return r.checkAPIKey(ctx, userID, provider.IDOpenRouter)
	case provider.IDGoogle:
		return r.checkAPIKey(ctx, userID, provider.IDGoogle)
	case provider.IDCLIClaude, provider.IDCLIGemini, provider.IDCLIOpencode:
		return r.checkCLI(ctx, providerID)
	default:
		return r.checkCustom(ctx, providerID, userID)
	}
}

func (r *Resolver) checkOllama(ctx context.Context) Availability {
	p, err := r.registry.Get(provider.IDOllama)
	if err != nil {
		return Availability{Available: false, Reason: "ollama adapter unavailable: " + err.Error()}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if prober, ok := unwrap(p).(provider.Prober); ok {
		if err := prober.Probe(probeCtx); err != nil {
			return Availability{Available: false, Reason: "ollama not reachable: " + err.Error()}
		}
		return Availability{Available: true, Reason: "ollama reachable with models"}
	}
	if !p.Available() {
		return Availability{Available: false, Reason: "ollama not reachable"}
	}
	return Availability{Available: true, Reason: "ollama reachable"}
}

func (r *Resolver) checkAPIKey(ctx context.Context, userID, providerID string) Availability {
	if r.store != nil && userID != "" {
		up, err := r.store.UserProviderByType(ctx, userID, providerID)
		if err == nil && up != nil && up.IsActive && up.APIKey != "" {
			return Availability{Available: true, Reason: "user API key on file"}
		}
	}
	// Fall back to the globally configured adapter (server-level key).
	if p, err := r.registry.Get(providerID); err == nil && p.Available() {
		return Availability{Available: true, Reason: "server API key configured"}
	}
	return Availability{Available: false, Reason: "no API key configured"}
}

func (r *Resolver) checkCLI(ctx context.Context, providerID string) Availability {
	p, err := r.registry.Get(providerID)
	if err != nil {
		return Availability{Available: false, Reason: "CLI adapter unavailable: " + err.Error()}
	}
	cli, ok := unwrap(p).(provider.CLIExecutor)
	if !ok {
		return Availability{Available: false, Reason: "not a CLI adapter"}
	}
	if !cli.Available() {
		return Availability{Available: false, Reason: fmt.Sprintf("%s binary not installed", providerID)}
	}
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if !cli.IsAuthenticated(checkCtx) {
		return Availability{Available: false, Reason: fmt.Sprintf("%s not authenticated", providerID)}
	}
	return Availability{Available: true, Reason: "CLI installed and authenticated"}
}

// checkCustom validates user-registered providers by their stored type.
func (r *Resolver) checkCustom(ctx context.Context, providerID, userID string) Availability {
	// A registered adapter (e.g. a connected local agent) takes priority.
	if p, err := r.registry.Get(providerID); err == nil {
		if p.Available() {
			return Availability{Available: true, Reason: "custom provider online"}
		}
		return Availability{Available: false, Reason: "custom provider offline"}
	}

	if r.store == nil || userID == "" {
		return Availability{Available: false, Reason: "unknown provider: " + providerID}
	}
	up, err := r.store.UserProviderByType(ctx, userID, providerID)
	if err != nil || up == nil || !up.IsActive {
		return Availability{Available: false, Reason: "unknown provider: " + providerID}
	}
	if up.APIKey != "" || up.BaseURL != "" {
		return Availability{Available: true, Reason: "user-registered provider configured"}
	}
	return Availability{Available: false, Reason: "provider registered without credentials or endpoint"}
}

func unwrap(p provider.Provider) provider.Provider {
	if m, ok := p.(*provider.MetricsProvider); ok {
		return m.Unwrap()
	}
	return p
}
