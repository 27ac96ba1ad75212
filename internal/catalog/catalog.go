// Package catalog holds the static provider capability profiles and the
// per-tier default failover chains. It is pure configuration: no I/O, no
// state beyond the active strategy selection.
package catalog

import (
	"sync"

	"github.com/normanking/relay/internal/provider"
)

// ProviderType groups providers by how they are reached.
type ProviderType string

const (
	TypeLocal ProviderType = "local"
	TypeAPI   ProviderType = "api"
	TypeCLI   ProviderType = "cli"
)

// CostClass groups providers by billing model.
type CostClass string

const (
	CostFree     CostClass = "free"
	CostVariable CostClass = "variable"
	CostPaid     CostClass = "paid"
)

// LatencyClass is a coarse latency expectation.
type LatencyClass string

const (
	LatencyFast   LatencyClass = "fast"
	LatencyMedium LatencyClass = "medium"
	LatencySlow   LatencyClass = "slow"
)

// Profile describes a provider's static capabilities.
type Profile struct {
	ID                 string
	Type               ProviderType
	Cost               CostClass
	Latency            LatencyClass
	Capabilities       []string
	MaxTokens          int
	RequiresAuth       bool
	IsLocal            bool
	SupportsMultiModel bool
}

var profiles = map[string]Profile{
	provider.IDOllama: {
		ID:                 provider.IDOllama,
		Type:               TypeLocal,
		Cost:               CostFree,
		Latency:            LatencyMedium,
		Capabilities:       []string{"chat", "tools"},
		MaxTokens:          32768,
		RequiresAuth:       false,
		IsLocal:            true,
		SupportsMultiModel: true,
	},
	provider.IDOpenRouter: {
		ID:                 provider.IDOpenRouter,
		Type:               TypeAPI,
		Cost:               CostVariable,
		Latency:            LatencyFast,
		Capabilities:       []string{"chat", "tools", "vision"},
		MaxTokens:          200000,
		RequiresAuth:       true,
		SupportsMultiModel: true,
	},
	provider.IDGoogle: {
		ID:                 provider.IDGoogle,
		Type:               TypeAPI,
		Cost:               CostVariable,
		Latency:            LatencyFast,
		Capabilities:       []string{"chat", "tools", "vision"},
		MaxTokens:          1000000,
		RequiresAuth:       true,
		SupportsMultiModel: true,
	},
	provider.IDCLIClaude: {
		ID:           provider.IDCLIClaude,
		Type:         TypeCLI,
		Cost:         CostPaid,
		Latency:      LatencySlow,
		Capabilities: []string{"chat", "code", "workspace"},
		MaxTokens:    200000,
		RequiresAuth: true,
	},
	provider.IDCLIGemini: {
		ID:           provider.IDCLIGemini,
		Type:         TypeCLI,
		Cost:         CostPaid,
		Latency:      LatencySlow,
		Capabilities: []string{"chat", "code", "workspace"},
		MaxTokens:    1000000,
		RequiresAuth: true,
	},
	provider.IDCLIOpencode: {
		ID:           provider.IDCLIOpencode,
		Type:         TypeCLI,
		Cost:         CostPaid,
		Latency:      LatencySlow,
		Capabilities: []string{"chat", "code", "workspace"},
		MaxTokens:    128000,
		RequiresAuth: true,
	},
}

// ProfileOf returns the profile for a provider ID. Unknown IDs (custom
// providers) get a generic API profile so chain logic still works.
func ProfileOf(id string) Profile {
	id = provider.NormalizeID(id)
	if p, ok := profiles[id]; ok {
		return p
	}
	return Profile{
		ID:           id,
		Type:         TypeAPI,
		Cost:         CostVariable,
		Latency:      LatencyMedium,
		Capabilities: []string{"chat"},
		MaxTokens:    32768,
		RequiresAuth: true,
	}
}

// Tier is the request complexity class assigned by the classifier.
type Tier string

const (
	TierTrivial  Tier = "trivial"
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
	TierCritical Tier = "critical"
)

// Tiers lists all tiers in ascending complexity order.
func Tiers() []Tier {
	return []Tier{TierTrivial, TierSimple, TierModerate, TierComplex, TierCritical}
}

// ValidTier reports whether s names a known tier.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierTrivial, TierSimple, TierModerate, TierComplex, TierCritical:
		return true
	}
	return false
}

// Strategy names a chain preset. Exactly one strategy is active at a time.
type Strategy string

const (
	StrategyDefault          Strategy = "default"
	StrategyCostOptimized    Strategy = "cost-optimized"
	StrategyQualityOptimized Strategy = "quality-optimized"
)

// strategyChains maps strategy -> tier -> ordered provider IDs.
var strategyChains = map[Strategy]map[Tier][]string{
	StrategyDefault: {
		TierTrivial:  {provider.IDOllama, provider.IDOpenRouter},
		TierSimple:   {provider.IDOllama, provider.IDOpenRouter},
		TierModerate: {provider.IDOpenRouter, provider.IDOllama},
		TierComplex:  {provider.IDOpenRouter, provider.IDCLIClaude, provider.IDOllama},
		TierCritical: {provider.IDCLIClaude, provider.IDOpenRouter, provider.IDCLIGemini},
	},
	StrategyCostOptimized: {
		TierTrivial:  {provider.IDOllama},
		TierSimple:   {provider.IDOllama, provider.IDOpenRouter},
		TierModerate: {provider.IDOllama, provider.IDOpenRouter},
		TierComplex:  {provider.IDOpenRouter, provider.IDOllama},
		TierCritical: {provider.IDOpenRouter, provider.IDCLIClaude},
	},
	StrategyQualityOptimized: {
		TierTrivial:  {provider.IDOpenRouter, provider.IDOllama},
		TierSimple:   {provider.IDOpenRouter, provider.IDOllama},
		TierModerate: {provider.IDOpenRouter, provider.IDCLIClaude},
		TierComplex:  {provider.IDCLIClaude, provider.IDOpenRouter},
		TierCritical: {provider.IDCLIClaude, provider.IDCLIGemini, provider.IDOpenRouter},
	},
}

var (
	strategyMu     sync.RWMutex
	activeStrategy = StrategyDefault
)

// SetStrategy switches the active chain preset. Unknown names are ignored.
func SetStrategy(s Strategy) {
	if _, ok := strategyChains[s]; !ok {
		return
	}
	strategyMu.Lock()
	activeStrategy = s
	strategyMu.Unlock()
}

// ActiveStrategy returns the currently active preset.
func ActiveStrategy() Strategy {
	strategyMu.RLock()
	defer strategyMu.RUnlock()
	return activeStrategy
}

// ChainOptions filter the default chain.
type ChainOptions struct {
	ExcludeProviders []string
	RequireLocal     bool
	RequireFree      bool
	RequireCLI       bool
}

// DefaultChainFor returns the active strategy's provider IDs for a tier,
// with filters applied. Unknown tiers fall back to moderate.
func DefaultChainFor(tier Tier, opts ChainOptions) []string {
	strategyMu.RLock()
	chains := strategyChains[activeStrategy]
	strategyMu.RUnlock()

	base, ok := chains[tier]
	if !ok {
		base = chains[TierModerate]
	}

	excluded := make(map[string]bool, len(opts.ExcludeProviders))
	for _, id := range opts.ExcludeProviders {
		excluded[provider.NormalizeID(id)] = true
	}

	out := make([]string, 0, len(base))
	for _, id := range base {
		if excluded[id] {
			continue
		}
		p := ProfileOf(id)
		if opts.RequireLocal && !p.IsLocal {
			continue
		}
		if opts.RequireFree && p.Cost != CostFree {
			continue
		}
		if opts.RequireCLI && p.Type != TypeCLI {
			continue
		}
		out = append(out, id)
	}
	return out
}
