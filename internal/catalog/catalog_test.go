package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/relay/internal/provider"
)

func TestProfileOfKnownProviders(t *testing.T) {
	ollama := ProfileOf(provider.IDOllama)
	assert.Equal(t, TypeLocal, ollama.Type)
	assert.Equal(t, CostFree, ollama.Cost)
	assert.True(t, ollama.IsLocal)
	assert.False(t, ollama.RequiresAuth)

	claude := ProfileOf(provider.IDCLIClaude)
	assert.Equal(t, TypeCLI, claude.Type)
	assert.True(t, claude.RequiresAuth)
}

func TestProfileOfUnknownProviderGetsGenericAPI(t *testing.T) {
	p := ProfileOf("some-custom-endpoint")
	assert.Equal(t, "some-custom-endpoint", p.ID)
	assert.Equal(t, TypeAPI, p.Type)
	assert.True(t, p.RequiresAuth)
}

func TestProfileOfNormalizesLegacyIDs(t *testing.T) {
	p := ProfileOf("openrouter-free")
	assert.Equal(t, provider.IDOpenRouter, p.ID)
}

func TestTiers(t *testing.T) {
	tiers := Tiers()
	require.Len(t, tiers, 5)
	assert.Equal(t, TierTrivial, tiers[0])
	assert.Equal(t, TierCritical, tiers[4])

	for _, tier := range tiers {
		assert.True(t, ValidTier(string(tier)))
	}
	assert.False(t, ValidTier("impossible"))
	assert.False(t, ValidTier(""))
}

func TestEveryStrategyCoversEveryTier(t *testing.T) {
	for strategy, chains := range strategyChains {
		for _, tier := range Tiers() {
			assert.NotEmpty(t, chains[tier], "strategy %s has no chain for %s", strategy, tier)
		}
	}
}

func TestSetStrategy(t *testing.T) {
	t.Cleanup(func() { SetStrategy(StrategyDefault) })

	SetStrategy(StrategyCostOptimized)
	assert.Equal(t, StrategyCostOptimized, ActiveStrategy())
	assert.Equal(t, []string{provider.IDOllama}, DefaultChainFor(TierTrivial, ChainOptions{}))

	// Unknown strategies are ignored.
	SetStrategy("turbo")
	assert.Equal(t, StrategyCostOptimized, ActiveStrategy())
}

func TestDefaultChainFilters(t *testing.T) {
	tests := []struct {
		name string
		tier Tier
		opts ChainOptions
		want []string
	}{
		{
			"no filters",
			TierComplex,
			ChainOptions{},
			[]string{provider.IDOpenRouter, provider.IDCLIClaude, provider.IDOllama},
		},
		{
			"exclude provider",
			TierComplex,
			ChainOptions{ExcludeProviders: []string{provider.IDCLIClaude}},
			[]string{provider.IDOpenRouter, provider.IDOllama},
		},
		{
			"exclusion normalizes legacy ids",
			TierTrivial,
			ChainOptions{ExcludeProviders: []string{"openrouter-paid"}},
			[]string{provider.IDOllama},
		},
		{
			"require local",
			TierComplex,
			ChainOptions{RequireLocal: true},
			[]string{provider.IDOllama},
		},
		{
			"require free",
			TierCritical,
			ChainOptions{RequireFree: true},
			[]string{},
		},
		{
			"require cli",
			TierCritical,
			ChainOptions{RequireCLI: true},
			[]string{provider.IDCLIClaude, provider.IDCLIGemini},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultChainFor(tt.tier, tt.opts))
		})
	}
}

func TestUnknownTierFallsBackToModerate(t *testing.T) {
	assert.Equal(t, DefaultChainFor(TierModerate, ChainOptions{}), DefaultChainFor("mystery", ChainOptions{}))
}
