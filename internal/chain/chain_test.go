package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/health"
	"github.com/normanking/relay/internal/provider"
)

// fakeStore serves canned routing and provider rows.
type fakeStore struct {
	routing   map[string]*data.TaskRouting
	providers map[string]*data.UserProvider // key: userID+"/"+type
}

func (f *fakeStore) TaskRoutingFor(ctx context.Context, userID string) (*data.TaskRouting, error) {
	return f.routing[userID], nil
}

func (f *fakeStore) UserProviderByType(ctx context.Context, userID, providerType string) (*data.UserProvider, error) {
	return f.providers[userID+"/"+providerType], nil
}

// upProvider is an always-available fake registered under any name.
type upProvider struct{ name string }

func (p *upProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Content: "ok"}, nil
}
func (p *upProvider) Name() string                    { return p.name }
func (p *upProvider) Available() bool                 { return true }
func (p *upProvider) Probe(ctx context.Context) error { return nil }

func newResolver(store Store, names ...string) (*Resolver, *health.Tracker) {
	reg := provider.NewRegistry(nil, provider.WithoutMetrics())
	for _, n := range names {
		reg.Register(&upProvider{name: n})
	}
	tracker := health.NewTracker(reg)
	return NewResolver(store, tracker, reg), tracker
}

func TestForceProviderShortCircuits(t *testing.T) {
	r, _ := newResolver(nil)
	got := r.Resolve(context.Background(), catalog.TierComplex, "u1", Options{ForceProvider: "openrouter-paid"})
	require.Len(t, got, 1)
	assert.Equal(t, "openrouter", got[0].Provider)
	assert.Empty(t, got[0].Model)
	assert.True(t, got[0].IsPrimary)
}

func TestUserPrimaryComesFirst(t *testing.T) {
	store := &fakeStore{
		routing: map[string]*data.TaskRouting{
			"u1": {
				UserID:        "u1",
				TierProviders: map[string]string{"trivial": "ollama"},
				TierModels:    map[string]string{"trivial": "qwen3:4b"},
			},
		},
	}
	r, _ := newResolver(store, "ollama", "openrouter")

	got := r.Resolve(context.Background(), catalog.TierTrivial, "u1", Options{})
	require.NotEmpty(t, got)
	assert.Equal(t, "ollama", got[0].Provider)
	assert.Equal(t, "qwen3:4b", got[0].Model)
	assert.True(t, got[0].IsPrimary)
	for _, e := range got[1:] {
		assert.False(t, e.IsPrimary)
		assert.Empty(t, e.Model, "fallbacks auto-select their model")
	}
}

func TestCustomChainReplacesDefaults(t *testing.T) {
	store := &fakeStore{
		routing: map[string]*data.TaskRouting{
			"u1": {
				UserID: "u1",
				CustomFailoverChain: map[string][]data.ChainLink{
					"complex": {
						{Provider: "openrouter", Model: "anthropic/claude-sonnet-4"},
						{Provider: "ollama"},
					},
				},
			},
		},
	}
	r, _ := newResolver(store, "ollama", "openrouter", "cli-claude")

	got := r.Resolve(context.Background(), catalog.TierComplex, "u1", Options{})
	require.Len(t, got, 2)
	assert.Equal(t, "openrouter", got[0].Provider)
	assert.Equal(t, "anthropic/claude-sonnet-4", got[0].Model)
	assert.Equal(t, "ollama", got[1].Provider)
}

func TestChainHasNoDuplicates(t *testing.T) {
	store := &fakeStore{
		routing: map[string]*data.TaskRouting{
			"u1": {
				UserID: "u1",
				// Primary duplicates a catalog default for the tier.
				TierProviders: map[string]string{"moderate": "openrouter"},
			},
		},
	}
	r, _ := newResolver(store, "ollama", "openrouter")

	got := r.Resolve(context.Background(), catalog.TierModerate, "u1", Options{})
	seen := map[string]bool{}
	for _, e := range got {
		assert.False(t, seen[e.Provider], "duplicate provider %s", e.Provider)
		seen[e.Provider] = true
	}
	assert.Equal(t, "openrouter", got[0].Provider)
}

func TestUnhealthyProviderFiltered(t *testing.T) {
	r, tracker := newResolver(nil, "ollama", "openrouter")

	tracker.RecordFailure("openrouter", errors.New("x"))
	tracker.RecordFailure("openrouter", errors.New("x"))
	tracker.RecordFailure("openrouter", errors.New("x"))

	got := r.Resolve(context.Background(), catalog.TierModerate, "", Options{})
	for _, e := range got {
		assert.NotEqual(t, "openrouter", e.Provider)
	}

	av := r.IsAvailable(context.Background(), "openrouter", "")
	assert.False(t, av.Available)
	assert.Equal(t, "health status: unhealthy", av.Reason)
}

func TestAdminOverrideKeepsUserPrimary(t *testing.T) {
	store := &fakeStore{
		routing: map[string]*data.TaskRouting{
			"u1": {
				UserID:        "u1",
				TierProviders: map[string]string{"critical": "ollama"},
			},
		},
	}
	r, _ := newResolver(store, "ollama", "my-agent")
	r.SetAdminOverride(catalog.TierCritical, []Entry{{Provider: "my-agent"}})

	got := r.Resolve(context.Background(), catalog.TierCritical, "u1", Options{})
	require.Len(t, got, 2)
	assert.Equal(t, "ollama", got[0].Provider)
	assert.Equal(t, "my-agent", got[1].Provider)

	// Clearing the override restores catalog defaults.
	r.SetAdminOverride(catalog.TierCritical, nil)
	got = r.Resolve(context.Background(), catalog.TierCritical, "u1", Options{})
	for _, e := range got {
		assert.NotEqual(t, "my-agent", e.Provider)
	}
}

func TestAvailabilityReasonsAlwaysSet(t *testing.T) {
	store := &fakeStore{
		providers: map[string]*data.UserProvider{
			"u1/openrouter": {UserID: "u1", Type: "openrouter", APIKey: "sk-x", IsActive: true},
		},
	}
	r, _ := newResolver(store, "ollama")

	cases := []struct {
		provider string
		user     string
	}{
		{"ollama", "u1"},
		{"openrouter", "u1"},
		{"openrouter", "u2"},
		{"totally-unknown", "u1"},
	}
	for _, c := range cases {
		av := r.IsAvailable(context.Background(), c.provider, c.user)
		assert.NotEmpty(t, av.Reason, "reason missing for %s/%s", c.provider, c.user)
	}

	// The configured user has a key; the other does not.
	assert.True(t, r.IsAvailable(context.Background(), "openrouter", "u1").Available)
	assert.False(t, r.IsAvailable(context.Background(), "openrouter", "u2").Available)
}

func TestCatalogFiltersApply(t *testing.T) {
	r, _ := newResolver(nil, "ollama", "openrouter")

	got := r.Resolve(context.Background(), catalog.TierSimple, "", Options{
		Chain: catalog.ChainOptions{RequireLocal: true},
	})
	for _, e := range got {
		assert.Equal(t, "ollama", e.Provider)
	}
}
