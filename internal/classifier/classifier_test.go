package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/provider"
)

// scriptedProvider answers with a fixed response or error.
type scriptedProvider struct {
	name    string
	content string
	err     error
	delay   time.Duration
	calls   int
}

func (p *scriptedProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.calls++
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &provider.ChatResponse{Content: p.content, Model: "scripted"}, nil
}

func (p *scriptedProvider) Name() string    { return p.name }
func (p *scriptedProvider) Available() bool { return true }

// staticPrefs returns the same prefs for every user.
type staticPrefs struct {
	prefs *Prefs
	err   error
	loads int
}

func (s *staticPrefs) ClassifierPrefs(ctx context.Context, userID string) (*Prefs, error) {
	s.loads++
	return s.prefs, s.err
}

func newTestRegistry(providers ...provider.Provider) *provider.Registry {
	reg := provider.NewRegistry(nil, provider.WithoutMetrics())
	for _, p := range providers {
		reg.Register(p)
	}
	return reg
}

func TestAIStageDisabledFallsBackToKeyword(t *testing.T) {
	c := New(newTestRegistry(), &staticPrefs{prefs: &Prefs{AIClassification: false}})
	got := c.Classify(context.Background(), "hi", "u1", "")
	assert.Equal(t, catalog.TierTrivial, got.Tier)
	assert.Equal(t, SourceLocal, got.Source)
}

func TestAIStageSuccess(t *testing.T) {
	cloud := &scriptedProvider{
		name:    "cloud",
		content: `{"tier": "complex", "confidence": 0.9, "reasoning": "multi-step coding"}`,
	}
	prefs := &staticPrefs{prefs: &Prefs{
		AIClassification: true,
		ChainJSON:        `[{"provider": "cloud"}, {"type": "local"}]`,
	}}
	c := New(newTestRegistry(cloud), prefs)

	got := c.Classify(context.Background(), "hi", "u1", "")
	assert.Equal(t, catalog.TierComplex, got.Tier)
	assert.Equal(t, SourceAI, got.Source)
	assert.Equal(t, "cloud", got.ClassifierProvider)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, "multi-step coding", got.Reasoning)
}

func TestAIStageFailoverToLocalSentinel(t *testing.T) {
	failing := &scriptedProvider{name: "cloud", err: errors.New("429 rate limit")}
	prefs := &staticPrefs{prefs: &Prefs{
		AIClassification: true,
		ChainJSON:        `[{"provider": "cloud"}, {"type": "local"}]`,
	}}
	c := New(newTestRegistry(failing), prefs)

	got := c.Classify(context.Background(), "hi", "u1", "")
	assert.Equal(t, catalog.TierTrivial, got.Tier)
	assert.Equal(t, SourceLocal, got.Source)
	assert.Equal(t, 1, failing.calls)
}

func TestAIStageTimeoutMovesOn(t *testing.T) {
	// First entry hangs past its deadline; second answers. The per-entry
	// deadline is 15s in production; the hang here just has to outlive
	// the context we give it.
	slow := &scriptedProvider{name: "slow", content: `{"tier":"simple"}`, delay: 30 * time.Second}
	fast := &scriptedProvider{name: "fast", content: `{"tier": "moderate", "confidence": 0.8}`}
	prefs := &staticPrefs{prefs: &Prefs{
		AIClassification: true,
		ChainJSON:        `[{"provider": "slow"}, {"provider": "fast"}, {"type": "local"}]`,
	}}
	c := New(newTestRegistry(slow, fast), prefs)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	got := c.Classify(ctx, "explain this", "u1", "")
	assert.Equal(t, catalog.TierModerate, got.Tier)
	assert.Equal(t, SourceAI, got.Source)
	assert.Equal(t, "fast", got.ClassifierProvider)
}

func TestAIStageChainExhausted(t *testing.T) {
	failing := &scriptedProvider{name: "cloud", err: errors.New("boom")}
	garbage := &scriptedProvider{name: "garbage", content: "I think this task is quite complex indeed."}
	// The auto-appended safety net fails too, exhausting the whole chain.
	ollama := &scriptedProvider{name: "ollama", err: errors.New("connection refused")}
	prefs := &staticPrefs{prefs: &Prefs{
		AIClassification: true,
		ChainJSON:        `[{"provider": "cloud"}, {"provider": "garbage"}]`,
	}}
	c := New(newTestRegistry(failing, garbage, ollama), prefs)

	got := c.Classify(context.Background(), "hi", "u1", "")
	assert.Equal(t, catalog.TierTrivial, got.Tier)
	assert.Equal(t, SourceChainExhausted, got.Source)
}

func TestSafetyNetAppended(t *testing.T) {
	c := New(newTestRegistry(), nil)
	entries := c.parseChain(&Prefs{ChainJSON: `[{"provider": "openrouter"}]`})
	require.Len(t, entries, 2)
	assert.Equal(t, provider.IDOllama, entries[1].Provider)
	assert.Equal(t, DefaultSafetyNetModel, entries[1].Model)

	// Chains that already include a local entry are left alone.
	entries = c.parseChain(&Prefs{ChainJSON: `[{"provider": "openrouter"}, {"type": "local"}]`})
	assert.Len(t, entries, 2)
}

func TestSafetyNetModelConfigurable(t *testing.T) {
	c := New(newTestRegistry(), nil, WithSafetyNetModel("llama3.2:3b"))
	entries := c.parseChain(&Prefs{ChainJSON: `[{"provider": "openrouter"}]`})
	require.Len(t, entries, 2)
	assert.Equal(t, "llama3.2:3b", entries[1].Model)
}

func TestChainCacheTTL(t *testing.T) {
	prefs := &staticPrefs{prefs: &Prefs{AIClassification: false}}
	c := New(newTestRegistry(), prefs)

	c.Classify(context.Background(), "hi", "u1", "")
	c.Classify(context.Background(), "hi", "u1", "")
	assert.Equal(t, 1, prefs.loads, "second call within TTL should hit the cache")

	c.InvalidateCache("u1")
	c.Classify(context.Background(), "hi", "u1", "")
	assert.Equal(t, 2, prefs.loads)
}

func TestForceTierSkipsAIStage(t *testing.T) {
	cloud := &scriptedProvider{name: "cloud", content: `{"tier": "complex"}`}
	prefs := &staticPrefs{prefs: &Prefs{AIClassification: true, ChainJSON: `[{"provider": "cloud"}]`}}
	c := New(newTestRegistry(cloud), prefs)

	got := c.Classify(context.Background(), "hi", "u1", "critical")
	assert.Equal(t, catalog.TierCritical, got.Tier)
	assert.Equal(t, 0, cloud.calls)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    catalog.Tier
		wantErr bool
	}{
		{"plain json", `{"tier": "simple", "confidence": 0.8, "reasoning": "short question"}`, catalog.TierSimple, false},
		{"fenced json", "```json\n{\"tier\": \"moderate\", \"confidence\": 0.7}\n```", catalog.TierModerate, false},
		{"think block then json", "<think>let me reason about it</think>{\"tier\": \"complex\", \"confidence\": 0.9}", catalog.TierComplex, false},
		{"prose around json", `Sure! Here is my answer: {"tier": "trivial", "confidence": 1.2} hope that helps`, catalog.TierTrivial, false},
		{"braces in reasoning", `{"tier": "simple", "confidence": 0.5, "reasoning": "looks like {json} payload"}`, catalog.TierSimple, false},
		{"leading object without tier", `{"note": "ignore me"} {"tier": "simple", "confidence": 0.5}`, catalog.TierSimple, false},
		{"unknown tier", `{"tier": "impossible", "confidence": 0.5}`, "", true},
		{"no json at all", "this task seems complex", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Tier)
			assert.GreaterOrEqual(t, got.Confidence, 0.0)
			assert.LessOrEqual(t, got.Confidence, 1.0)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("")
	assert.Contains(t, p, "trivial")
	assert.Contains(t, p, "critical")
	assert.Contains(t, p, `"tier"`)
	assert.NotContains(t, p, "routing configuration")

	p = BuildPrompt("trivial -> ollama/qwen3:4b")
	assert.Contains(t, p, "trivial -> ollama/qwen3:4b")
}
