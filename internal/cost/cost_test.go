package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFree(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		want     bool
	}{
		{"ollama always free", "ollama", "qwen3:8b", true},
		{"cli tools free", "cli-claude", "claude-sonnet-4", true},
		{"local agent free", "local-agent", "anything", true},
		{"openrouter free suffix", "openrouter", "meta-llama/llama-3.3-8b-instruct:free", true},
		{"openrouter paid model", "openrouter", "anthropic/claude-sonnet-4", false},
		{"google paid", "google", "gemini-2.0-flash", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFree(tt.provider, tt.model))
		})
	}
}

func TestRateForSubstringMatch(t *testing.T) {
	r := RateFor("openrouter", "anthropic/claude-sonnet-4.5")
	assert.Equal(t, 3.00, r.InputPerMillion)
	assert.Equal(t, 15.00, r.OutputPerMillion)

	// More specific entries win over family entries.
	r = RateFor("openrouter", "openai/gpt-4o-mini")
	assert.Equal(t, 0.15, r.InputPerMillion)

	// Unknown cloud models get the fallback rate.
	r = RateFor("openrouter", "some-new-lab/unheard-of-model")
	assert.Equal(t, 1.0, r.InputPerMillion)
	assert.Equal(t, 3.0, r.OutputPerMillion)
}

func TestEstimate(t *testing.T) {
	// Free pairs cost exactly zero.
	assert.Equal(t, 0.0, Estimate("ollama", "qwen3:8b", 1_000_000, 1_000_000))
	assert.Equal(t, 0.0, Estimate("openrouter", "x/y:free", 1_000_000, 1_000_000))

	// gpt-4o: 2.50 in, 10.00 out per million.
	got := Estimate("openrouter", "openai/gpt-4o", 1000, 2000)
	assert.InDelta(t, 0.0225, got, 1e-9)

	// The -mini entry must win over the gpt-4o prefix.
	got = Estimate("openrouter", "openai/gpt-4o-mini", 1_000_000, 1_000_000)
	assert.InDelta(t, 0.75, got, 1e-9)

	// Rounded to six decimal places.
	got = Estimate("openrouter", "unknown-model", 1, 1)
	assert.Equal(t, 0.000004, got)
}
