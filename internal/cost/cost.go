// Package cost estimates per-call USD cost from token counts. Rates are
// per million tokens and matched by model-name substring, so one entry
// covers a whole model family.
package cost

import (
	"math"
	"strings"
)

// Rate is the USD price per million tokens, split by direction.
type Rate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// modelRates maps model-name substrings to rates. First match wins in
// order of appearance; more specific substrings come first.
// Updated August 2026.
var modelRates = []struct {
	substr string
	rate   Rate
}{
	{"claude-opus", Rate{15.00, 75.00}},
	{"claude-sonnet", Rate{3.00, 15.00}},
	{"claude-haiku", Rate{0.80, 4.00}},
	{"gpt-4o-mini", Rate{0.15, 0.60}},
	{"gpt-4o", Rate{2.50, 10.00}},
	{"gpt-4", Rate{30.00, 60.00}},
	{"o1", Rate{15.00, 60.00}},
	{"gemini-2.0-flash", Rate{0.10, 0.40}},
	{"gemini-1.5-flash", Rate{0.075, 0.30}},
	{"gemini-1.5-pro", Rate{1.25, 5.00}},
	{"gemini", Rate{0.10, 0.40}},
	{"deepseek", Rate{0.27, 1.10}},
	{"llama-3.3-70b", Rate{0.59, 0.79}},
	{"llama", Rate{0.20, 0.30}},
	{"qwen", Rate{0.20, 0.60}},
	{"mistral", Rate{0.25, 0.25}},
	{"mixtral", Rate{0.60, 0.60}},
}

// unknownRate is the fallback for cloud models with no table entry.
var unknownRate = Rate{1.0, 3.0}

// freeProviders never bill per token: local inference and CLI tools whose
// cost sits on a separate subscription.
var freeProviders = map[string]bool{
	"ollama":       true,
	"local-agent":  true,
	"cli-claude":   true,
	"cli-gemini":   true,
	"cli-opencode": true,
}

// IsFree reports whether the provider/model pair bills nothing per token.
// OpenRouter ":free" models are free regardless of provider entry.
func IsFree(providerID, model string) bool {
	if freeProviders[providerID] {
		return true
	}
	return strings.HasSuffix(model, ":free")
}

// RateFor returns the billing rate for a provider/model pair.
func RateFor(providerID, model string) Rate {
	if IsFree(providerID, model) {
		return Rate{}
	}
	lower := strings.ToLower(model)
	for _, entry := range modelRates {
		if strings.Contains(lower, entry.substr) {
			return entry.rate
		}
	}
	return unknownRate
}

// Estimate returns the estimated USD cost of a call, rounded to six
// decimal places so stored values stay stable across aggregation.
func Estimate(providerID, model string, inputTokens, outputTokens int) float64 {
	rate := RateFor(providerID, model)
	usd := float64(inputTokens)/1_000_000*rate.InputPerMillion +
		float64(outputTokens)/1_000_000*rate.OutputPerMillion
	return Round(usd)
}

// Round rounds a USD amount to six decimal places.
func Round(usd float64) float64 {
	return math.Round(usd*1e6) / 1e6
}
