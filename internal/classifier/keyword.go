package classifier

import (
	"regexp"
	"strings"

	"github.com/normanking/relay/internal/catalog"
)

// Signal weights for the keyword stage. Pattern matches dominate; the
// explicit hint only nudges.
const (
	weightPattern    = 0.4
	weightLength     = 0.2
	weightIndicators = 0.3
	weightHint       = 0.1
)

// complexKeywordBonus is added per matched keyword for the complex and
// critical tiers, so a short "delegate to the team" is not dragged down
// to trivial by its length.
const complexKeywordBonus = 8.0

// tierKeywords lists the phrases that signal each tier. Matching is
// case-insensitive substring search over the lower-cased input.
var tierKeywords = map[catalog.Tier][]string{
	catalog.TierTrivial: {
		"hi", "hello", "hey", "thanks", "thank you", "ok", "okay",
		"yes", "no", "good morning", "good night", "bye",
	},
	catalog.TierSimple: {
		"what is", "who is", "when is", "where is", "define",
		"translate", "convert", "remind me", "what time",
		"weather", "summarize this sentence",
	},
	catalog.TierModerate: {
		"explain", "compare", "summarize", "draft", "write a",
		"how do i", "how does", "describe", "list the", "outline",
		"review this",
	},
	catalog.TierComplex: {
		"implement", "refactor", "debug", "analyze", "architecture",
		"design a", "optimize", "build a", "migrate", "multi-step",
		"delegate", "step by step", "investigate", "benchmark",
	},
	catalog.TierCritical: {
		"production incident", "security audit", "vulnerability",
		"data loss", "outage", "urgent", "critical", "penetration test",
		"root cause", "postmortem", "disaster recovery",
	},
}

// lengthThresholds are token-count boundaries between tiers.
var lengthThresholds = []int{50, 200, 500, 1000}

// contextIndicator nudges specific tiers when a structural feature is
// present in the input.
type contextIndicator struct {
	pattern *regexp.Regexp
	nudges  map[catalog.Tier]float64
}

var contextIndicators = []contextIndicator{
	{
		// Code fences suggest real work on code.
		pattern: regexp.MustCompile("```"),
		nudges:  map[catalog.Tier]float64{catalog.TierModerate: 0.3, catalog.TierComplex: 0.5},
	},
	{
		pattern: regexp.MustCompile(`https?://\S+`),
		nudges:  map[catalog.Tier]float64{catalog.TierSimple: 0.2, catalog.TierModerate: 0.3},
	},
	{
		// JSON-like payloads.
		pattern: regexp.MustCompile(`\{\s*"`),
		nudges:  map[catalog.Tier]float64{catalog.TierModerate: 0.3, catalog.TierComplex: 0.3},
	},
	{
		pattern: regexp.MustCompile(`\b(error|exception|traceback|stack\s?trace|panic)\b`),
		nudges:  map[catalog.Tier]float64{catalog.TierComplex: 0.5, catalog.TierCritical: 0.2},
	},
	{
		// Multi-step markers.
		pattern: regexp.MustCompile(`\b(first|then|finally|step \d|\d\.\s)\b`),
		nudges:  map[catalog.Tier]float64{catalog.TierModerate: 0.2, catalog.TierComplex: 0.4},
	},
	{
		pattern: regexp.MustCompile(`\?`),
		nudges:  map[catalog.Tier]float64{catalog.TierSimple: 0.3, catalog.TierModerate: 0.1},
	},
	{
		// Imperative command verbs at the start.
		pattern: regexp.MustCompile(`^\s*(create|build|write|generate|make|fix|implement)\b`),
		nudges:  map[catalog.Tier]float64{catalog.TierModerate: 0.2, catalog.TierComplex: 0.3},
	},
	{
		// Analysis verbs at the start signal real explanation work even
		// when the text itself is short.
		pattern: regexp.MustCompile(`^\s*(explain|describe|compare|outline|draft|review)\b`),
		nudges:  map[catalog.Tier]float64{catalog.TierModerate: 0.5},
	},
}

// KeywordClassifier is the deterministic first stage. It is a pure
// function of its input: no I/O, no state.
type KeywordClassifier struct{}

// NewKeywordClassifier creates the keyword stage.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// Classify scores every tier and picks the best. forceTier, when valid,
// contributes the hint signal and then wins outright.
func (c *KeywordClassifier) Classify(text string, forceTier string) Classification {
	lower := strings.ToLower(text)
	tokens := len(strings.Fields(text))

	scores := make(map[catalog.Tier]float64, 5)
	for _, tier := range catalog.Tiers() {
		scores[tier] = c.scoreTier(tier, lower, tokens, forceTier)
	}

	best, second := topTwo(scores)
	confidence := 0.5
	if scores[best] > 0 {
		confidence = min((scores[best]-second)/scores[best]+0.5, 1.0)
	}

	result := Classification{
		Tier:       best,
		Confidence: confidence,
		Scores:     scores,
		Source:     SourceLocal,
	}

	if catalog.ValidTier(forceTier) {
		result.Tier = catalog.Tier(forceTier)
		result.Confidence = 1.0
	}
	return result
}

func (c *KeywordClassifier) scoreTier(tier catalog.Tier, lower string, tokens int, forceTier string) float64 {
	keywords := tierKeywords[tier]

	matched := 0
	for _, kw := range keywords {
		if containsWord(lower, kw) {
			matched++
		}
	}
	patternScore := 0.0
	if len(keywords) > 0 {
		patternScore = float64(matched) / float64(len(keywords))
	}

	score := weightPattern*patternScore +
		weightLength*lengthScore(tier, tokens) +
		weightIndicators*indicatorScore(tier, lower)

	if forceTier == string(tier) {
		score += weightHint
	}

	if tier == catalog.TierComplex || tier == catalog.TierCritical {
		score += float64(matched) * complexKeywordBonus
	}
	return score
}

// containsWord matches kw as a whole-word substring so "hi" does not
// match inside "this".
func containsWord(text, kw string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

// lengthScore is a tier-appropriate bell over token count: each tier has a
// home range between consecutive thresholds and scores 1.0 inside it,
// decaying with distance outside.
func lengthScore(tier catalog.Tier, tokens int) float64 {
	band := 0
	switch tier {
	case catalog.TierTrivial:
		band = 0
	case catalog.TierSimple:
		band = 1
	case catalog.TierModerate:
		band = 2
	case catalog.TierComplex:
		band = 3
	case catalog.TierCritical:
		band = 4
	}

	actual := len(lengthThresholds)
	for i, th := range lengthThresholds {
		if tokens < th {
			actual = i
			break
		}
	}

	distance := band - actual
	if distance < 0 {
		distance = -distance
	}
	switch distance {
	case 0:
		return 1.0
	case 1:
		return 0.5
	case 2:
		return 0.2
	default:
		return 0.0
	}
}

func indicatorScore(tier catalog.Tier, lower string) float64 {
	var score float64
	for _, ind := range contextIndicators {
		if ind.pattern.MatchString(lower) {
			score += ind.nudges[tier]
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// topTwo returns the winning tier and the runner-up score. Ties break in
// ascending tier order so cheaper tiers win deterministic draws.
func topTwo(scores map[catalog.Tier]float64) (catalog.Tier, float64) {
	best := catalog.TierTrivial
	var bestScore, second float64
	first := true
	for _, tier := range catalog.Tiers() {
		s := scores[tier]
		if first || s > bestScore {
			if !first {
				second = max(second, bestScore)
			}
			best = tier
			bestScore = s
			first = false
		} else if s > second {
			second = s
		}
	}
	return best, second
}
