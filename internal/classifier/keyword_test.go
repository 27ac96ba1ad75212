package classifier

import (
	"testing"

	"github.com/normanking/relay/internal/catalog"
)

func TestKeywordClassify(t *testing.T) {
	c := NewKeywordClassifier()

	tests := []struct {
		name string
		text string
		want catalog.Tier
	}{
		{"greeting", "hi", catalog.TierTrivial},
		{"thanks", "thanks!", catalog.TierTrivial},
		{"factual question", "what is the capital of France?", catalog.TierSimple},
		{"explain request", "explain how TCP slow start works", catalog.TierModerate},
		{"coding task", "implement a rate limiter and refactor the worker pool", catalog.TierComplex},
		{"short delegation", "delegate this to the team", catalog.TierComplex},
		{"incident", "production incident: database outage, need root cause", catalog.TierCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.text, "")
			if got.Tier != tt.want {
				t.Errorf("Classify(%q) = %s, want %s (scores: %v)", tt.text, got.Tier, tt.want, got.Scores)
			}
			if got.Source != SourceLocal {
				t.Errorf("Source = %q, want %q", got.Source, SourceLocal)
			}
		})
	}
}

func TestKeywordDeterminism(t *testing.T) {
	c := NewKeywordClassifier()
	text := "debug this error: panic in worker pool, then refactor the retry logic"

	first := c.Classify(text, "")
	for i := 0; i < 10; i++ {
		got := c.Classify(text, "")
		if got.Tier != first.Tier || got.Confidence != first.Confidence {
			t.Fatalf("run %d differs: %v vs %v", i, got, first)
		}
		for tier, score := range got.Scores {
			if score != first.Scores[tier] {
				t.Fatalf("score for %s differs: %v vs %v", tier, score, first.Scores[tier])
			}
		}
	}
}

func TestKeywordMonotonicity(t *testing.T) {
	c := NewKeywordClassifier()
	base := "please look into the service"

	for _, tier := range catalog.Tiers() {
		for _, kw := range tierKeywords[tier] {
			before := c.Classify(base, "").Scores[tier]
			after := c.Classify(base+" "+kw, "").Scores[tier]
			if after < before {
				t.Errorf("adding %q decreased %s score: %v -> %v", kw, tier, before, after)
			}
		}
	}
}

func TestPatternSignalIsListFraction(t *testing.T) {
	c := NewKeywordClassifier()

	// One extra matched keyword moves the moderate score by exactly
	// its share of the keyword list.
	one := c.Classify("explain the cache", "").Scores[catalog.TierModerate]
	two := c.Classify("explain and compare the cache", "").Scores[catalog.TierModerate]

	want := weightPattern / float64(len(tierKeywords[catalog.TierModerate]))
	if diff := two - one; diff < want-1e-9 || diff > want+1e-9 {
		t.Errorf("second keyword moved the score by %v, want %v", diff, want)
	}
}

func TestForceTierWins(t *testing.T) {
	c := NewKeywordClassifier()

	for _, tier := range catalog.Tiers() {
		got := c.Classify("implement a distributed consensus protocol", string(tier))
		if got.Tier != tier {
			t.Errorf("forceTier=%s ignored, got %s", tier, got.Tier)
		}
		if got.Confidence != 1.0 {
			t.Errorf("forceTier=%s confidence = %v, want 1.0", tier, got.Confidence)
		}
	}

	// Invalid force tiers are ignored.
	got := c.Classify("hi", "ultra-mega")
	if got.Tier != catalog.TierTrivial {
		t.Errorf("invalid forceTier changed result: %s", got.Tier)
	}
}

func TestConfidenceMargin(t *testing.T) {
	c := NewKeywordClassifier()

	// A clear-cut complex task should be more confident than an ambiguous one.
	clear := c.Classify("implement and refactor and debug and optimize the architecture", "")
	ambiguous := c.Classify("explain what is this", "")
	if clear.Confidence < ambiguous.Confidence {
		t.Errorf("clear case confidence %v < ambiguous %v", clear.Confidence, ambiguous.Confidence)
	}
	if clear.Confidence > 1.0 {
		t.Errorf("confidence %v exceeds 1.0", clear.Confidence)
	}
}

func TestLengthScoreBands(t *testing.T) {
	tests := []struct {
		tier   catalog.Tier
		tokens int
		want   float64
	}{
		{catalog.TierTrivial, 5, 1.0},
		{catalog.TierTrivial, 100, 0.5},
		{catalog.TierSimple, 100, 1.0},
		{catalog.TierModerate, 300, 1.0},
		{catalog.TierComplex, 700, 1.0},
		{catalog.TierCritical, 1500, 1.0},
		{catalog.TierCritical, 5, 0.0},
	}
	for _, tt := range tests {
		if got := lengthScore(tt.tier, tt.tokens); got != tt.want {
			t.Errorf("lengthScore(%s, %d) = %v, want %v", tt.tier, tt.tokens, got, tt.want)
		}
	}
}
