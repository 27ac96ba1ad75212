// Package classifier assigns a complexity tier to each request. A
// deterministic keyword stage always runs; users can opt into an AI
// override stage that consults a configurable provider chain with its own
// failover and a local safety net.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/provider"
)

// Classification sources.
const (
	SourceLocal          = "local"
	SourceAI             = "ai"
	SourceChainExhausted = "local-chain-exhausted"
)

// Classification is the classifier's verdict for one request.
type Classification struct {
	Tier               catalog.Tier             `json:"tier"`
	Confidence         float64                  `json:"confidence"`
	Scores             map[catalog.Tier]float64 `json:"scores,omitempty"`
	Source             string                   `json:"source"`
	ClassifierProvider string                   `json:"classifierProvider,omitempty"`
	Reasoning          string                   `json:"reasoning,omitempty"`
}

// ChainEntry is one resolved entry of a classifier provider chain. The
// sentinel Type "local" means "use keyword classification at this
// position" instead of calling a provider.
type ChainEntry struct {
	Type     string `json:"type,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// IsLocalSentinel reports whether this entry is the keyword-stage sentinel.
func (e ChainEntry) IsLocalSentinel() bool {
	return e.Type == "local"
}

// Prefs is the per-user classifier configuration read from storage.
type Prefs struct {
	// AIClassification enables the AI override stage.
	AIClassification bool
	// ChainJSON is the stored provider chain, a JSON array of ChainEntry.
	ChainJSON string
	// TaskRoutingInfo is a human-readable description of the user's
	// per-tier routing, embedded into the classifier prompt.
	TaskRoutingInfo string
}

// PrefsSource loads classifier preferences for a user.
type PrefsSource interface {
	ClassifierPrefs(ctx context.Context, userID string) (*Prefs, error)
}

// entryDeadline caps each AI chain entry's call.
const entryDeadline = 15 * time.Second

// chainCacheTTL is how long a resolved chain is memoized per user, to
// avoid hitting storage on every message.
const chainCacheTTL = 30 * time.Second

// DefaultSafetyNetModel is appended when a chain has no locally-runnable
// entry, so cloud rate limits can never take the classifier down.
const DefaultSafetyNetModel = "qwen3:8b"

// Classifier runs the two-stage tier assignment.
type Classifier struct {
	keyword  *KeywordClassifier
	registry *provider.Registry
	prefs    PrefsSource
	log      *logging.Logger

	safetyNetModel string

	cacheMu sync.RWMutex
	cache   map[string]cachedChain
}

type cachedChain struct {
	prefs   *Prefs
	entries []ChainEntry
	loaded  time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSafetyNetModel overrides the local safety-net model.
func WithSafetyNetModel(model string) Option {
	return func(c *Classifier) { c.safetyNetModel = model }
}

// New creates a Classifier. prefs may be nil, in which case only the
// keyword stage runs.
func New(registry *provider.Registry, prefs PrefsSource, opts ...Option) *Classifier {
	c := &Classifier{
		keyword:        NewKeywordClassifier(),
		registry:       registry,
		prefs:          prefs,
		log:            logging.Global().WithComponent("classifier"),
		safetyNetModel: DefaultSafetyNetModel,
		cache:          make(map[string]cachedChain),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify assigns a tier to text for the given user. forceTier, when
// valid, wins over both stages.
func (c *Classifier) Classify(ctx context.Context, text, userID, forceTier string) Classification {
	local := c.keyword.Classify(text, forceTier)

	if catalog.ValidTier(forceTier) {
		return local
	}

	prefs, entries := c.resolvedChain(ctx, userID)
	if prefs == nil || !prefs.AIClassification {
		return local
	}

	result, ok := c.classifyAI(ctx, text, prefs, entries, local)
	if !ok {
		local.Source = SourceChainExhausted
		return local
	}
	return result
}

// resolvedChain returns the user's prefs and classifier chain, memoized
// for chainCacheTTL. The safety net is appended here so cached chains are
// already complete.
func (c *Classifier) resolvedChain(ctx context.Context, userID string) (*Prefs, []ChainEntry) {
	if c.prefs == nil || userID == "" {
		return nil, nil
	}

	c.cacheMu.RLock()
	entry, ok := c.cache[userID]
	c.cacheMu.RUnlock()
	if ok && time.Since(entry.loaded) < chainCacheTTL {
		return entry.prefs, entry.entries
	}

	prefs, err := c.prefs.ClassifierPrefs(ctx, userID)
	if err != nil {
		c.log.Debug("[Classifier] prefs load failed for %s: %v", userID, err)
		return nil, nil
	}
	if prefs == nil {
		return nil, nil
	}

	entries := c.parseChain(prefs)

	c.cacheMu.Lock()
	c.cache[userID] = cachedChain{prefs: prefs, entries: entries, loaded: time.Now()}
	c.cacheMu.Unlock()
	return prefs, entries
}

// InvalidateCache drops a user's cached chain, forcing a re-read on the
// next classification.
func (c *Classifier) InvalidateCache(userID string) {
	c.cacheMu.Lock()
	delete(c.cache, userID)
	c.cacheMu.Unlock()
}

func (c *Classifier) parseChain(prefs *Prefs) []ChainEntry {
	var entries []ChainEntry
	if prefs.ChainJSON != "" {
		if err := json.Unmarshal([]byte(prefs.ChainJSON), &entries); err != nil {
			c.log.Warn("[Classifier] invalid chain config, using defaults: %v", err)
			entries = nil
		}
	}
	if len(entries) == 0 {
		entries = []ChainEntry{
			{Provider: provider.IDOpenRouter},
			{Type: "local"},
		}
	}

	// Append the local safety net when nothing in the chain can run
	// without the network.
	if !hasLocalEntry(entries) {
		entries = append(entries, ChainEntry{
			Provider: provider.IDOllama,
			Model:    c.safetyNetModel,
		})
	}
	return entries
}

func hasLocalEntry(entries []ChainEntry) bool {
	for _, e := range entries {
		if e.IsLocalSentinel() || provider.NormalizeID(e.Provider) == provider.IDOllama {
			return true
		}
	}
	return false
}

// classifyAI walks the chain. Each provider entry races a 15 s deadline;
// on timeout, HTTP failure, or unparseable output the next entry is
// tried. The local sentinel returns the keyword result directly.
func (c *Classifier) classifyAI(ctx context.Context, text string, prefs *Prefs, entries []ChainEntry, local Classification) (Classification, bool) {
	prompt := BuildPrompt(prefs.TaskRoutingInfo)

	for _, entry := range entries {
		if entry.IsLocalSentinel() {
			return local, true
		}

		p, err := c.registry.Get(entry.Provider)
		if err != nil {
			c.log.Debug("[Classifier] unknown chain provider %s: %v", entry.Provider, err)
			continue
		}

		entryCtx, cancel := context.WithTimeout(ctx, entryDeadline)
		resp, err := p.Chat(entryCtx, &provider.ChatRequest{
			Model:        entry.Model,
			SystemPrompt: prompt,
			Messages:     []provider.Message{{Role: "user", Content: text}},
			MaxTokens:    256,
			Temperature:  0.1,
		})
		cancel()

		if err != nil {
			c.log.Debug("[Classifier] %s failed: %v", entry.Provider, err)
			continue
		}

		verdict, err := ParseVerdict(resp.Content)
		if err != nil {
			c.log.Debug("[Classifier] %s returned unparseable output: %v", entry.Provider, err)
			continue
		}

		return Classification{
			Tier:               verdict.Tier,
			Confidence:         verdict.Confidence,
			Scores:             local.Scores,
			Source:             SourceAI,
			ClassifierProvider: provider.NormalizeID(entry.Provider),
			Reasoning:          verdict.Reasoning,
		}, true
	}

	return Classification{}, false
}

// Verdict is the parsed output of an AI classifier call.
type Verdict struct {
	Tier       catalog.Tier
	Confidence float64
	Reasoning  string
}

// ParseVerdict extracts the classification JSON from model output. It
// strips markdown fences and <think> blocks, finds the first balanced
// object containing a "tier" field, validates the tier, and clamps
// confidence to [0,1].
func ParseVerdict(content string) (*Verdict, error) {
	cleaned := stripThinkBlocks(stripFences(content))

	obj, err := firstObjectWithTier(cleaned)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Tier       string  `json:"tier"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}

	if !catalog.ValidTier(raw.Tier) {
		return nil, fmt.Errorf("unknown tier %q", raw.Tier)
	}

	conf := raw.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return &Verdict{
		Tier:       catalog.Tier(raw.Tier),
		Confidence: conf,
		Reasoning:  raw.Reasoning,
	}, nil
}
