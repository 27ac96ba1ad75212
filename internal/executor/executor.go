// Package executor is the failover core: it classifies a request,
// resolves the provider chain, and walks the chain in order until one
// provider produces a usable response. Health, usage accounting, and
// user notifications all hang off this loop.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/relay/internal/asynccli"
	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/chain"
	"github.com/normanking/relay/internal/classifier"
	"github.com/normanking/relay/internal/cost"
	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/internal/health"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/notify"
	"github.com/normanking/relay/internal/provider"
	"github.com/normanking/relay/internal/usage"
)

// DefaultRetryBudget is the shared number of retryable failures allowed
// per request across the whole chain.
const DefaultRetryBudget = 3

// Request is the immutable input to one Process call. Task and Messages
// are alternatives; when both are set, Messages wins and Task is
// ignored.
type Request struct {
	Task     string
	Messages []provider.Message

	UserID         string
	AgentID        string
	ConversationID string

	ForceProvider string
	ForceTier     string

	SystemPrompt string
	Tools        []provider.ToolSpec
	MaxTokens    int
	Temperature  float64
	TopP         float64

	// Agentic marks requests from the reasoning loop, which enables
	// meta-talk soft-failure detection.
	Agentic bool

	// ChainOptions filter the catalog defaults (requireLocal etc).
	ChainOptions catalog.ChainOptions

	// TriggerContext describes the originating conversation for
	// out-of-band reply delivery.
	TriggerContext map[string]interface{}
}

// Usage is the token accounting of one successful call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Result is the outcome of one Process call.
type Result struct {
	RequestID          string                    `json:"requestId"`
	Content            string                    `json:"content"`
	Model              string                    `json:"model"`
	Provider           string                    `json:"provider"`
	Usage              Usage                     `json:"usage"`
	ToolCalls          []provider.ToolCall       `json:"toolCalls,omitempty"`
	Classification     classifier.Classification `json:"classification"`
	Duration           time.Duration             `json:"duration"`
	AttemptedProviders []string                  `json:"attemptedProviders"`
}

// Router is the process-wide failover executor. Construct one per
// process with New and tear it down with Close.
type Router struct {
	classifier *classifier.Classifier
	resolver   *chain.Resolver
	registry   *provider.Registry
	tracker    *health.Tracker
	log        *logging.Logger

	usageQueue  *usage.Queue
	notifier    notify.Notifier
	asyncMgr    *asynccli.Manager
	retryBudget int
}

// Option configures a Router.
type Option func(*Router)

// WithUsageQueue wires the background usage writer.
func WithUsageQueue(q *usage.Queue) Option {
	return func(r *Router) { r.usageQueue = q }
}

// WithNotifier wires user-visible failure notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Router) { r.notifier = n }
}

// WithAsyncManager attaches the async CLI manager for teardown.
func WithAsyncManager(m *asynccli.Manager) Option {
	return func(r *Router) { r.asyncMgr = m }
}

// WithRetryBudget overrides the shared retry budget.
func WithRetryBudget(n int) Option {
	return func(r *Router) { r.retryBudget = n }
}

// New creates a Router.
func New(cls *classifier.Classifier, resolver *chain.Resolver, registry *provider.Registry, tracker *health.Tracker, opts ...Option) *Router {
	r := &Router{
		classifier:  cls,
		resolver:    resolver,
		registry:    registry,
		tracker:     tracker,
		log:         logging.Global().WithComponent("router"),
		retryBudget: DefaultRetryBudget,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process classifies the request, resolves the provider chain, and
// tries each entry in strict order until one succeeds. Providers are
// never raced speculatively.
func (r *Router) Process(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	requestID := uuid.NewString()

	cls := r.classifier.Classify(ctx, req.text(), req.UserID, req.ForceTier)
	r.log.Debug("[Router] %s classified %s (%.2f, %s)", requestID, cls.Tier, cls.Confidence, cls.Source)

	entries := r.resolver.Resolve(ctx, cls.Tier, req.UserID, chain.Options{
		ForceProvider: req.ForceProvider,
		Chain:         req.ChainOptions,
	})
	if len(entries) == 0 {
		r.notify(notify.KindChainExhausted, req.UserID, "",
			fmt.Sprintf("No AI providers are available for %s tasks right now.", cls.Tier))
		return nil, fmt.Errorf("no providers available for tier %s", cls.Tier)
	}

	budget := r.retryBudget
	attempted := make([]string, 0, len(entries))
	notified := make(map[provider.ErrorKind]bool)
	var lastErr error

	for i, entry := range entries {
		remaining := len(entries) - i - 1
		attempted = append(attempted, entry.Provider)

		adapter, err := r.registry.Get(entry.Provider)
		if err != nil {
			r.log.Warn("[Router] %s: no adapter for %s: %v", requestID, entry.Provider, err)
			lastErr = err
			continue
		}

		chatReq := req.chatRequest(coerceModel(entry.Provider, entry.Model, r.log))
		resp, err := adapter.Chat(ctx, chatReq)
		if err != nil {
			kind := provider.KindOf(err)
			r.tracker.RecordFailure(entry.Provider, err)
			r.log.Warn("[Router] %s: %s failed (%s): %v", requestID, entry.Provider, kind, err)
			lastErr = err

			// Credit and rate-limit problems surface immediately, even
			// when a later entry goes on to succeed. One notification
			// per kind per request.
			if kind.Notifiable() && !notified[kind] {
				notified[kind] = true
				r.notifyKind(kind, req.UserID, entry.Provider)
			}

			if kind.Retryable() {
				budget--
				if budget <= 0 {
					r.log.Warn("[Router] %s: retry budget exhausted after %d attempts", requestID, len(attempted))
					break
				}
			}
			continue
		}

		if reason, soft := softFailure(resp, req.Agentic, remaining > 0); soft {
			r.log.Warn("[Router] %s: %s soft failure: %s", requestID, entry.Provider, reason)
			lastErr = fmt.Errorf("%s: %s", entry.Provider, reason)
			continue
		}

		r.tracker.RecordSuccess(entry.Provider)
		r.submitUsage(requestID, req, entry.Provider, resp)

		return &Result{
			RequestID:          requestID,
			Content:            resp.Content,
			Model:              resp.Model,
			Provider:           entry.Provider,
			Usage:              Usage{InputTokens: resp.PromptTokens, OutputTokens: resp.CompletionTokens},
			ToolCalls:          resp.ToolCalls,
			Classification:     cls,
			Duration:           time.Since(start),
			AttemptedProviders: attempted,
		}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available for tier %s", cls.Tier)
	}
	return nil, fmt.Errorf("all providers failed (%s): %w", strings.Join(attempted, ", "), lastErr)
}

// notifyKind surfaces credit and rate-limit failures to the user at the
// point of failure. Transient network errors stay silent.
func (r *Router) notifyKind(kind provider.ErrorKind, userID, failedProvider string) {
	switch kind {
	case provider.KindPayment:
		r.notify(notify.KindPayment, userID, failedProvider,
			fmt.Sprintf("Provider %s is out of credits. Check your account or switch providers.", failedProvider))
	case provider.KindRateLimit:
		r.notify(notify.KindRateLimit, userID, failedProvider,
			fmt.Sprintf("Provider %s is rate-limiting requests. Try again shortly.", failedProvider))
	}
}

func (r *Router) notify(kind notify.Kind, userID, providerID, message string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(notify.Notification{
		Kind:     kind,
		UserID:   userID,
		Provider: providerID,
		Message:  message,
	})
}

// submitUsage enqueues a usage record without blocking the request
// path. A full queue drops the record with a debug log.
func (r *Router) submitUsage(requestID string, req *Request, providerID string, resp *provider.ChatResponse) {
	if r.usageQueue == nil {
		return
	}
	record := &data.UsageRecord{
		ID:             requestID,
		UserID:         req.UserID,
		Provider:       providerID,
		Model:          resp.Model,
		InputTokens:    resp.PromptTokens,
		OutputTokens:   resp.CompletionTokens,
		CostUSD:        cost.Estimate(providerID, resp.Model, resp.PromptTokens, resp.CompletionTokens),
		AgentID:        req.AgentID,
		ConversationID: req.ConversationID,
		Timestamp:      time.Now(),
	}
	if !r.usageQueue.Submit(record) {
		r.log.Debug("[Router] %s: usage record dropped, queue full", requestID)
	}
}

// Close tears down the process-wide state: the probe loop stops, the
// usage queue drains, and async jobs are abandoned rather than killed.
func (r *Router) Close() {
	if r.tracker != nil {
		r.tracker.Stop()
	}
	if r.usageQueue != nil {
		r.usageQueue.Close()
	}
	if r.asyncMgr != nil {
		r.asyncMgr.Close()
	}
}

// text returns the classification input.
func (req *Request) text() string {
	if len(req.Messages) > 0 {
		// Classify on the latest user message.
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				return req.Messages[i].Content
			}
		}
		return req.Messages[len(req.Messages)-1].Content
	}
	return req.Task
}

// chatRequest builds the provider call for one chain entry.
func (req *Request) chatRequest(model string) *provider.ChatRequest {
	messages := req.Messages
	if len(messages) == 0 {
		messages = []provider.Message{{Role: "user", Content: req.Task}}
	}
	return &provider.ChatRequest{
		Model:        model,
		SystemPrompt: req.SystemPrompt,
		Messages:     messages,
		Tools:        req.Tools,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
	}
}

// coerceModel drops a model name whose format does not fit the target
// provider, letting the provider auto-select instead. Ollama models are
// bare tags (qwen3:8b); OpenRouter models are org-scoped
// (meta-llama/llama-3.3-8b:free).
func coerceModel(providerID, model string, log *logging.Logger) string {
	if model == "" {
		return ""
	}
	switch providerID {
	case provider.IDOllama:
		if strings.Contains(model, "/") {
			log.Warn("[Router] model %q is not an ollama tag, auto-selecting instead", model)
			return ""
		}
	case provider.IDOpenRouter:
		if !strings.Contains(model, "/") {
			log.Warn("[Router] model %q is not org-scoped for openrouter, auto-selecting instead", model)
			return ""
		}
	}
	return model
}

// ═══════════════════════════════════════════════════════════════════════
// Soft failure detection
// ═══════════════════════════════════════════════════════════════════════

// actionPattern matches the "action":"..." JSON the reasoning loop
// expects from agentic responses.
var actionPattern = regexp.MustCompile(`"action"\s*:\s*"`)

// metaTalkMarkers flag responses that describe a tool call instead of
// making one.
var metaTalkMarkers = []string{
	"tool call",
	"tool_call",
	"json format",
	"function call",
	"i would use the",
	"i need to call",
}

// metaTalkLengthCutoff bounds the heuristic: longer responses are
// treated as substantive answers even when they mention tooling.
const metaTalkLengthCutoff = 500

// softFailure rejects a technically successful response that carries no
// usable output. Soft failures fail over to the next entry without
// consuming retry budget.
func softFailure(resp *provider.ChatResponse, agentic, moreRemain bool) (string, bool) {
	if len(resp.ToolCalls) > 0 || !moreRemain {
		return "", false
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "empty response with no tool calls", true
	}
	if agentic && len(content) <= metaTalkLengthCutoff && !actionPattern.MatchString(content) {
		lower := strings.ToLower(content)
		for _, marker := range metaTalkMarkers {
			if strings.Contains(lower, marker) {
				return "meta-talk about tools without a tool call", true
			}
		}
	}
	return "", false
}
