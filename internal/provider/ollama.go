package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/normanking/relay/internal/logging"
)

// OllamaTimeouts defines the phased timeout settings for Ollama.
// Cold start (model loading) can take 30-90+ seconds depending on model
// size and hardware, so the first-token phase is much longer than the
// connection phase.
type OllamaTimeouts struct {
	ConnectionTimeout time.Duration // Time to establish HTTP connection
	FirstTokenTimeout time.Duration // Time to receive response headers (includes model loading)
}

// DefaultOllamaTimeouts returns timeouts tuned for a local instance.
func DefaultOllamaTimeouts() OllamaTimeouts {
	return OllamaTimeouts{
		ConnectionTimeout: 30 * time.Second,
		FirstTokenTimeout: 120 * time.Second,
	}
}

// RemoteOllamaTimeouts returns timeouts tuned for a remote instance, which
// adds network latency and possibly queued requests on top of cold start.
func RemoteOllamaTimeouts() OllamaTimeouts {
	return OllamaTimeouts{
		ConnectionTimeout: 60 * time.Second,
		FirstTokenTimeout: 300 * time.Second,
	}
}

// isRemoteEndpoint checks if the endpoint is a remote server (not localhost).
func isRemoteEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "host.docker.internal":
		return false
	}
	return true
}

// OllamaProvider implements the Provider interface for a local or remote
// Ollama instance.
type OllamaProvider struct {
	config   *Config
	client   *http.Client
	timeouts OllamaTimeouts
	log      *logging.Logger
}

// OllamaOption is a functional option for configuring OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithOllamaTimeouts sets custom phased timeouts.
func WithOllamaTimeouts(t OllamaTimeouts) OllamaOption {
	return func(p *OllamaProvider) {
		p.timeouts = t
		if transport, ok := p.client.Transport.(*http.Transport); ok {
			transport.ResponseHeaderTimeout = t.FirstTokenTimeout
		}
	}
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg *Config, opts ...OllamaOption) *OllamaProvider {
	if cfg == nil {
		cfg = DefaultConfig(IDOllama)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultConfig(IDOllama).Endpoint
	}

	timeouts := DefaultOllamaTimeouts()
	if isRemoteEndpoint(cfg.Endpoint) {
		timeouts = RemoteOllamaTimeouts()
	}

	p := &OllamaProvider{
		config:   cfg,
		timeouts: timeouts,
		client: &http.Client{
			// No Client.Timeout: it would cover the whole body read and
			// fire during long generations. ResponseHeaderTimeout covers
			// connection plus model loading; the caller's context covers
			// the rest.
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeouts.FirstTokenTimeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
		log: logging.Global().WithComponent("ollama"),
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	return IDOllama
}

// Available checks if Ollama is running and has at least one model.
// An Ollama endpoint with zero models is not useful as a backend.
func (p *OllamaProvider) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	models, err := p.listModels(ctx)
	return err == nil && len(models) > 0
}

// Probe implements Prober with a lightweight tags call.
func (p *OllamaProvider) Probe(ctx context.Context) error {
	models, err := p.listModels(ctx)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("ollama reachable but no models pulled")
	}
	return nil
}

// Models returns the models currently pulled on the instance.
func (p *OllamaProvider) Models(ctx context.Context) ([]string, error) {
	return p.listModels(ctx)
}

// HasModel reports whether the instance has the given model, matching both
// the full tag ("qwen3:8b") and the base name ("qwen3").
func (p *OllamaProvider) HasModel(ctx context.Context, model string) bool {
	models, err := p.listModels(ctx)
	if err != nil {
		return false
	}
	base := strings.Split(model, ":")[0]
	for _, m := range models {
		if m == model || strings.Split(m, ":")[0] == base {
			return true
		}
	}
	return false
}

func (p *OllamaProvider) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Provider: IDOllama, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, newHTTPError(IDOllama, resp.StatusCode, string(body))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}

	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// WarmupAsync fires a tiny generation in the background so the first real
// request does not pay the model-loading cost.
func (p *OllamaProvider) WarmupAsync(ctx context.Context) {
	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, p.timeouts.FirstTokenTimeout)
		defer cancel()

		_, err := p.Chat(warmCtx, &ChatRequest{
			Model:     p.config.Model,
			Messages:  []Message{{Role: "user", Content: "hi"}},
			MaxTokens: 1,
		})
		if err != nil {
			p.log.Debug("warmup failed: %v", err)
			return
		}
		p.log.Debug("warmup complete for %s", p.config.Model)
	}()
}

// Chat sends a chat request to Ollama.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	ollamaReq := ollamaChatRequest{
		Model:  req.Model,
		Stream: false,
	}
	if ollamaReq.Model == "" {
		ollamaReq.Model = p.config.Model
	}

	if req.SystemPrompt != "" {
		ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{
			Role:    "system",
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	// Native function calling: Ollama accepts OpenAI-style tool specs.
	for _, t := range req.Tools {
		ollamaReq.Tools = append(ollamaReq.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	ollamaReq.Options.Temperature = req.Temperature
	if ollamaReq.Options.Temperature == 0 {
		ollamaReq.Options.Temperature = p.config.Temperature
	}
	ollamaReq.Options.NumPredict = req.MaxTokens
	if ollamaReq.Options.NumPredict == 0 {
		ollamaReq.Options.NumPredict = p.config.MaxTokens
	}
	if req.TopP > 0 {
		ollamaReq.Options.TopP = req.TopP
	}

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindOf(err), Provider: IDOllama, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, newHTTPError(IDOllama, resp.StatusCode, string(errBody))
	}

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &ChatResponse{
		Content:          ollamaResp.Message.Content,
		Model:            ollamaResp.Model,
		PromptTokens:     ollamaResp.PromptEvalCount,
		CompletionTokens: ollamaResp.EvalCount,
		Duration:         time.Since(start),
		FinishReason:     ollamaResp.DoneReason,
	}
	for _, tc := range ollamaResp.Message.ToolCalls {
		args, _ := json.Marshal(tc.Function.Arguments)
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	out.UsedNativeTools = len(out.ToolCalls) > 0
	return out, nil
}

// Ollama API types.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  struct {
		Temperature float64 `json:"temperature,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
		TopP        float64 `json:"top_p,omitempty"`
	} `json:"options"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}
