package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpenRouterProvider implements the Provider interface for OpenRouter's
// OpenAI-compatible API. One adapter serves both free and paid models; the
// model name decides which tier a request lands on.
type OpenRouterProvider struct {
	baseProvider
}

// NewOpenRouterProvider creates a new OpenRouter provider.
func NewOpenRouterProvider(cfg *Config) *OpenRouterProvider {
	return &OpenRouterProvider{
		baseProvider: newBaseProvider(cfg, IDOpenRouter),
	}
}

// Probe implements Prober by listing models with the configured key.
func (p *OpenRouterProvider) Probe(ctx context.Context) error {
	if p.config.APIKey == "" {
		return &Error{Kind: KindAuth, Provider: IDOpenRouter, Message: "no API key configured"}
	}
	req, err := http.NewRequestWithContext(ctx, "GET", p.config.Endpoint+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Provider: IDOpenRouter, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return newHTTPError(IDOpenRouter, resp.StatusCode, string(body))
	}
	return nil
}

// Chat sends a chat completion request to OpenRouter.
func (p *OpenRouterProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.config.APIKey == "" {
		return nil, &Error{Kind: KindAuth, Provider: IDOpenRouter, Message: "no API key configured"}
	}

	start := time.Now()

	orReq := openAIChatRequest{
		Model: req.Model,
	}
	if orReq.Model == "" {
		orReq.Model = p.config.Model
	}

	if req.SystemPrompt != "" {
		orReq.Messages = append(orReq.Messages, openAIMessage{
			Role:    "system",
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		orReq.Messages = append(orReq.Messages, openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	for _, t := range req.Tools {
		orReq.Tools = append(orReq.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	orReq.MaxTokens = req.MaxTokens
	if orReq.MaxTokens == 0 {
		orReq.MaxTokens = p.config.MaxTokens
	}
	orReq.Temperature = req.Temperature
	if orReq.Temperature == 0 {
		orReq.Temperature = p.config.Temperature
	}
	if req.TopP > 0 {
		orReq.TopP = req.TopP
	}

	body, err := json.Marshal(orReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/normanking/relay")
	httpReq.Header.Set("X-Title", "Relay")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindOf(err), Provider: IDOpenRouter, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, newHTTPError(IDOpenRouter, resp.StatusCode, string(errBody))
	}

	var orResp openAIChatResponse
	if err := json.NewDecoder(limitedBody(resp)).Decode(&orResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// OpenRouter sometimes returns 200 with an error object in the body
	// (notably upstream rate limits on free models).
	if orResp.Error != nil {
		return nil, &Error{
			Kind:     kindForStatus(orResp.Error.Code, orResp.Error.Message),
			Provider: IDOpenRouter,
			Status:   orResp.Error.Code,
			Message:  orResp.Error.Message,
		}
	}

	if len(orResp.Choices) == 0 {
		return nil, &Error{Kind: KindTransport, Provider: IDOpenRouter, Message: "no choices in response"}
	}

	choice := orResp.Choices[0]
	out := &ChatResponse{
		Content:          choice.Message.Content,
		Model:            orResp.Model,
		PromptTokens:     orResp.Usage.PromptTokens,
		CompletionTokens: orResp.Usage.CompletionTokens,
		Duration:         time.Since(start),
		FinishReason:     choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	out.UsedNativeTools = len(out.ToolCalls) > 0
	return out, nil
}

// OpenAI-compatible API types, shared with the Google OpenAI endpoint.
type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
}

type openAIMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
