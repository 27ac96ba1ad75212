package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GoogleProvider implements the Provider interface for the Gemini API.
type GoogleProvider struct {
	baseProvider
}

// NewGoogleProvider creates a new Google Gemini provider.
func NewGoogleProvider(cfg *Config) *GoogleProvider {
	return &GoogleProvider{
		baseProvider: newBaseProvider(cfg, IDGoogle),
	}
}

// Probe implements Prober by listing models with the configured key.
func (p *GoogleProvider) Probe(ctx context.Context) error {
	if p.config.APIKey == "" {
		return &Error{Kind: KindAuth, Provider: IDGoogle, Message: "no API key configured"}
	}
	req, err := http.NewRequestWithContext(ctx, "GET", p.config.Endpoint+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-goog-api-key", p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Provider: IDGoogle, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return newHTTPError(IDGoogle, resp.StatusCode, string(body))
	}
	return nil
}

// Chat sends a generateContent request to the Gemini API.
func (p *GoogleProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.config.APIKey == "" {
		return nil, &Error{Kind: KindAuth, Provider: IDGoogle, Message: "no API key configured"}
	}

	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	gReq := geminiRequest{}
	if req.SystemPrompt != "" {
		gReq.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}
	for _, msg := range req.Messages {
		role := msg.Role
		// Gemini uses "model" instead of "assistant".
		if role == "assistant" {
			role = "model"
		}
		gReq.Contents = append(gReq.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	if len(req.Tools) > 0 {
		tool := geminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		gReq.Tools = []geminiTool{tool}
	}

	gReq.GenerationConfig.MaxOutputTokens = req.MaxTokens
	if gReq.GenerationConfig.MaxOutputTokens == 0 {
		gReq.GenerationConfig.MaxOutputTokens = p.config.MaxTokens
	}
	gReq.GenerationConfig.Temperature = req.Temperature
	if gReq.GenerationConfig.Temperature == 0 {
		gReq.GenerationConfig.Temperature = p.config.Temperature
	}
	if req.TopP > 0 {
		gReq.GenerationConfig.TopP = req.TopP
	}

	body, err := json.Marshal(gReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.config.Endpoint, model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindOf(err), Provider: IDGoogle, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, newHTTPError(IDGoogle, resp.StatusCode, string(errBody))
	}

	var gResp geminiResponse
	if err := json.NewDecoder(limitedBody(resp)).Decode(&gResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(gResp.Candidates) == 0 {
		return nil, &Error{Kind: KindTransport, Provider: IDGoogle, Message: "no candidates in response"}
	}

	cand := gResp.Candidates[0]
	out := &ChatResponse{
		Model:            model,
		PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
		CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
		Duration:         time.Since(start),
		FinishReason:     cand.FinishReason,
	}
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}
	out.UsedNativeTools = len(out.ToolCalls) > 0
	return out, nil
}

// Gemini API types.
type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
		Temperature     float64 `json:"temperature,omitempty"`
		TopP            float64 `json:"topP,omitempty"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}
