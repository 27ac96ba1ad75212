// Package provider implements the AI provider adapters used by the Relay
// routing engine: Ollama (local), OpenRouter and Google (cloud HTTP APIs),
// paid CLI front-ends (claude/gemini/opencode), and user-registered custom
// backends including websocket local agents.
package provider

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB).
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseSize limits total response size (50MB).
	MaxResponseSize = 50 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// limitedBody caps how much of a response body decoders will consume.
func limitedBody(resp *http.Response) io.Reader {
	return io.LimitReader(resp.Body, MaxResponseSize)
}

// Provider defines the interface every AI backend adapter implements.
type Provider interface {
	// Chat sends a conversation and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier (e.g. "ollama", "openrouter").
	Name() string

	// Available returns true if the provider is configured and reachable.
	// It must be fast and must never panic; transient probe failures
	// simply report false.
	Available() bool
}

// Prober is implemented by adapters that support an active health probe.
// Probe performs a lightweight availability call (local HTTP ping, CLI
// authentication check) and returns nil when the backend is usable.
type Prober interface {
	Probe(ctx context.Context) error
}

// CLIExecutor extends Provider for CLI-backed adapters that can run
// long-lived prompt sessions in a workspace.
type CLIExecutor interface {
	Provider

	// IsAuthenticated reports whether the CLI tool has valid credentials.
	IsAuthenticated(ctx context.Context) bool

	// Execute runs a one-shot prompt through the CLI in the given workspace.
	Execute(ctx context.Context, prompt string, opts CLIExecOptions) (*CLIExecResult, error)
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system", "tool"
	Content string `json:"content"`
}

// ToolSpec describes a tool exposed to the model for native function calling.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is a native function call returned by the model.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model to use (provider-specific). Empty means provider auto-select.
	Model string `json:"model"`

	// SystemPrompt sets the AI's behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation.
	Messages []Message `json:"messages"`

	// Tools to expose for native function calling.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`

	// TopP nucleus sampling parameter.
	TopP float64 `json:"top_p,omitempty"`
}

// ChatResponse contains an adapter's response.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
	FinishReason     string        `json:"finish_reason,omitempty"`

	// ToolCalls holds native function calls, if the model produced any.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// UsedNativeTools is true when ToolCalls came from the provider's
	// native function-calling path rather than text parsing.
	UsedNativeTools bool `json:"used_native_tools,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CLIExecOptions configures a one-shot CLI execution.
type CLIExecOptions struct {
	WorkspacePath string
	Model         string
	Timeout       time.Duration
	MaxTokens     int
	Temperature   float64
	ExtraArgs     []string
}

// CLIExecResult is the outcome of a CLI execution.
type CLIExecResult struct {
	Content     string
	OutputFiles []string
	Workspace   string
	Duration    time.Duration
	ExitCode    int
}

// Config contains configuration for a provider adapter.
type Config struct {
	// Name identifies the provider (ollama, openrouter, cli-claude, ...).
	Name string

	// Endpoint is the API base URL (HTTP providers).
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// Model is the default model to use when a request leaves it empty.
	Model string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout for API calls.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a provider.
func DefaultConfig(name string) *Config {
	switch name {
	case IDOllama:
		return &Config{
			Name:        IDOllama,
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "qwen3:8b",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		}
	case IDOpenRouter:
		return &Config{
			Name:        IDOpenRouter,
			Endpoint:    "https://openrouter.ai/api",
			Model:       "meta-llama/llama-3.3-8b-instruct:free",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		}
	case IDGoogle:
		return &Config{
			Name:        IDGoogle,
			Endpoint:    "https://generativelanguage.googleapis.com/v1beta",
			Model:       "gemini-2.0-flash",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		}
	default:
		return &Config{
			Name:        name,
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		}
	}
}

// Built-in provider IDs recognised by the router.
const (
	IDOllama      = "ollama"
	IDOpenRouter  = "openrouter"
	IDGoogle      = "google"
	IDCLIClaude   = "cli-claude"
	IDCLIGemini   = "cli-gemini"
	IDCLIOpencode = "cli-opencode"
	IDLocalAgent  = "local-agent"
)

// NormalizeID maps legacy provider IDs to their canonical form.
// "openrouter-free" and "openrouter-paid" predate unified OpenRouter
// accounts and are kept for backwards compatibility.
func NormalizeID(id string) string {
	switch id {
	case "openrouter-free", "openrouter-paid":
		return IDOpenRouter
	default:
		return id
	}
}

// IsCLI reports whether the provider ID names a CLI-backed adapter.
func IsCLI(id string) bool {
	switch NormalizeID(id) {
	case IDCLIClaude, IDCLIGemini, IDCLIOpencode:
		return true
	default:
		return false
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASE PROVIDER (DRY helper for HTTP-based providers)
// ═══════════════════════════════════════════════════════════════════════════════

// baseProvider provides common functionality for HTTP-based adapters.
type baseProvider struct {
	config *Config
	client *http.Client
}

// newBaseProvider creates a new base provider with defaults applied.
func newBaseProvider(cfg *Config, providerName string) baseProvider {
	if cfg == nil {
		cfg = DefaultConfig(providerName)
	}

	defaults := DefaultConfig(providerName)
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	cfg.Name = providerName

	return baseProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Name
}

// Available checks if the API key is configured.
func (b *baseProvider) Available() bool {
	return b.config.APIKey != ""
}
