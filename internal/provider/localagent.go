package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/normanking/relay/internal/logging"
)

// LocalAgentProvider talks to a user-registered agent process over a
// websocket. Agents register a ws:// endpoint and answer chat requests with
// whatever backend they wrap; Relay treats them like any other provider in
// a failover chain.
type LocalAgentProvider struct {
	config *Config
	dialer *websocket.Dialer
	log    *logging.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewLocalAgentProvider creates a websocket-backed agent provider.
// The endpoint must use the ws or wss scheme.
func NewLocalAgentProvider(cfg *Config) (*LocalAgentProvider, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("local agent requires an endpoint")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse agent endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("agent endpoint must be ws:// or wss://, got %q", u.Scheme)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &LocalAgentProvider{
		config: cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logging.Global().WithComponent("local-agent"),
	}, nil
}

// Name returns the provider identifier.
func (p *LocalAgentProvider) Name() string {
	if p.config.Name != "" {
		return p.config.Name
	}
	return IDLocalAgent
}

// Available dials the agent endpoint and immediately closes the connection.
func (p *LocalAgentProvider) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return p.Probe(ctx) == nil
}

// Probe implements Prober with a handshake-only dial.
func (p *LocalAgentProvider) Probe(ctx context.Context) error {
	conn, resp, err := p.dialer.DialContext(ctx, p.config.Endpoint, p.headers())
	if err != nil {
		if resp != nil {
			return newHTTPError(p.Name(), resp.StatusCode, err.Error())
		}
		return &Error{Kind: KindTransport, Provider: p.Name(), Message: err.Error(), Err: err}
	}
	conn.Close()
	return nil
}

func (p *LocalAgentProvider) headers() http.Header {
	h := http.Header{}
	if p.config.APIKey != "" {
		h.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return h
}

// agentRequest is the wire format sent to a local agent.
type agentRequest struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"` // always "chat"
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
}

// agentResponse is the wire format received from a local agent.
type agentResponse struct {
	ID               string `json:"id"`
	Content          string `json:"content"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Error            string `json:"error,omitempty"`
	Done             bool   `json:"done"`
}

// Chat sends the request over the websocket and waits for the matching
// response. One in-flight request per connection; the mutex serializes
// concurrent callers.
func (p *LocalAgentProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()

	conn, err := p.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	wireReq := agentRequest{
		ID:           uuid.NewString(),
		Type:         "chat",
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Messages:     req.Messages,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}

	deadline := time.Now().Add(p.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(wireReq); err != nil {
		p.dropConn()
		return nil, &Error{Kind: KindTransport, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		var wireResp agentResponse
		if err := conn.ReadJSON(&wireResp); err != nil {
			p.dropConn()
			return nil, &Error{Kind: KindOf(err), Provider: p.Name(), Message: err.Error(), Err: err}
		}
		if wireResp.ID != wireReq.ID {
			p.log.Debug("discarding stale agent message %s", wireResp.ID)
			continue
		}
		if wireResp.Error != "" {
			return nil, &Error{Kind: KindOf(fmt.Errorf("%s", wireResp.Error)), Provider: p.Name(), Message: wireResp.Error}
		}
		return &ChatResponse{
			Content:          wireResp.Content,
			Model:            wireResp.Model,
			PromptTokens:     wireResp.PromptTokens,
			CompletionTokens: wireResp.CompletionTokens,
			Duration:         time.Since(start),
			FinishReason:     "stop",
		}, nil
	}
}

func (p *LocalAgentProvider) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	conn, resp, err := p.dialer.DialContext(ctx, p.config.Endpoint, p.headers())
	if err != nil {
		if resp != nil {
			return nil, newHTTPError(p.Name(), resp.StatusCode, err.Error())
		}
		return nil, &Error{Kind: KindTransport, Provider: p.Name(), Message: err.Error(), Err: err}
	}
	p.conn = conn
	return conn, nil
}

func (p *LocalAgentProvider) dropConn() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close shuts down the agent connection.
func (p *LocalAgentProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropConn()
	return nil
}

// MarshalDebug renders the agent config without secrets, for status output.
func (p *LocalAgentProvider) MarshalDebug() string {
	b, _ := json.Marshal(map[string]string{
		"name":     p.Name(),
		"endpoint": p.config.Endpoint,
	})
	return string(b)
}
