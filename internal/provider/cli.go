package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/normanking/relay/internal/logging"
)

// DefaultCLITimeout caps a synchronous CLI execution. Longer runs go
// through the async execution manager instead.
const DefaultCLITimeout = 180 * time.Second

// cliSpec describes how to drive one CLI coding tool.
type cliSpec struct {
	binary string
	// promptArgs builds the argv for a one-shot prompt run.
	promptArgs func(prompt, model string, extra []string) []string
	// authProbeArgs is a cheap command that fails when unauthenticated.
	authProbeArgs []string
	// authErrorMarkers are substrings in output that indicate missing or
	// expired credentials.
	authErrorMarkers []string
}

var cliSpecs = map[string]cliSpec{
	IDCLIClaude: {
		binary: "claude",
		promptArgs: func(prompt, model string, extra []string) []string {
			args := []string{"-p", prompt, "--output-format", "text"}
			if model != "" {
				args = append(args, "--model", model)
			}
			return append(args, extra...)
		},
		authProbeArgs:    []string{"-p", "ok", "--output-format", "text", "--max-turns", "1"},
		authErrorMarkers: []string{"not authenticated", "please login", "invalid api key", "please run /login"},
	},
	IDCLIGemini: {
		binary: "gemini",
		promptArgs: func(prompt, model string, extra []string) []string {
			args := []string{"-p", prompt}
			if model != "" {
				args = append(args, "-m", model)
			}
			return append(args, extra...)
		},
		authProbeArgs:    []string{"-p", "ok"},
		authErrorMarkers: []string{"not authenticated", "login required", "credentials"},
	},
	IDCLIOpencode: {
		binary: "opencode",
		promptArgs: func(prompt, model string, extra []string) []string {
			args := []string{"run", prompt}
			if model != "" {
				args = append(args, "--model", model)
			}
			return append(args, extra...)
		},
		authProbeArgs:    []string{"auth", "list"},
		authErrorMarkers: []string{"not authenticated", "no credentials"},
	},
}

// CLIProvider drives an installed CLI coding tool (claude, gemini,
// opencode) as an AI backend. These tools carry their own subscriptions,
// so Relay only needs the binary on PATH and a logged-in session.
type CLIProvider struct {
	id     string
	spec   cliSpec
	config *Config
	log    *logging.Logger

	// binaryPath caches the LookPath result; empty means not found.
	binaryPath string
}

// NewCLIProvider creates an adapter for the given CLI provider ID.
// Returns an error for IDs that are not CLI-backed.
func NewCLIProvider(id string, cfg *Config) (*CLIProvider, error) {
	id = NormalizeID(id)
	spec, ok := cliSpecs[id]
	if !ok {
		return nil, fmt.Errorf("not a CLI provider: %s", id)
	}
	if cfg == nil {
		cfg = DefaultConfig(id)
	}
	path, _ := exec.LookPath(spec.binary)
	return &CLIProvider{
		id:         id,
		spec:       spec,
		config:     cfg,
		log:        logging.Global().WithComponent(id),
		binaryPath: path,
	}, nil
}

// Name returns the provider identifier.
func (p *CLIProvider) Name() string {
	return p.id
}

// Binary returns the CLI binary name.
func (p *CLIProvider) Binary() string {
	return p.spec.binary
}

// Available reports whether the CLI binary is installed.
func (p *CLIProvider) Available() bool {
	if p.binaryPath != "" {
		return true
	}
	path, err := exec.LookPath(p.spec.binary)
	if err != nil {
		return false
	}
	p.binaryPath = path
	return true
}

// IsAuthenticated runs a cheap probe command and checks its output for
// auth-failure markers. A missing binary also reports false.
func (p *CLIProvider) IsAuthenticated(ctx context.Context) bool {
	if !p.Available() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, p.binaryPath, p.spec.authProbeArgs...)
	out, err := cmd.CombinedOutput()
	if p.hasAuthError(string(out)) {
		return false
	}
	if err != nil {
		// Distinguish auth failure from a flaky probe: only explicit
		// markers count as unauthenticated.
		p.log.Debug("auth probe error (treated as authenticated): %v", err)
	}
	return true
}

// Probe implements Prober.
func (p *CLIProvider) Probe(ctx context.Context) error {
	if !p.Available() {
		return &Error{Kind: KindTransport, Provider: p.id, Message: p.spec.binary + " not installed"}
	}
	if !p.IsAuthenticated(ctx) {
		return &Error{Kind: KindAuth, Provider: p.id, Message: p.spec.binary + " not authenticated"}
	}
	return nil
}

func (p *CLIProvider) hasAuthError(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range p.spec.authErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Execute runs a one-shot prompt through the CLI in the given workspace.
func (p *CLIProvider) Execute(ctx context.Context, prompt string, opts CLIExecOptions) (*CLIExecResult, error) {
	if !p.Available() {
		return nil, &Error{Kind: KindTransport, Provider: p.id, Message: p.spec.binary + " not installed"}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCLITimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := opts.Model
	if model == "" {
		model = p.config.Model
	}
	args := p.spec.promptArgs(prompt, model, opts.ExtraArgs)

	cmd := exec.CommandContext(execCtx, p.binaryPath, args...)
	if opts.WorkspacePath != "" {
		cmd.Dir = opts.WorkspacePath
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	combined := stdout.String()
	if stderr.Len() > 0 {
		combined += stderr.String()
	}

	result := &CLIExecResult{
		Content:   strings.TrimSpace(stdout.String()),
		Workspace: opts.WorkspacePath,
		Duration:  duration,
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	}
	if opts.WorkspacePath != "" {
		result.OutputFiles = listWorkspaceFiles(opts.WorkspacePath)
	}

	if p.hasAuthError(combined) {
		return result, &Error{Kind: KindAuth, Provider: p.id, Message: p.spec.binary + " not authenticated"}
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return result, &Error{Kind: KindTimeout, Provider: p.id, Message: fmt.Sprintf("execution exceeded %s", timeout), Err: execCtx.Err()}
	}
	if err != nil {
		// CLI tools that exit non-zero have already burned the attempt;
		// retrying the same prompt rarely helps. Classified as bad input
		// so the failover executor moves on without spending budget.
		return result, &Error{
			Kind:     KindBadInput,
			Provider: p.id,
			Message:  fmt.Sprintf("exit %d: %s", result.ExitCode, truncate(strings.TrimSpace(stderr.String()), 500)),
			Err:      err,
		}
	}
	return result, nil
}

// Chat adapts the CLI to the Provider interface by flattening the
// conversation into a single prompt and executing it.
func (p *CLIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	prompt := flattenConversation(req)

	result, err := p.Execute(ctx, prompt, CLIExecOptions{
		Model:   req.Model,
		Timeout: p.config.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Content:      result.Content,
		Model:        p.id,
		Duration:     result.Duration,
		FinishReason: "stop",
	}, nil
}

// flattenConversation renders a structured chat request as a single prompt
// for tools that only accept one input string.
func flattenConversation(req *ChatRequest) string {
	var sb strings.Builder
	if req.SystemPrompt != "" {
		sb.WriteString(req.SystemPrompt)
		sb.WriteString("\n\n")
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			sb.WriteString(msg.Content)
		case "assistant":
			sb.WriteString("Previous response: ")
			sb.WriteString(msg.Content)
		default:
			sb.WriteString(msg.Content)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// listWorkspaceFiles returns relative paths of regular files in the
// workspace, skipping hidden directories. Best effort; errors yield nil.
func listWorkspaceFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil {
			files = append(files, rel)
		}
		return nil
	})
	return files
}
