// Package tooldispatch validates and routes tool calls produced by the
// provider loop: registry lookup, parameter validation, execution-context
// injection, per-category timeouts, and the synchronous/asynchronous
// split for long-running CLI delegations.
package tooldispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/normanking/relay/internal/logging"
)

// ParamType is the closed set of tool parameter types.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
	TypeAny     ParamType = "any"
)

// Category drives the per-tool timeout.
type Category string

const (
	CategoryGeneric       Category = "generic"
	CategoryShell         Category = "shell"
	CategoryMedia         Category = "media"
	CategoryCLIDelegation Category = "cli-delegation"
)

// Per-category timeouts, chosen to fit inside the caller's own deadline.
const (
	GenericTimeout       = 30 * time.Second
	ShellTimeout         = 60 * time.Second
	MediaTimeout         = 60 * time.Second
	CLIDelegationTimeout = 180 * time.Second

	// AsyncThreshold diverts CLI tool calls to the background manager:
	// 3.5 min leaves at least 30s slack before a 4-min reasoning cap.
	AsyncThreshold = 210 * time.Second
)

// TimeoutFor returns the synchronous ceiling for a category.
func TimeoutFor(c Category) time.Duration {
	switch c {
	case CategoryShell:
		return ShellTimeout
	case CategoryMedia:
		return MediaTimeout
	case CategoryCLIDelegation:
		return CLIDelegationTimeout
	default:
		return GenericTimeout
	}
}

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Optional    bool      `json:"optional,omitempty"`
}

// Definition describes a registered tool.
type Definition struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Category       Category             `json:"category"`
	Parameters     map[string]ParamSpec `json:"parameters,omitempty"`
	RequiredParams []string             `json:"requiredParams,omitempty"`
	RequiresAuth   bool                 `json:"requiresAuth,omitempty"`
}

// ExecContext is the read-only execution context injected into every
// tool call. The dispatcher never mutates it.
type ExecContext struct {
	UserID         string
	AgenticID      string
	ConversationID string
	AccountID      string
	ExternalID     string
	Platform       string
	TriggerContext map[string]interface{}
}

// Result is the outcome of one dispatch. Tool failures are carried here,
// not as Go errors, so they never fail the parent request.
type Result struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`

	// Async fields, set when the call was diverted to the background
	// manager.
	Async      bool   `json:"async,omitempty"`
	TrackingID string `json:"trackingId,omitempty"`
}

// ExecutorFunc runs one tool call.
type ExecutorFunc func(ctx context.Context, params map[string]interface{}, ec ExecContext) (interface{}, error)

// AsyncRunner is the background CLI manager's submission surface.
type AsyncRunner interface {
	StartExecution(ctx context.Context, toolID string, params map[string]interface{}, ec ExecContext, timeout time.Duration) (string, error)
}

// Dispatcher holds the tool registry and routes calls.
type Dispatcher struct {
	mu        sync.RWMutex
	defs      map[string]Definition
	executors map[string]ExecutorFunc

	async     AsyncRunner
	safeRoots []string
	log       *logging.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAsyncRunner wires the background CLI manager.
func WithAsyncRunner(r AsyncRunner) Option {
	return func(d *Dispatcher) { d.async = r }
}

// WithSafeRoots sets the directories tools may resolve file paths under.
func WithSafeRoots(roots ...string) Option {
	return func(d *Dispatcher) {
		d.safeRoots = nil
		for _, r := range roots {
			if abs, err := filepath.Abs(r); err == nil {
				d.safeRoots = append(d.safeRoots, abs)
			}
		}
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		defs:      make(map[string]Definition),
		executors: make(map[string]ExecutorFunc),
		log:       logging.Global().WithComponent("tools"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a tool definition with its executor.
func (d *Dispatcher) Register(def Definition, exec ExecutorFunc) error {
	if def.ID == "" {
		return fmt.Errorf("tool definition needs an ID")
	}
	if exec == nil {
		return fmt.Errorf("tool %s needs an executor", def.ID)
	}
	if def.Category == "" {
		def.Category = CategoryGeneric
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.defs[def.ID]; exists {
		return fmt.Errorf("tool %s already registered", def.ID)
	}
	d.defs[def.ID] = def
	d.executors[def.ID] = exec
	return nil
}

// Definition returns a registered tool definition.
func (d *Dispatcher) Definition(id string) (Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[id]
	return def, ok
}

// Definitions returns all registered definitions.
func (d *Dispatcher) Definitions() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.defs))
	for _, def := range d.defs {
		out = append(out, def)
	}
	return out
}

// Execute validates and runs one tool call. Validation errors and tool
// errors both come back in the Result; only the registry itself can make
// Execute panic-free guarantees, so executor panics are recovered too.
func (d *Dispatcher) Execute(ctx context.Context, toolID string, params map[string]interface{}, ec ExecContext) *Result {
	d.mu.RLock()
	def, ok := d.defs[toolID]
	exec := d.executors[toolID]
	d.mu.RUnlock()

	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", toolID)}
	}
	if err := validateParams(def, params); err != nil {
		return &Result{Success: false, Error: err.Error()}
	}

	// Long CLI delegations go to the background manager.
	timeout := TimeoutFor(def.Category)
	if requested := requestedTimeout(params); requested > 0 {
		timeout = requested
	}
	if def.Category == CategoryCLIDelegation && timeout > AsyncThreshold {
		return d.dispatchAsync(ctx, toolID, params, ec, timeout)
	}
	if def.Category == CategoryCLIDelegation && timeout > CLIDelegationTimeout {
		timeout = CLIDelegationTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	value, err := d.runSafely(execCtx, exec, params, ec)
	elapsed := time.Since(start)

	if err != nil {
		d.log.Debug("[Tools] %s failed after %v: %v", toolID, elapsed, err)
		return &Result{Success: false, Error: err.Error()}
	}
	d.log.Debug("[Tools] %s completed in %v", toolID, elapsed)
	return &Result{Success: true, Result: value}
}

func (d *Dispatcher) dispatchAsync(ctx context.Context, toolID string, params map[string]interface{}, ec ExecContext, timeout time.Duration) *Result {
	if d.async == nil {
		return &Result{Success: false, Error: "async execution not configured"}
	}
	trackingID, err := d.async.StartExecution(ctx, toolID, params, ec, timeout)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}
	}
	return &Result{Success: true, Async: true, TrackingID: trackingID}
}

func (d *Dispatcher) runSafely(ctx context.Context, exec ExecutorFunc, params map[string]interface{}, ec ExecContext) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return exec(ctx, params, ec)
}

// requestedTimeout reads a caller-declared timeout from params
// (timeoutMs or timeoutSeconds).
func requestedTimeout(params map[string]interface{}) time.Duration {
	if v, ok := params["timeoutMs"]; ok {
		if ms, ok := asFloat(v); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := params["timeoutSeconds"]; ok {
		if s, ok := asFloat(v); ok && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return 0
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// validateParams checks required params and structural type mismatches.
// Values are never coerced; only a string where an array/object is
// mandatory is rejected.
func validateParams(def Definition, params map[string]interface{}) error {
	for _, name := range def.RequiredParams {
		v, ok := params[name]
		if !ok || v == nil {
			return fmt.Errorf("missing required parameter: %s", name)
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("missing required parameter: %s", name)
		}
	}
	for name, spec := range def.Parameters {
		v, ok := params[name]
		if !ok || v == nil {
			continue
		}
		switch spec.Type {
		case TypeArray:
			if _, isSlice := v.([]interface{}); !isSlice {
				if _, isStrSlice := v.([]string); !isStrSlice {
					return fmt.Errorf("parameter %s must be an array", name)
				}
			}
		case TypeObject:
			if _, isMap := v.(map[string]interface{}); !isMap {
				return fmt.Errorf("parameter %s must be an object", name)
			}
		}
	}
	return nil
}

// ResolveSafePath confines a tool-supplied path to the dispatcher's safe
// roots. Rejected paths are logged and returned as errors.
func (d *Dispatcher) ResolveSafePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	abs = filepath.Clean(abs)

	for _, root := range d.safeRoots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	d.log.Warn("[Tools] rejected path outside safe roots: %s", abs)
	return "", fmt.Errorf("path outside permitted roots: %s", path)
}
