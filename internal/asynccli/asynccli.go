// Package asynccli runs long CLI invocations in the background so the
// synchronous caller can return immediately. A job snapshots its
// workspace before launch, runs the CLI to completion, diffs the
// workspace to find created files, and delivers the retained files plus
// the trailing stdout text through the out-of-band delivery channel.
package asynccli

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/normanking/relay/internal/delivery"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/provider"
	"github.com/normanking/relay/internal/tooldispatch"
)

// Status is the lifecycle state of an async job.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timedOut"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DefaultStaleThreshold force-terminates jobs that declared no timeout
// of their own.
const DefaultStaleThreshold = 5 * time.Minute

// reaperInterval is how often running jobs are checked for staleness.
const defaultReaperInterval = 15 * time.Second

// DeliveryTarget is where a job's results go once it finishes.
type DeliveryTarget struct {
	AccountID  string
	ExternalID string
	Platform   string
}

// Job is one background CLI execution. The manager owns it exclusively
// from submission until result delivery; callers hold only the
// tracking ID.
type Job struct {
	TrackingID     string
	CLIType        string
	Command        string
	WorkspacePath  string
	UserID         string
	AgenticID      string
	ConversationID string
	Target         DeliveryTarget
	Timeout        time.Duration
	StaleThreshold time.Duration
	StartedAt      time.Time
	Status         Status

	snapshot map[string]struct{}
	cancel   context.CancelFunc
}

// Manager tracks and supervises async CLI jobs. It implements
// tooldispatch.AsyncRunner.
type Manager struct {
	registry *provider.Registry
	sink     delivery.Sink
	log      *logging.Logger

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool

	staleDefault   time.Duration
	reaperInterval time.Duration
	now            func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleThreshold overrides the default staleness cutoff for jobs
// that declare no timeout.
func WithStaleThreshold(d time.Duration) Option {
	return func(m *Manager) { m.staleDefault = d }
}

// WithReaperInterval overrides how often staleness is checked.
func WithReaperInterval(d time.Duration) Option {
	return func(m *Manager) { m.reaperInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager and starts its staleness reaper.
func NewManager(registry *provider.Registry, sink delivery.Sink, opts ...Option) *Manager {
	m := &Manager{
		registry:       registry,
		sink:           sink,
		log:            logging.Global().WithComponent("asynccli"),
		jobs:           make(map[string]*Job),
		staleDefault:   DefaultStaleThreshold,
		reaperInterval: defaultReaperInterval,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// toolCLITypes maps dispatcher tool IDs to CLI provider IDs. Raw
// provider IDs pass through unchanged.
var toolCLITypes = map[string]string{
	"claudeCliPrompt":   provider.IDCLIClaude,
	"geminiCliPrompt":   provider.IDCLIGemini,
	"opencodeCliPrompt": provider.IDCLIOpencode,
}

func cliTypeFor(toolID string) string {
	if id, ok := toolCLITypes[toolID]; ok {
		return id
	}
	return toolID
}

// StartExecution implements tooldispatch.AsyncRunner: it snapshots the
// workspace, launches the CLI in the background, and returns a tracking
// ID immediately.
func (m *Manager) StartExecution(ctx context.Context, toolID string, params map[string]interface{}, ec tooldispatch.ExecContext, timeout time.Duration) (string, error) {
	cliType := cliTypeFor(toolID)
	if !provider.IsCLI(cliType) {
		return "", fmt.Errorf("tool %s is not a CLI delegation", toolID)
	}
	prompt := stringParam(params, "prompt", "command")
	if prompt == "" {
		return "", fmt.Errorf("tool %s needs a prompt", toolID)
	}
	workspace := stringParam(params, "workspacePath", "workingDirectory")
	if workspace == "" {
		workspace = filepath.Join(os.TempDir(), "relay-workspaces", ec.UserID)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("prepare workspace: %w", err)
	}

	stale := timeout
	if stale <= 0 {
		stale = m.staleDefault
	}

	job := &Job{
		TrackingID:     uuid.NewString(),
		CLIType:        cliType,
		Command:        prompt,
		WorkspacePath:  workspace,
		UserID:         ec.UserID,
		AgenticID:      ec.AgenticID,
		ConversationID: ec.ConversationID,
		Target: DeliveryTarget{
			AccountID:  ec.AccountID,
			ExternalID: ec.ExternalID,
			Platform:   ec.Platform,
		},
		Timeout:        timeout,
		StaleThreshold: stale,
		StartedAt:      m.now(),
		Status:         StatusSubmitted,
	}
	job.snapshot = snapshotWorkspace(workspace)

	// The job outlives the caller's context on purpose.
	jobCtx, cancel := context.WithTimeout(context.Background(), stale)
	job.cancel = cancel

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("async manager is shut down")
	}
	m.jobs[job.TrackingID] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(jobCtx, job)

	m.log.Info("[AsyncCLI] job %s submitted: %s in %s (timeout %v)",
		job.TrackingID, cliType, workspace, stale)
	return job.TrackingID, nil
}

// Cancel transitions a running job to cancelled. No partial results are
// delivered.
func (m *Manager) Cancel(trackingID string) error {
	m.mu.Lock()
	job, ok := m.jobs[trackingID]
	if ok && (job.Status == StatusSubmitted || job.Status == StatusRunning) {
		job.Status = StatusCancelled
	} else {
		ok = false
	}
	var cancel context.CancelFunc
	if ok {
		cancel = job.cancel
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no running job with tracking ID %s", trackingID)
	}
	if cancel != nil {
		cancel()
	}
	m.log.Info("[AsyncCLI] job %s cancelled", trackingID)
	return nil
}

// Job returns a snapshot of one job's state.
func (m *Manager) Job(trackingID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[trackingID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Jobs returns snapshots of all tracked jobs.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// Close stops the reaper and stops accepting new jobs. Running jobs are
// abandoned, not killed: they belong to the user's workflow, not the
// server's lifecycle.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) run(ctx context.Context, job *Job) {
	defer m.wg.Done()
	defer job.cancel()

	m.setStatus(job.TrackingID, StatusRunning)

	result, err := m.execute(ctx, job)

	m.mu.Lock()
	status := job.Status
	m.mu.Unlock()
	if status == StatusCancelled {
		m.log.Info("[AsyncCLI] job %s finished after cancellation, discarding results", job.TrackingID)
		return
	}

	switch {
	case err != nil && ctx.Err() != nil:
		// The deadline fired or the reaper force-terminated the job.
		m.setStatus(job.TrackingID, StatusTimedOut)
		m.notify(job, fmt.Sprintf("Background %s task timed out after %v. Partial files, if any, were left in the workspace.",
			job.CLIType, job.StaleThreshold))
	case err != nil:
		// A failed process still notifies: no silent failures.
		m.setStatus(job.TrackingID, StatusFailed)
		m.notify(job, fmt.Sprintf("Background %s task failed: %v", job.CLIType, err))
	default:
		m.setStatus(job.TrackingID, StatusCompleted)
		m.deliver(job, result)
	}
}

func (m *Manager) execute(ctx context.Context, job *Job) (*provider.CLIExecResult, error) {
	p, err := m.registry.Get(job.CLIType)
	if err != nil {
		return nil, fmt.Errorf("resolve CLI adapter: %w", err)
	}
	cli, ok := unwrap(p).(provider.CLIExecutor)
	if !ok {
		return nil, fmt.Errorf("%s is not a CLI adapter", job.CLIType)
	}
	return cli.Execute(ctx, job.Command, provider.CLIExecOptions{
		WorkspacePath: job.WorkspacePath,
		Timeout:       job.StaleThreshold,
	})
}

// deliver computes created files, applies the script filter, and
// enqueues one delivery per retained file plus the trailing stdout text.
func (m *Manager) deliver(job *Job, result *provider.CLIExecResult) {
	created := diffSnapshot(job.snapshot, snapshotWorkspace(job.WorkspacePath))
	retained := filterScripts(created)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	response := trailingText(result.Content)
	if response == "" {
		response = fmt.Sprintf("Background %s task finished.", job.CLIType)
	}
	if _, err := m.sink.Enqueue(ctx, &delivery.Request{
		AccountID: job.Target.AccountID,
		Recipient: job.Target.ExternalID,
		Platform:  job.Target.Platform,
		Content:   response,
		Source:    "async-cli",
	}); err != nil {
		m.log.Error("[AsyncCLI] job %s: response delivery failed: %v", job.TrackingID, err)
	}

	for _, rel := range retained {
		full := filepath.Join(job.WorkspacePath, rel)
		if _, err := m.sink.Enqueue(ctx, &delivery.Request{
			AccountID: job.Target.AccountID,
			Recipient: job.Target.ExternalID,
			Platform:  job.Target.Platform,
			MediaPath: full,
			Caption:   "Generated file: " + filepath.Base(rel),
			MimeType:  mime.TypeByExtension(filepath.Ext(rel)),
			Source:    "async-cli",
		}); err != nil {
			m.log.Error("[AsyncCLI] job %s: file delivery failed for %s: %v", job.TrackingID, rel, err)
		}
	}
	m.log.Info("[AsyncCLI] job %s delivered %d of %d created files", job.TrackingID, len(retained), len(created))
}

// notify sends a best-effort status message to the job's target.
func (m *Manager) notify(job *Job, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.sink.Enqueue(ctx, &delivery.Request{
		AccountID: job.Target.AccountID,
		Recipient: job.Target.ExternalID,
		Platform:  job.Target.Platform,
		Content:   message,
		Source:    "async-cli",
	}); err != nil {
		m.log.Error("[AsyncCLI] job %s: notification failed: %v", job.TrackingID, err)
	}
}

func (m *Manager) setStatus(trackingID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[trackingID]; ok {
		// Cancellation is terminal; nothing overrides it.
		if job.Status == StatusCancelled {
			return
		}
		job.Status = status
	}
}

// reapLoop force-terminates jobs that outlived their stale threshold.
func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapStale()
		}
	}
}

func (m *Manager) reapStale() {
	now := m.now()
	var stale []*Job
	m.mu.Lock()
	for _, job := range m.jobs {
		if job.Status == StatusRunning && now.Sub(job.StartedAt) > job.StaleThreshold {
			stale = append(stale, job)
		}
	}
	m.mu.Unlock()

	for _, job := range stale {
		m.log.Warn("[AsyncCLI] job %s stale after %v, terminating", job.TrackingID, now.Sub(job.StartedAt))
		if job.cancel != nil {
			job.cancel()
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════
// Workspace snapshots
// ═══════════════════════════════════════════════════════════════════════

// snapshotExcluded are directory names never included in snapshots.
var snapshotExcluded = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// snapshotWorkspace records every file path under root, relative to
// root. A missing or unreadable workspace yields an empty snapshot.
func snapshotWorkspace(root string) map[string]struct{} {
	snap := make(map[string]struct{})
	fsys := os.DirFS(root)
	_ = doublestar.GlobWalk(fsys, "**", func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			if snapshotExcluded[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		for _, part := range strings.Split(filepath.ToSlash(path), "/") {
			if snapshotExcluded[part] {
				return nil
			}
		}
		snap[path] = struct{}{}
		return nil
	})
	return snap
}

// diffSnapshot returns the files present in after but not in before,
// sorted for deterministic delivery order.
func diffSnapshot(before, after map[string]struct{}) []string {
	var created []string
	for path := range after {
		if _, existed := before[path]; !existed {
			created = append(created, path)
		}
	}
	sort.Strings(created)
	return created
}

var (
	scriptExts   = map[string]bool{".py": true, ".js": true, ".ts": true, ".sh": true, ".rb": true}
	documentExts = map[string]bool{".pdf": true, ".docx": true, ".xlsx": true, ".csv": true, ".pptx": true, ".md": true, ".txt": true, ".png": true, ".jpg": true}
)

// filterScripts drops generated scripts when documents were also
// created: users want the output, not the generator.
func filterScripts(created []string) []string {
	hasDocument := false
	for _, path := range created {
		if documentExts[strings.ToLower(filepath.Ext(path))] {
			hasDocument = true
			break
		}
	}
	if !hasDocument {
		return created
	}
	out := make([]string, 0, len(created))
	for _, path := range created {
		if scriptExts[strings.ToLower(filepath.Ext(path))] {
			continue
		}
		out = append(out, path)
	}
	return out
}

// trailingText extracts the last non-empty paragraph of CLI stdout as
// the natural-language response, capped to keep messages reasonable.
func trailingText(stdout string) string {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return ""
	}
	blocks := strings.Split(trimmed, "\n\n")
	last := strings.TrimSpace(blocks[len(blocks)-1])
	const maxResponse = 3000
	if len(last) > maxResponse {
		last = last[len(last)-maxResponse:]
	}
	return last
}

func stringParam(params map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func unwrap(p provider.Provider) provider.Provider {
	if m, ok := p.(*provider.MetricsProvider); ok {
		return m.Unwrap()
	}
	return p
}
