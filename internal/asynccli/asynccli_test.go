package asynccli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/relay/internal/delivery"
	"github.com/normanking/relay/internal/provider"
	"github.com/normanking/relay/internal/tooldispatch"
)

// fakeCLI simulates a CLI adapter: it can create files in the
// workspace, return canned stdout, fail, or block until cancelled.
type fakeCLI struct {
	name    string
	files   map[string]string
	stdout  string
	err     error
	block   bool
	started chan struct{}
}

func (f *fakeCLI) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, errors.New("not used")
}
func (f *fakeCLI) Name() string                             { return f.name }
func (f *fakeCLI) Available() bool                          { return true }
func (f *fakeCLI) IsAuthenticated(ctx context.Context) bool { return true }

func (f *fakeCLI) Execute(ctx context.Context, prompt string, opts provider.CLIExecOptions) (*provider.CLIExecResult, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	for name, content := range f.files {
		full := filepath.Join(opts.WorkspacePath, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	return &provider.CLIExecResult{Content: f.stdout, Workspace: opts.WorkspacePath}, nil
}

func newManager(t *testing.T, cli *fakeCLI, opts ...Option) (*Manager, *delivery.MemorySink) {
	t.Helper()
	reg := provider.NewRegistry(nil, provider.WithoutMetrics())
	reg.Register(cli)
	sink := delivery.NewMemorySink()
	m := NewManager(reg, sink, opts...)
	t.Cleanup(m.Close)
	return m, sink
}

func execContext() tooldispatch.ExecContext {
	return tooldispatch.ExecContext{
		UserID:     "u1",
		AccountID:  "acc1",
		ExternalID: "chat-42",
		Platform:   "telegram",
	}
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := m.Job(id)
		return ok && job.Status == want
	}, 3*time.Second, 10*time.Millisecond, "job never reached %s", want)
}

func TestCompletedJobDeliversFilteredFiles(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "existing.txt"), []byte("old"), 0o644))

	cli := &fakeCLI{
		name: provider.IDCLIClaude,
		files: map[string]string{
			"report.docx": "doc",
			"build.py":    "print()",
		},
		stdout: "Analyzing data...\n\nYour report is ready.",
	}
	m, sink := newManager(t, cli)

	start := time.Now()
	id, err := m.StartExecution(context.Background(), "claudeCliPrompt",
		map[string]interface{}{"prompt": "make a report", "workspacePath": ws},
		execContext(), 10*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "submission must not wait for the job")

	waitForStatus(t, m, id, StatusCompleted)

	require.Eventually(t, func() bool { return len(sink.Requests()) == 2 }, 3*time.Second, 10*time.Millisecond)
	reqs := sink.Requests()

	assert.Equal(t, "Your report is ready.", reqs[0].Content)
	assert.Equal(t, "chat-42", reqs[0].Recipient)
	assert.Equal(t, "telegram", reqs[0].Platform)

	// The script was dropped, the pre-existing file was not re-delivered.
	assert.Contains(t, reqs[1].MediaPath, "report.docx")
	assert.Equal(t, "Generated file: report.docx", reqs[1].Caption)
	for _, r := range reqs {
		assert.NotContains(t, r.MediaPath, "build.py")
		assert.NotContains(t, r.MediaPath, "existing.txt")
	}
}

func TestTimedOutJobNotifies(t *testing.T) {
	cli := &fakeCLI{name: provider.IDCLIClaude, block: true}
	m, sink := newManager(t, cli)

	id, err := m.StartExecution(context.Background(), "claudeCliPrompt",
		map[string]interface{}{"prompt": "slow", "workspacePath": t.TempDir()},
		execContext(), 50*time.Millisecond)
	require.NoError(t, err)

	waitForStatus(t, m, id, StatusTimedOut)
	require.Eventually(t, func() bool { return len(sink.Requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.Requests()[0].Content, "timed out")
}

func TestCancelledJobDeliversNothing(t *testing.T) {
	cli := &fakeCLI{name: provider.IDCLIClaude, block: true, started: make(chan struct{})}
	m, sink := newManager(t, cli)

	id, err := m.StartExecution(context.Background(), "claudeCliPrompt",
		map[string]interface{}{"prompt": "slow", "workspacePath": t.TempDir()},
		execContext(), time.Minute)
	require.NoError(t, err)

	<-cli.started
	require.NoError(t, m.Cancel(id))

	job, ok := m.Job(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, job.Status)

	// Give the goroutine time to observe cancellation and exit.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.Requests())

	// Cancelling again or cancelling a finished job fails.
	assert.Error(t, m.Cancel(id))
	assert.Error(t, m.Cancel("no-such-id"))
}

func TestFailedJobStillNotifies(t *testing.T) {
	cli := &fakeCLI{name: provider.IDCLIClaude, err: errors.New("exit 1: model refused")}
	m, sink := newManager(t, cli)

	id, err := m.StartExecution(context.Background(), "claudeCliPrompt",
		map[string]interface{}{"prompt": "broken", "workspacePath": t.TempDir()},
		execContext(), time.Minute)
	require.NoError(t, err)

	waitForStatus(t, m, id, StatusFailed)
	require.Eventually(t, func() bool { return len(sink.Requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.Requests()[0].Content, "model refused")
}

func TestStaleReaperTerminatesJob(t *testing.T) {
	cli := &fakeCLI{name: provider.IDCLIClaude, block: true}

	base := time.Now()
	now := base
	m, sink := newManager(t, cli,
		WithReaperInterval(20*time.Millisecond),
		WithClock(func() time.Time { return now }))

	id, err := m.StartExecution(context.Background(), "claudeCliPrompt",
		map[string]interface{}{"prompt": "slow", "workspacePath": t.TempDir()},
		execContext(), time.Hour)
	require.NoError(t, err)
	waitForStatus(t, m, id, StatusRunning)

	// Jump the clock past the stale threshold.
	now = base.Add(2 * time.Hour)

	waitForStatus(t, m, id, StatusTimedOut)
	require.Eventually(t, func() bool { return len(sink.Requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.Requests()[0].Content, "timed out")
}

func TestStartExecutionValidation(t *testing.T) {
	cli := &fakeCLI{name: provider.IDCLIClaude}
	m, _ := newManager(t, cli)

	_, err := m.StartExecution(context.Background(), "webSearch", map[string]interface{}{"prompt": "x"}, execContext(), time.Minute)
	assert.Error(t, err, "non-CLI tools cannot go async")

	_, err = m.StartExecution(context.Background(), "claudeCliPrompt", map[string]interface{}{}, execContext(), time.Minute)
	assert.Error(t, err, "a prompt is required")
}

func TestClosedManagerRejectsJobs(t *testing.T) {
	cli := &fakeCLI{name: provider.IDCLIClaude}
	m, _ := newManager(t, cli)
	m.Close()

	_, err := m.StartExecution(context.Background(), "claudeCliPrompt",
		map[string]interface{}{"prompt": "x", "workspacePath": t.TempDir()}, execContext(), time.Minute)
	assert.Error(t, err)
}

func TestSnapshotExcludesVendoredDirs(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "node_modules", "pkg", "index.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "src", "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "README.md"), []byte("hi"), 0o644))

	snap := snapshotWorkspace(ws)
	assert.Contains(t, snap, "src/main.go")
	assert.Contains(t, snap, "README.md")
	assert.NotContains(t, snap, "node_modules/pkg/index.js")
	assert.NotContains(t, snap, ".git/HEAD")
}

func TestFilterScripts(t *testing.T) {
	tests := []struct {
		name    string
		created []string
		want    []string
	}{
		{
			"scripts dropped when documents exist",
			[]string{"gen.py", "report.docx"},
			[]string{"report.docx"},
		},
		{
			"scripts kept when they are the only output",
			[]string{"tool.sh", "helper.js"},
			[]string{"tool.sh", "helper.js"},
		},
		{
			"mixed documents all kept",
			[]string{"a.pdf", "b.csv", "run.ts"},
			[]string{"a.pdf", "b.csv"},
		},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filterScripts(tt.created))
		})
	}
}

func TestTrailingText(t *testing.T) {
	assert.Equal(t, "Done.", trailingText("thinking...\n\nstep 2\n\nDone.\n"))
	assert.Equal(t, "single line", trailingText("single line"))
	assert.Equal(t, "", trailingText("   \n  "))
}
