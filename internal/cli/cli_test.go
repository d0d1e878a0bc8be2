package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/notify"
	"github.com/me/fairq/internal/scheduler"
	"github.com/me/fairq/internal/server"
	"github.com/me/fairq/internal/store"
	"github.com/me/fairq/pkg/model"
)

type stubPool struct{}

func (stubPool) Dispatch(_ context.Context, task *model.Task) (string, error) {
	return fmt.Sprintf("stub:%s:%d", task.ID, task.Attempts), nil
}

func (stubPool) Checkpoint(context.Context, *model.Task) (string, error) {
	return "", model.ErrCheckpointUnsupported
}

func (stubPool) Cancel(context.Context, *model.Task) error { return nil }

func (stubPool) SupportsCheckpoint(string) bool { return false }

// startTestServer starts a server with an in-memory SQLite store and returns
// its URL and scheduling loop. The loop is ticked by the test.
func startTestServer(t *testing.T) (string, *scheduler.Loop) {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultSchedulerConfig()
	cfg.Tenants = map[string]string{"acme": "premium"}
	loop := scheduler.NewLoop(st, stubPool{}, config.NewHolder(cfg), notify.NewLogNotifier(srvLogger),
		scheduler.DefaultConfig(), srvLogger)
	if err := loop.Init(context.Background()); err != nil {
		t.Fatalf("init loop: %v", err)
	}

	srv := server.New(config.DefaultServerConfig(), st, loop, srvLogger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, loop
}

func writeSpec(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dag.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const pipelineYAML = `name: pipeline
tasks:
  - name: fetch
    taskType: echo
    payloadRef: s3://raw/input.csv
  - name: transform
    taskType: echo
    dependsOn: [fetch]
`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

// submitPipeline submits pipelineYAML through the CLI and returns the
// workflow id.
func submitPipeline(t *testing.T, url string, extra ...string) string {
	t.Helper()
	args := append([]string{"--server", url, "submit", "-f", writeSpec(t, pipelineYAML), "--tenant", "acme"}, extra...)
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, out)
	}
	for _, line := range strings.Split(out, "\n") {
		if id, ok := strings.CutPrefix(line, "Workflow submitted: "); ok {
			return strings.TrimSpace(id)
		}
	}
	t.Fatalf("no workflow id in output: %s", out)
	return ""
}

func TestSubmitCommand(t *testing.T) {
	url, _ := startTestServer(t)
	args := []string{"--server", url, "submit", "-f", writeSpec(t, pipelineYAML), "--tenant", "acme"}
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Workflow submitted: wf_") {
		t.Errorf("expected 'Workflow submitted: wf_' in output, got: %s", out)
	}
	if !strings.Contains(out, "transform (task_") {
		t.Errorf("expected task listing in output, got: %s", out)
	}
}

func TestSubmitCommand_Errors(t *testing.T) {
	url, _ := startTestServer(t)

	if _, err := runCLI(t, "--server", url, "submit", "-f", writeSpec(t, pipelineYAML)); err == nil {
		t.Error("expected error without --tenant")
	}

	cyclic := "name: loop\ntasks:\n  - {name: a, taskType: echo, dependsOn: [b]}\n  - {name: b, taskType: echo, dependsOn: [a]}\n"
	_, err := runCLI(t, "--server", url, "submit", "-f", writeSpec(t, cyclic), "--tenant", "acme")
	if err == nil || !strings.Contains(err.Error(), "VALIDATION_ERROR") {
		t.Errorf("cyclic submit error = %v, want VALIDATION_ERROR", err)
	}
}

func TestStatusCommand(t *testing.T) {
	url, loop := startTestServer(t)
	id := submitPipeline(t, url, "--partial")
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	out, err := runCLI(t, "--server", url, "status", id)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{id, "Status:  RUNNING", "fetch: RUNNING (attempt 1/4)", "transform: PENDING"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}

	if _, err := runCLI(t, "--server", url, "status", "wf_missing"); err == nil {
		t.Error("expected error for unknown workflow")
	}
}

func TestListCommand(t *testing.T) {
	url, _ := startTestServer(t)

	out, err := runCLI(t, "--server", url, "list")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(out, "No workflows found.") {
		t.Errorf("expected empty listing, got: %s", out)
	}

	id := submitPipeline(t, url)
	out, err = runCLI(t, "--server", url, "list")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "PENDING") {
		t.Errorf("expected %s PENDING in output, got: %s", id, out)
	}
}

func TestCancelAndDeadLettersCommands(t *testing.T) {
	url, _ := startTestServer(t)
	id := submitPipeline(t, url)

	out, err := runCLI(t, "--server", url, "cancel", id)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if !strings.Contains(out, "Tasks cancelled: 2") {
		t.Errorf("expected 2 cancelled tasks, got: %s", out)
	}

	out, err = runCLI(t, "--server", url, "deadletters", "--workflow", id)
	if err != nil {
		t.Fatalf("deadletters error: %v", err)
	}
	if strings.Count(out, "cancelled") != 2 {
		t.Errorf("expected two cancelled records, got: %s", out)
	}

	out, err = runCLI(t, "--server", url, "status", id)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out, "Failures:") || !strings.Contains(out, "workflow cancelled") {
		t.Errorf("expected failure section, got: %s", out)
	}
}

func TestObservabilityCommands(t *testing.T) {
	url, loop := startTestServer(t)
	submitPipeline(t, url)
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	out, err := runCLI(t, "--server", url, "queues")
	if err != nil {
		t.Fatalf("queues error: %v", err)
	}
	if !strings.Contains(out, "default") || !strings.Contains(out, "1/4") {
		t.Errorf("expected default queue with 1/4 running, got: %s", out)
	}

	out, err = runCLI(t, "--server", url, "tenants")
	if err != nil {
		t.Fatalf("tenants error: %v", err)
	}
	if !strings.Contains(out, "acme") || !strings.Contains(out, "premium") {
		t.Errorf("expected acme premium, got: %s", out)
	}

	out, err = runCLI(t, "--server", url, "breakers")
	if err != nil {
		t.Fatalf("breakers error: %v", err)
	}
	if !strings.Contains(out, "No breakers") {
		t.Errorf("expected no breakers, got: %s", out)
	}
}
