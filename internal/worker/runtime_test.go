package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testRuntime() *BareRuntime {
	return NewBareRuntime(os.Environ(), 2*time.Second)
}

func TestBareRuntime_StdinAndExitCode(t *testing.T) {
	res, err := testRuntime().Run(context.Background(), RunSpec{
		Command: []string{"sh", "-c", "cat; echo oops >&2; exit 3"},
		Dir:     t.TempDir(),
		Stdin:   []byte(`{"n":1}`),
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if string(res.Stdout) != `{"n":1}` {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestBareRuntime_Env(t *testing.T) {
	res, err := testRuntime().Run(context.Background(), RunSpec{
		Command: []string{"sh", "-c", `printf %s "$FAIRQ_TASK_ID"`},
		Env:     []string{"FAIRQ_TASK_ID=t-9"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Stdout) != "t-9" {
		t.Errorf("Stdout = %q, want t-9", res.Stdout)
	}
}

func TestBareRuntime_StartFailure(t *testing.T) {
	_, err := testRuntime().Run(context.Background(), RunSpec{Command: []string{"/nonexistent/binary"}}, nil)
	if !errors.Is(err, ErrStartFailed) {
		t.Errorf("err = %v, want ErrStartFailed", err)
	}

	if _, err := testRuntime().Run(context.Background(), RunSpec{}, nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestBareRuntime_CheckpointSignal(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "checkpoint.out")
	script := `trap 'echo saved > "$OUT"; exit 75' TERM; while true; do sleep 0.1; done`

	checkpoint := make(chan struct{}, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		checkpoint <- struct{}{}
	}()
	res, err := testRuntime().Run(context.Background(), RunSpec{
		Command: []string{"sh", "-c", script},
		Dir:     dir,
		Env:     []string{"OUT=" + out},
	}, checkpoint)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Signalled {
		t.Error("Signalled = false")
	}
	if res.ExitCode != 75 {
		t.Errorf("ExitCode = %d, want 75", res.ExitCode)
	}
	data, _ := os.ReadFile(out)
	if strings.TrimSpace(string(data)) != "saved" {
		t.Errorf("checkpoint file = %q", data)
	}
}

func TestBareRuntime_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := testRuntime().Run(ctx, RunSpec{Command: []string{"sleep", "30"}}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancel took %v", time.Since(start))
	}
}
