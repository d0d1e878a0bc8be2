package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/workerpool"
	"github.com/me/fairq/pkg/model"
)

// fakeRedis implements RedisClient in memory.
type fakeRedis struct {
	mu          sync.Mutex
	jobs        []string
	cancelled   map[string]bool
	checkpoints map[string]string
	lists       map[string][]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		cancelled:   map[string]bool{},
		checkpoints: map[string]string{},
		lists:       map[string][]string{},
	}
}

func (f *fakeRedis) BRPop(_ context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return redis.NewStringSliceResult([]string{keys[0], job}, nil)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if f.cancelled[k] {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) GetDel(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.checkpoints[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	delete(f.checkpoints, key)
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{v.(string)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) Expire(_ context.Context, _ string, _ time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) list(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lists[key]...)
}

// callback is one request received by the fake server.
type callback struct {
	Path string
	Key  string
	Body map[string]any
}

type callbackServer struct {
	*httptest.Server
	mu    sync.Mutex
	calls []callback
}

func newCallbackServer(t *testing.T) *callbackServer {
	t.Helper()
	cs := &callbackServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		cs.mu.Lock()
		cs.calls = append(cs.calls, callback{Path: r.URL.Path, Key: r.Header.Get(WorkerKeyHeader), Body: body})
		cs.mu.Unlock()
		if strings.Contains(r.URL.Path, "/unknown/") {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"status":"error","error":{"code":"NOT_FOUND","message":"task unknown not found"}}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *callbackServer) received() []callback {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]callback(nil), cs.calls...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, rdb RedisClient, serverURL string, commands map[string]string) *Worker {
	t.Helper()
	cfg := config.WorkerConfig{
		ServerURL:   serverURL,
		WorkerKey:   "secret",
		Queues:      []string{"batch"},
		Commands:    commands,
		WorkDir:     t.TempDir(),
		Poll:        time.Second,
		ControlPoll: 20 * time.Millisecond,
		Artifacts:   config.ArtifactConfig{Backend: "local", Dir: t.TempDir()},
	}
	return New(cfg, rdb, NewFileStager(cfg.Artifacts.Dir), newTestLogger(),
		WithRuntime(NewBareRuntime(os.Environ(), time.Second)))
}

func shJob(id, script string) workerpool.Job {
	return workerpool.Job{
		TaskID:   id,
		Attempt:  1,
		Queue:    "batch",
		TaskType: "shell",
		Inputs:   map[string]any{"command": []any{"sh", "-c", script}, "n": 3},
	}
}

func readRef(t *testing.T, ref string) string {
	t.Helper()
	data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		t.Fatalf("read %s: %v", ref, err)
	}
	return string(data)
}

func TestWorker_ExecuteCompletes(t *testing.T) {
	srv := newCallbackServer(t)
	w := newTestWorker(t, newFakeRedis(), srv.URL, nil)

	w.Execute(context.Background(), shJob("t1", `cat > "$FAIRQ_OUTPUT"`))

	calls := srv.received()
	if len(calls) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.Path != "/api/v1/tasks/t1/complete" {
		t.Errorf("path = %q", c.Path)
	}
	if c.Key != "secret" {
		t.Errorf("worker key = %q", c.Key)
	}
	if c.Body["attempt"] != float64(1) {
		t.Errorf("attempt = %v", c.Body["attempt"])
	}
	ref, _ := c.Body["result_ref"].(string)
	var inputs map[string]any
	if err := json.Unmarshal([]byte(readRef(t, ref)), &inputs); err != nil {
		t.Fatalf("result is not the inputs JSON: %v", err)
	}
	if inputs["n"] != float64(3) {
		t.Errorf("inputs echoed = %v", inputs)
	}
}

func TestWorker_ConfiguredCommandUsesStdout(t *testing.T) {
	srv := newCallbackServer(t)
	w := newTestWorker(t, newFakeRedis(), srv.URL, map[string]string{"echo": "cat"})

	w.Execute(context.Background(), workerpool.Job{
		TaskID: "t2", Attempt: 3, TaskType: "echo", Inputs: map[string]any{"x": "y"},
	})

	calls := srv.received()
	if len(calls) != 1 || calls[0].Path != "/api/v1/tasks/t2/complete" {
		t.Fatalf("callbacks = %+v", calls)
	}
	ref, _ := calls[0].Body["result_ref"].(string)
	if !strings.HasSuffix(ref, filepath.Join("t2", "3", "result")) {
		t.Errorf("result_ref = %q", ref)
	}
	if got := readRef(t, ref); got != `{"x":"y"}` {
		t.Errorf("result = %q", got)
	}
}

func TestWorker_ExitCodeClassification(t *testing.T) {
	tests := []struct {
		name   string
		script string
		kind   model.ErrorKind
	}{
		{"dependency", "echo db down >&2; exit 69", model.ErrorKindDependencyUnavailable},
		{"malformed", "exit 65", model.ErrorKindMalformedInput},
		{"generic", "exit 1", model.ErrorKindExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCallbackServer(t)
			w := newTestWorker(t, newFakeRedis(), srv.URL, nil)
			w.Execute(context.Background(), shJob("t1", tt.script))

			calls := srv.received()
			if len(calls) != 1 || calls[0].Path != "/api/v1/tasks/t1/fail" {
				t.Fatalf("callbacks = %+v", calls)
			}
			terr, _ := calls[0].Body["error"].(map[string]any)
			if terr["kind"] != string(tt.kind) {
				t.Errorf("kind = %v, want %s", terr["kind"], tt.kind)
			}
		})
	}
}

func TestWorker_NoCommand(t *testing.T) {
	srv := newCallbackServer(t)
	w := newTestWorker(t, newFakeRedis(), srv.URL, nil)

	w.Execute(context.Background(), workerpool.Job{TaskID: "t1", Attempt: 1, TaskType: "render"})

	calls := srv.received()
	if len(calls) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(calls))
	}
	terr, _ := calls[0].Body["error"].(map[string]any)
	if terr["kind"] != string(model.ErrorKindMalformedInput) {
		t.Errorf("kind = %v, want malformed_input", terr["kind"])
	}
}

func TestWorker_Deadline(t *testing.T) {
	srv := newCallbackServer(t)
	w := newTestWorker(t, newFakeRedis(), srv.URL, nil)

	job := shJob("t1", "exec sleep 30")
	deadline := time.Now().Add(200 * time.Millisecond)
	job.Deadline = &deadline
	w.Execute(context.Background(), job)

	calls := srv.received()
	if len(calls) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(calls))
	}
	terr, _ := calls[0].Body["error"].(map[string]any)
	if terr["kind"] != string(model.ErrorKindDeadlineExceeded) {
		t.Errorf("kind = %v, want deadline_exceeded", terr["kind"])
	}
}

func TestWorker_CancelKeyStopsAttempt(t *testing.T) {
	srv := newCallbackServer(t)
	rdb := newFakeRedis()
	rdb.cancelled[workerpool.CancelKey("t1", 1)] = true
	w := newTestWorker(t, rdb, srv.URL, nil)

	start := time.Now()
	w.Execute(context.Background(), shJob("t1", "exec sleep 30"))
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancel took %v", time.Since(start))
	}
	if calls := srv.received(); len(calls) != 0 {
		t.Errorf("cancelled attempt reported %+v", calls)
	}
}

func TestWorker_CheckpointRequest(t *testing.T) {
	srv := newCallbackServer(t)
	rdb := newFakeRedis()
	replyKey := workerpool.CheckpointReplyKey("t1", 1)
	w := newTestWorker(t, rdb, srv.URL, nil)
	// Request the checkpoint once the script has installed its trap.
	go func() {
		time.Sleep(200 * time.Millisecond)
		rdb.mu.Lock()
		rdb.checkpoints[workerpool.CheckpointKey("t1", 1)] = replyKey
		rdb.mu.Unlock()
	}()

	script := `trap 'echo step=4 > "$FAIRQ_CHECKPOINT_OUT"; exit 75' TERM; while true; do sleep 0.05; done`
	w.Execute(context.Background(), shJob("t1", script))

	if calls := srv.received(); len(calls) != 0 {
		t.Errorf("preempted attempt reported %+v", calls)
	}
	replies := rdb.list(replyKey)
	if len(replies) != 1 {
		t.Fatalf("replies = %v, want one checkpoint ref", replies)
	}
	if got := strings.TrimSpace(readRef(t, replies[0])); got != "step=4" {
		t.Errorf("checkpoint content = %q", got)
	}
}

func TestWorker_UnrequestedCheckpoint(t *testing.T) {
	srv := newCallbackServer(t)
	w := newTestWorker(t, newFakeRedis(), srv.URL, nil)

	w.Execute(context.Background(), shJob("t1", `echo half > "$FAIRQ_CHECKPOINT_OUT"; exit 75`))

	calls := srv.received()
	if len(calls) != 2 {
		t.Fatalf("callbacks = %+v, want checkpoint then fail", calls)
	}
	if calls[0].Path != "/api/v1/tasks/t1/checkpoint" || calls[1].Path != "/api/v1/tasks/t1/fail" {
		t.Errorf("paths = %s, %s", calls[0].Path, calls[1].Path)
	}
	terr, _ := calls[1].Body["error"].(map[string]any)
	if terr["retryable"] != true {
		t.Errorf("retryable = %v, want true", terr["retryable"])
	}
}

func TestWorker_ResumesFromCheckpoint(t *testing.T) {
	srv := newCallbackServer(t)
	w := newTestWorker(t, newFakeRedis(), srv.URL, nil)

	ckpt := filepath.Join(t.TempDir(), "ckpt")
	if err := os.WriteFile(ckpt, []byte("step=4"), 0o644); err != nil {
		t.Fatal(err)
	}
	job := shJob("t1", `cat "$FAIRQ_CHECKPOINT_IN" > "$FAIRQ_OUTPUT"; printf %s "$FAIRQ_RESUME_REF" >> "$FAIRQ_OUTPUT"`)
	job.Attempt = 2
	job.CheckpointRef = "file://" + ckpt
	w.Execute(context.Background(), job)

	calls := srv.received()
	if len(calls) != 1 || calls[0].Path != "/api/v1/tasks/t1/complete" {
		t.Fatalf("callbacks = %+v", calls)
	}
	ref, _ := calls[0].Body["result_ref"].(string)
	if got := readRef(t, ref); got != "step=4file://"+ckpt {
		t.Errorf("result = %q", got)
	}
}

func TestWorker_Next(t *testing.T) {
	rdb := newFakeRedis()
	w := newTestWorker(t, rdb, "http://unused", nil)

	job, err := w.next(context.Background())
	if err != nil || job != nil {
		t.Fatalf("empty queue: job = %v, err = %v", job, err)
	}

	data, _ := json.Marshal(workerpool.Job{TaskID: "t1", Attempt: 2, Queue: "batch"})
	rdb.jobs = []string{"{not json", string(data)}
	if job, err := w.next(context.Background()); err != nil || job != nil {
		t.Errorf("malformed job: job = %v, err = %v", job, err)
	}
	job, err = w.next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if job == nil || job.TaskID != "t1" || job.Attempt != 2 {
		t.Errorf("job = %+v", job)
	}
}

func TestWorker_RunDrainsQueue(t *testing.T) {
	srv := newCallbackServer(t)
	rdb := newFakeRedis()
	for _, id := range []string{"a", "b"} {
		data, _ := json.Marshal(shJob(id, "true"))
		rdb.jobs = append(rdb.jobs, string(data))
	}
	w := newTestWorker(t, rdb, srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(srv.received()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(srv.received()); n != 2 {
		t.Errorf("callbacks = %d, want 2", n)
	}
}

func TestClient_ErrorEnvelope(t *testing.T) {
	srv := newCallbackServer(t)
	c := NewClient(srv.URL, "")

	err := c.Complete(context.Background(), "unknown", 1, model.TaskResult{ResultRef: "r"})
	if err == nil || !strings.Contains(err.Error(), "task unknown not found") {
		t.Errorf("err = %v, want envelope message", err)
	}
	if calls := srv.received(); calls[0].Key != "" {
		t.Errorf("worker key sent without configuration: %q", calls[0].Key)
	}
}
