// Package worker implements fairq-worker, the agent that executes jobs
// handed out by the Redis worker pool and reports their outcomes over the
// REST callbacks.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/workerpool"
	"github.com/me/fairq/pkg/model"
)

// RedisClient is the subset of go-redis the worker uses.
type RedisClient interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// replyTTL bounds how long an unclaimed checkpoint reply lingers.
const replyTTL = time.Hour

// Worker pops jobs from its queues, runs them with the configured runtime
// and reports results back.
type Worker struct {
	rdb         RedisClient
	client      *Client
	runtime     Runtime
	stager      Stager
	commands    map[string][]string
	queues      []string
	workDir     string
	keepWorkDir bool
	concurrency int
	poll        time.Duration
	controlPoll time.Duration
	logger      *slog.Logger
}

// Option customises a Worker.
type Option func(*Worker)

// WithRuntime replaces the bare host runtime.
func WithRuntime(rt Runtime) Option {
	return func(w *Worker) { w.runtime = rt }
}

// New creates a Worker from configuration.
func New(cfg config.WorkerConfig, rdb RedisClient, stager Stager, logger *slog.Logger, opts ...Option) *Worker {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "fairq-worker")
	}
	if cfg.Poll < time.Second {
		cfg.Poll = 5 * time.Second
	}
	if cfg.ControlPoll <= 0 {
		cfg.ControlPoll = time.Second
	}

	commands := make(map[string][]string, len(cfg.Commands))
	for taskType, line := range cfg.Commands {
		if parts := strings.Fields(line); len(parts) > 0 {
			commands[taskType] = parts
		}
	}

	w := &Worker{
		rdb:         rdb,
		client:      NewClient(cfg.ServerURL, cfg.WorkerKey),
		runtime:     NewBareRuntime(os.Environ(), cfg.GracePeriod),
		stager:      stager,
		commands:    commands,
		queues:      cfg.Queues,
		workDir:     cfg.WorkDir,
		keepWorkDir: cfg.Artifacts.Backend == "local" && cfg.Artifacts.Dir == "",
		concurrency: max(1, cfg.Concurrency),
		poll:        cfg.Poll,
		controlPoll: cfg.ControlPoll,
		logger:      logger.With("component", "worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts the job loops and blocks until ctx is cancelled and the
// running jobs have been reported.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", w.workDir, err)
	}
	w.logger.Info("worker started", "queues", w.queues, "concurrency", w.concurrency)

	var wg sync.WaitGroup
	for range w.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.jobLoop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) jobLoop(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.next(ctx)
		if err != nil {
			w.logger.Error("pop job", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.poll):
			}
			continue
		}
		if job != nil {
			w.Execute(ctx, *job)
		}
	}
}

// next blocks up to the poll interval for a job on any queue. It returns
// nil when none arrived.
func (w *Worker) next(ctx context.Context) (*workerpool.Job, error) {
	keys := make([]string, len(w.queues))
	for i, q := range w.queues {
		keys[i] = workerpool.JobsKey(q)
	}

	res, err := w.rdb.BRPop(ctx, w.poll, keys...).Result()
	switch {
	case errors.Is(err, redis.Nil), ctx.Err() != nil:
		return nil, nil
	case err != nil:
		return nil, err
	}

	// BRPOP returns [key, value].
	var job workerpool.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		w.logger.Error("dropping malformed job", "queue_key", res[0], "error", err)
		return nil, nil
	}
	return &job, nil
}

// control records what the watcher saw while a job ran.
type control struct {
	mu        sync.Mutex
	cancelled bool
	replyKey  string
}

func (c *control) snapshot() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled, c.replyKey
}

// outcome is what one execution produced.
type outcome struct {
	result     model.TaskResult
	terr       *model.TaskError
	checkpoint string
}

// Execute runs one attempt and reports how it ended. Cancelled attempts
// are not reported; preempted attempts answer on the checkpoint reply key.
func (w *Worker) Execute(ctx context.Context, job workerpool.Job) {
	log := w.logger.With("task_id", job.TaskID, "attempt", job.Attempt, "task_type", job.TaskType)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if job.Deadline != nil {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, *job.Deadline)
		defer cancelDeadline()
	}

	ctl := &control{}
	checkpoint := make(chan struct{}, 1)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		w.watch(runCtx, job, ctl, cancelRun, checkpoint)
	}()

	start := time.Now()
	out := w.execute(runCtx, job, checkpoint)
	cancelRun()
	<-watched

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	cancelled, replyKey := ctl.snapshot()
	switch {
	case cancelled:
		log.Info("attempt cancelled")
	case ctx.Err() != nil && out.terr != nil && out.checkpoint == "":
		terr := model.TaskError{Kind: model.ErrorKindExecutionFailed, Message: "worker shutting down"}
		if err := w.client.Fail(reportCtx, job.TaskID, job.Attempt, terr); err != nil {
			log.Error("report failure", "error", err)
		}
	case out.checkpoint != "" && replyKey != "":
		if err := w.reply(reportCtx, replyKey, out.checkpoint); err != nil {
			log.Error("reply checkpoint", "error", err)
			return
		}
		log.Info("attempt checkpointed", "checkpoint_ref", out.checkpoint, "duration", time.Since(start))
	case out.checkpoint != "":
		if err := w.client.Checkpoint(reportCtx, job.TaskID, job.Attempt, out.checkpoint); err != nil {
			log.Error("report checkpoint", "error", err)
		}
		retry := true
		terr := model.TaskError{Kind: model.ErrorKindExecutionFailed, Message: "stopped at checkpoint", Retryable: &retry}
		if err := w.client.Fail(reportCtx, job.TaskID, job.Attempt, terr); err != nil {
			log.Error("report failure", "error", err)
		}
	case out.terr != nil:
		log.Warn("attempt failed", "kind", out.terr.Kind, "error", out.terr.Message, "duration", time.Since(start))
		if err := w.client.Fail(reportCtx, job.TaskID, job.Attempt, *out.terr); err != nil {
			log.Error("report failure", "error", err)
		}
	default:
		log.Info("attempt completed", "result_ref", out.result.ResultRef, "duration", time.Since(start))
		if err := w.client.Complete(reportCtx, job.TaskID, job.Attempt, out.result); err != nil {
			log.Error("report completion", "error", err)
		}
	}
}

// watch polls the attempt's control keys until ctx ends. A cancel flag
// stops the run; a checkpoint request is forwarded once.
func (w *Worker) watch(ctx context.Context, job workerpool.Job, ctl *control, cancelRun context.CancelFunc, checkpoint chan<- struct{}) {
	ticker := time.NewTicker(w.controlPoll)
	defer ticker.Stop()

	cancelKey := workerpool.CancelKey(job.TaskID, job.Attempt)
	checkpointKey := workerpool.CheckpointKey(job.TaskID, job.Attempt)
	requested := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := w.rdb.Exists(ctx, cancelKey).Result()
		if err == nil && n > 0 {
			ctl.mu.Lock()
			ctl.cancelled = true
			ctl.mu.Unlock()
			cancelRun()
			return
		}
		if requested {
			continue
		}
		reply, err := w.rdb.GetDel(ctx, checkpointKey).Result()
		if err != nil || reply == "" {
			continue
		}
		ctl.mu.Lock()
		ctl.replyKey = reply
		ctl.mu.Unlock()
		requested = true
		checkpoint <- struct{}{}
	}
}

func (w *Worker) reply(ctx context.Context, replyKey, ref string) error {
	if err := w.rdb.LPush(ctx, replyKey, ref).Err(); err != nil {
		return err
	}
	return w.rdb.Expire(ctx, replyKey, replyTTL).Err()
}

// execute runs the job's command in a per-attempt directory and stages its
// result or checkpoint out.
func (w *Worker) execute(ctx context.Context, job workerpool.Job, checkpoint <-chan struct{}) outcome {
	command := w.commandFor(job)
	if len(command) == 0 {
		return failed(model.ErrorKindMalformedInput, "no command for task type "+strconv.Quote(job.TaskType))
	}

	taskDir := filepath.Join(w.workDir, job.TaskID, strconv.Itoa(job.Attempt))
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return failed(model.ErrorKindExecutionFailed, "create work dir: "+err.Error())
	}
	if !w.keepWorkDir {
		defer os.RemoveAll(taskDir)
	}

	inputs := job.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	stdin, err := json.Marshal(inputs)
	if err != nil {
		return failed(model.ErrorKindMalformedInput, "encode inputs: "+err.Error())
	}

	outputPath := filepath.Join(taskDir, "result")
	checkpointOut := filepath.Join(taskDir, "checkpoint.out")
	env := []string{
		"FAIRQ_TASK_ID=" + job.TaskID,
		"FAIRQ_WORKFLOW_ID=" + job.WorkflowID,
		"FAIRQ_ATTEMPT=" + strconv.Itoa(job.Attempt),
		"FAIRQ_TASK_TYPE=" + job.TaskType,
		"FAIRQ_PAYLOAD_REF=" + job.PayloadRef,
		"FAIRQ_RESUME_REF=" + job.CheckpointRef,
		"FAIRQ_OUTPUT=" + outputPath,
		"FAIRQ_CHECKPOINT_OUT=" + checkpointOut,
	}
	if job.CheckpointRef != "" {
		checkpointIn := filepath.Join(taskDir, "checkpoint.in")
		err := w.stager.StageIn(ctx, job.CheckpointRef, checkpointIn)
		switch {
		case err == nil:
			env = append(env, "FAIRQ_CHECKPOINT_IN="+checkpointIn)
		case errors.Is(err, ErrUnsupportedLocation):
			// Opaque refs reach the command through FAIRQ_RESUME_REF only.
		default:
			return failed(model.ErrorKindExecutionFailed, "stage in checkpoint: "+err.Error())
		}
	}

	res, err := w.runtime.Run(ctx, RunSpec{Command: command, Dir: taskDir, Env: env, Stdin: stdin}, checkpoint)
	switch {
	case err == nil:
	case errors.Is(err, ErrStartFailed):
		return failed(model.ErrorKindMalformedInput, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return failed(model.ErrorKindDeadlineExceeded, "deadline exceeded")
	default:
		return failed(model.ErrorKindExecutionFailed, err.Error())
	}

	key := path.Join(job.TaskID, strconv.Itoa(job.Attempt))
	switch res.ExitCode {
	case workerpool.ExitOK:
		if _, err := os.Stat(outputPath); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(outputPath, res.Stdout, 0o644); err != nil {
				return failed(model.ErrorKindExecutionFailed, "write result: "+err.Error())
			}
		}
		ref, size, err := w.stager.StageOut(ctx, outputPath, key+"/result")
		if err != nil {
			return failed(model.ErrorKindExecutionFailed, "stage out result: "+err.Error())
		}
		return outcome{result: model.TaskResult{ResultRef: ref, SizeBytes: size}}
	case workerpool.ExitCheckpointed:
		ref, _, err := w.stager.StageOut(ctx, checkpointOut, key+"/checkpoint")
		if err != nil {
			return failed(model.ErrorKindExecutionFailed, "stage out checkpoint: "+err.Error())
		}
		return outcome{checkpoint: ref}
	default:
		terr := workerpool.ErrorForExitCode(res.ExitCode, tail(res.Stderr))
		return outcome{terr: &terr}
	}
}

// commandFor resolves the configured command for the job's type, falling
// back to inputs["command"].
func (w *Worker) commandFor(job workerpool.Job) []string {
	if cmd, ok := w.commands[job.TaskType]; ok {
		return cmd
	}
	raw, ok := job.Inputs["command"].([]any)
	if !ok {
		return nil
	}
	parts := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil
		}
		parts = append(parts, s)
	}
	return parts
}

func failed(kind model.ErrorKind, msg string) outcome {
	return outcome{terr: &model.TaskError{Kind: kind, Message: msg}}
}

// tail keeps the last 1KiB of stderr for error messages.
func tail(s string) string {
	const limit = 1024
	s = strings.TrimSpace(s)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}
