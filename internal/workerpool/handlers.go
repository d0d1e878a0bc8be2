package workerpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/me/fairq/pkg/model"
)

// RegisterBuiltins installs the echo, exec and steps handlers.
func RegisterBuiltins(p *LocalPool, workDir string) {
	p.Register("echo", EchoHandler, false)
	p.Register("exec", ExecHandler(workDir), false)
	p.Register("steps", StepsHandler, true)
}

// EchoHandler completes immediately with the payload reference as result.
// An "error_kind" input makes it fail with that kind instead.
func EchoHandler(_ context.Context, task *model.Task, _ Checkpointer) (model.TaskResult, error) {
	if kind, ok := task.Inputs["error_kind"].(string); ok && kind != "" {
		msg, _ := task.Inputs["error_message"].(string)
		return model.TaskResult{}, &model.TaskError{Kind: model.ErrorKind(kind), Message: msg}
	}
	ref := task.PayloadRef
	if ref == "" {
		ref = "echo:" + task.ID
	}
	return model.TaskResult{ResultRef: ref, SizeBytes: int64(len(ref))}, nil
}

// ExecHandler runs inputs["command"] (a list of strings) in a per-task
// directory under workDir. Stdout becomes the result file; the exit code
// is classified with ErrorForExitCode.
func ExecHandler(workDir string) Handler {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return func(ctx context.Context, task *model.Task, ckpt Checkpointer) (model.TaskResult, error) {
		parts := stringList(task.Inputs["command"])
		if len(parts) == 0 {
			return model.TaskResult{}, &model.TaskError{Kind: model.ErrorKindMalformedInput, Message: "command is missing or empty"}
		}

		taskDir := filepath.Join(workDir, task.ID, strconv.Itoa(task.Attempts))
		if err := os.MkdirAll(taskDir, 0o755); err != nil {
			return model.TaskResult{}, fmt.Errorf("create work dir: %w", err)
		}

		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Dir = taskDir
		cmd.Env = append(os.Environ(),
			"FAIRQ_TASK_ID="+task.ID,
			"FAIRQ_ATTEMPT="+strconv.Itoa(task.Attempts),
			"FAIRQ_PAYLOAD_REF="+task.PayloadRef,
			"FAIRQ_RESUME_REF="+ckpt.ResumeRef(),
		)
		var stdoutBuf, stderrBuf bytes.Buffer
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf

		runErr := cmd.Run()
		var exitErr *exec.ExitError
		switch {
		case runErr == nil:
		case errors.As(runErr, &exitErr):
			return model.TaskResult{}, ptr(ErrorForExitCode(exitErr.ExitCode(), tail(stderrBuf.String())))
		default:
			// Binary not found and similar.
			return model.TaskResult{}, &model.TaskError{Kind: model.ErrorKindMalformedInput, Message: runErr.Error()}
		}

		out := filepath.Join(taskDir, "stdout")
		if err := os.WriteFile(out, stdoutBuf.Bytes(), 0o644); err != nil {
			return model.TaskResult{}, fmt.Errorf("write result: %w", err)
		}
		return model.TaskResult{ResultRef: "file://" + out, SizeBytes: int64(stdoutBuf.Len())}, nil
	}
}

// StepsHandler counts through inputs["steps"] steps of inputs["step_ms"]
// milliseconds each, saving "steps:<n>" as its checkpoint. It resumes from
// a previous checkpoint and stops when one is requested.
func StepsHandler(ctx context.Context, task *model.Task, ckpt Checkpointer) (model.TaskResult, error) {
	total := intInput(task.Inputs, "steps", 10)
	interval := time.Duration(intInput(task.Inputs, "step_ms", 100)) * time.Millisecond

	done := 0
	if ref := ckpt.ResumeRef(); ref != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(ref, "steps:"))
		if err != nil {
			return model.TaskResult{}, &model.TaskError{Kind: model.ErrorKindMalformedInput, Message: "bad checkpoint " + ref}
		}
		done = n
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for done < total {
		select {
		case <-ctx.Done():
			return model.TaskResult{}, ctx.Err()
		case <-ckpt.Requested():
			ckpt.Save(fmt.Sprintf("steps:%d", done))
			return model.TaskResult{}, ErrCheckpointed
		case <-ticker.C:
			done++
		}
	}
	ref := fmt.Sprintf("steps:%d/%d", done, total)
	return model.TaskResult{ResultRef: ref, SizeBytes: int64(len(ref))}, nil
}

func stringList(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intInput(inputs map[string]any, key string, def int) int {
	switch v := inputs[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// tail keeps the last line of process output for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}

func ptr[T any](v T) *T { return &v }
