package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// ErrStartFailed is returned when the command could not be started.
var ErrStartFailed = errors.New("command failed to start")

// RunSpec describes one process execution.
type RunSpec struct {
	Command []string // Command and arguments
	Dir     string   // Working directory
	Env     []string // Extra KEY=VALUE pairs appended to the worker's environment
	Stdin   []byte
}

// RunResult captures the outcome of a process that ran to exit.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
	// Signalled is set when the process was asked to checkpoint.
	Signalled bool
}

// Runtime executes job commands.
type Runtime interface {
	// Run starts spec and waits for it. A receive on checkpoint sends the
	// process SIGTERM; it is expected to write its checkpoint and exit.
	// Cancelling ctx kills the process.
	Run(ctx context.Context, spec RunSpec, checkpoint <-chan struct{}) (RunResult, error)
}

// BareRuntime executes commands directly on the host.
type BareRuntime struct {
	environ []string
	// grace is how long a signalled process may take before it is killed.
	grace time.Duration
}

// NewBareRuntime creates a BareRuntime. environ is the base environment
// (usually os.Environ()).
func NewBareRuntime(environ []string, grace time.Duration) *BareRuntime {
	if grace <= 0 {
		grace = 20 * time.Second
	}
	return &BareRuntime{environ: environ, grace: grace}
}

func (r *BareRuntime) Run(ctx context.Context, spec RunSpec, checkpoint <-chan struct{}) (RunResult, error) {
	if len(spec.Command) == 0 {
		return RunResult{}, errors.New("bare runtime: empty command")
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append([]string{}, r.environ...), spec.Env...)
	cmd.Stdin = bytes.NewReader(spec.Stdin)
	cmd.WaitDelay = r.grace

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("bare runtime: %w: %w", ErrStartFailed, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	exited := make(chan struct{})
	defer close(exited)

	var result RunResult
	var runErr error
wait:
	for {
		select {
		case runErr = <-done:
			break wait
		case <-checkpoint:
			checkpoint = nil
			result.Signalled = true
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				// Already exited; Wait reports how.
				continue
			}
			go func() {
				select {
				case <-time.After(r.grace):
					_ = cmd.Process.Kill()
				case <-exited:
				}
			}()
		}
	}

	result.Stdout = stdoutBuf.Bytes()
	result.Stderr = stderrBuf.String()

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case ctx.Err() != nil:
		return result, ctx.Err()
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("bare runtime: %w", runErr)
	}
	return result, nil
}
