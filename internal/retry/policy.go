// Package retry classifies task failures, schedules retries with
// exponential backoff and dead-letters tasks that cannot be retried.
package retry

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/pkg/model"
)

// DefaultRetryable lists the error kinds retried when a queue does not
// say otherwise.
var DefaultRetryable = map[model.ErrorKind]bool{
	model.ErrorKindDependencyUnavailable: true,
	model.ErrorKindDeadlineExceeded:      true,
	model.ErrorKindExecutionFailed:       true,
}

// exprTimeout bounds one classification expression run.
const exprTimeout = 100 * time.Millisecond

// Policy decides whether a failure is retryable.
type Policy struct {
	retryable map[model.ErrorKind]bool
	terminal  map[model.ErrorKind]bool
	program   *goja.Program
}

// NewPolicy compiles a queue's retry policy.
func NewPolicy(cfg config.RetryPolicyConfig) (*Policy, error) {
	p := &Policy{
		retryable: make(map[model.ErrorKind]bool),
		terminal:  make(map[model.ErrorKind]bool),
	}
	for _, k := range cfg.Retryable {
		p.retryable[model.ErrorKind(k)] = true
	}
	for _, k := range cfg.Terminal {
		p.terminal[model.ErrorKind(k)] = true
	}
	if cfg.Expression != "" {
		prog, err := goja.Compile("retry-policy", "("+cfg.Expression+")", true)
		if err != nil {
			return nil, fmt.Errorf("compile retry expression: %w", err)
		}
		p.program = prog
	}
	return p, nil
}

// Retryable classifies err. Precedence: an explicit flag on the error,
// the queue's terminal list, its retryable list, its expression, then the
// default kinds. An expression that fails to evaluate falls through to the
// defaults and the error is returned alongside the decision.
func (p *Policy) Retryable(err model.TaskError, attempts, maxRetries int) (bool, error) {
	if err.Retryable != nil {
		return *err.Retryable, nil
	}
	if p.terminal[err.Kind] {
		return false, nil
	}
	if p.retryable[err.Kind] {
		return true, nil
	}
	if p.program != nil {
		ok, evalErr := p.eval(err, attempts, maxRetries)
		if evalErr == nil {
			return ok, nil
		}
		return DefaultRetryable[err.Kind], evalErr
	}
	return DefaultRetryable[err.Kind], nil
}

// eval runs the expression in a fresh runtime; goja runtimes are not safe
// for concurrent use.
func (p *Policy) eval(err model.TaskError, attempts, maxRetries int) (bool, error) {
	vm := goja.New()
	for name, v := range map[string]any{
		"kind":       string(err.Kind),
		"message":    err.Message,
		"attempts":   attempts,
		"maxRetries": maxRetries,
	} {
		if setErr := vm.Set(name, v); setErr != nil {
			return false, fmt.Errorf("set %s: %w", name, setErr)
		}
	}

	timer := time.AfterFunc(exprTimeout, func() { vm.Interrupt("retry expression timed out") })
	defer timer.Stop()

	val, runErr := vm.RunProgram(p.program)
	if runErr != nil {
		return false, fmt.Errorf("evaluate retry expression: %w", runErr)
	}
	return val.ToBoolean(), nil
}
