package workflow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/me/fairq/pkg/model"
)

// ErrInvalidWorkflow wraps submission validation failures other than cycles.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// DAG holds the result of dependency analysis.
type DAG struct {
	// Edges maps each task name to the task names it depends on (upstream).
	Edges map[string][]string
	// Order is a topological sort of task names (execution order).
	Order []string
}

// BuildDAG validates the task names and dependency references of spec and
// orders the tasks with Kahn's algorithm. A cycle, including a task that
// depends on itself, yields *model.CyclicWorkflowError.
func BuildDAG(spec model.WorkflowSpec) (*DAG, error) {
	if len(spec.Tasks) == 0 {
		return nil, fmt.Errorf("%w: at least one task is required", ErrInvalidWorkflow)
	}

	names := make(map[string]bool, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		if ts.Name == "" {
			return nil, fmt.Errorf("%w: task name is required", ErrInvalidWorkflow)
		}
		if names[ts.Name] {
			return nil, fmt.Errorf("%w: duplicate task name %q", ErrInvalidWorkflow, ts.Name)
		}
		names[ts.Name] = true
	}

	// forward[A] = [B, C] means A must complete before B and C.
	// deps[B] = [A] means B depends on A.
	forward := make(map[string][]string, len(spec.Tasks))
	deps := make(map[string][]string, len(spec.Tasks))
	inDegree := make(map[string]int, len(spec.Tasks))
	for name := range names {
		inDegree[name] = 0
	}

	for _, ts := range spec.Tasks {
		seen := make(map[string]bool)
		for _, dep := range ts.DependsOn {
			if dep == ts.Name {
				return nil, &model.CyclicWorkflowError{Tasks: []string{ts.Name}}
			}
			if !names[dep] {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidWorkflow, ts.Name, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			forward[dep] = append(forward[dep], ts.Name)
			deps[ts.Name] = append(deps[ts.Name], dep)
			inDegree[ts.Name]++
		}
	}

	for name := range deps {
		sort.Strings(deps[name])
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(names))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		successors := forward[node]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(names) {
		var cycle []string
		for name, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, &model.CyclicWorkflowError{Tasks: cycle}
	}

	return &DAG{Edges: deps, Order: order}, nil
}
