package workflow

import (
	"errors"
	"reflect"
	"testing"

	"github.com/me/fairq/pkg/model"
)

func specOf(tasks ...model.TaskSpec) model.WorkflowSpec {
	return model.WorkflowSpec{Name: "test", Tasks: tasks}
}

func node(name string, deps ...string) model.TaskSpec {
	return model.TaskSpec{Name: name, TaskType: "echo", DependsOn: deps}
}

func TestBuildDAG_LinearPipeline(t *testing.T) {
	dag, err := BuildDAG(specOf(node("C", "B"), node("A"), node("B", "A")))
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	if want := []string{"A", "B", "C"}; !reflect.DeepEqual(dag.Order, want) {
		t.Errorf("Order = %v, want %v", dag.Order, want)
	}
	if deps := dag.Edges["C"]; len(deps) != 1 || deps[0] != "B" {
		t.Errorf("C deps = %v, want [B]", deps)
	}
	if deps := dag.Edges["A"]; len(deps) != 0 {
		t.Errorf("A deps = %v, want []", deps)
	}
}

func TestBuildDAG_Diamond(t *testing.T) {
	dag, err := BuildDAG(specOf(
		node("load"),
		node("left", "load"),
		node("right", "load"),
		node("join", "right", "left", "left"),
	))
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	if want := []string{"load", "left", "right", "join"}; !reflect.DeepEqual(dag.Order, want) {
		t.Errorf("Order = %v, want %v", dag.Order, want)
	}
	if want := []string{"left", "right"}; !reflect.DeepEqual(dag.Edges["join"], want) {
		t.Errorf("join deps = %v, want %v", dag.Edges["join"], want)
	}
}

func TestBuildDAG_Cycle(t *testing.T) {
	_, err := BuildDAG(specOf(node("a", "c"), node("b", "a"), node("c", "b"), node("d")))
	var cyc *model.CyclicWorkflowError
	if !errors.As(err, &cyc) {
		t.Fatalf("err = %v, want CyclicWorkflowError", err)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(cyc.Tasks, want) {
		t.Errorf("cycle = %v, want %v", cyc.Tasks, want)
	}
}

func TestBuildDAG_SelfLoop(t *testing.T) {
	_, err := BuildDAG(specOf(node("a", "a")))
	var cyc *model.CyclicWorkflowError
	if !errors.As(err, &cyc) {
		t.Fatalf("err = %v, want CyclicWorkflowError", err)
	}
}

func TestBuildDAG_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec model.WorkflowSpec
	}{
		{"empty", specOf()},
		{"unnamed task", specOf(node(""))},
		{"duplicate", specOf(node("a"), node("a"))},
		{"unknown dependency", specOf(node("a", "ghost"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildDAG(tt.spec)
			if !errors.Is(err, ErrInvalidWorkflow) {
				t.Errorf("err = %v, want ErrInvalidWorkflow", err)
			}
		})
	}
}
