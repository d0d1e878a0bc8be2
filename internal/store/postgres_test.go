package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/me/fairq/pkg/model"
)

// TestPostgresStore runs against a real database when FAIRQ_TEST_PG_URL is set.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("FAIRQ_TEST_PG_URL")
	if url == "" {
		t.Skip("FAIRQ_TEST_PG_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := NewPostgresStore(ctx, DefaultPostgresConfig(url), logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	suffix := time.Now().Format("150405.000000")
	wfID, taskID := "wf_pg_"+suffix, "task_pg_"+suffix
	task := sampleTask(taskID, wfID, 0)
	if err := st.CreateWorkflow(ctx, sampleWorkflow(wfID, taskID), []*model.Task{task}); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	a, _ := st.GetTask(ctx, taskID)
	b, _ := st.GetTask(ctx, taskID)
	a.State = model.TaskStateAdmitted
	if err := st.UpdateTask(ctx, a); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	b.State = model.TaskStateAdmitted
	if err := st.UpdateTask(ctx, b); !errors.Is(err, model.ErrStaleVersion) {
		t.Errorf("err = %v, want ErrStaleVersion", err)
	}

	err = st.CreateWorkflow(ctx, sampleWorkflow(wfID), nil)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate err = %v, want ErrDuplicate", err)
	}
}
