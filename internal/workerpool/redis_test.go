package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/me/fairq/internal/redisconn"
	"github.com/me/fairq/pkg/model"
)

// testRedisPool connects to FAIRQ_TEST_REDIS_URL or skips.
func testRedisPool(t *testing.T) *RedisPool {
	t.Helper()
	url := os.Getenv("FAIRQ_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FAIRQ_TEST_REDIS_URL not set")
	}
	client, err := redisconn.Connect(context.Background(), redisconn.DefaultConfig(url))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisPool(client, []string{"steps"}, newTestLogger())
}

func TestRedisPool_DispatchAndCheckpoint(t *testing.T) {
	p := testRedisPool(t)
	ctx := context.Background()
	queue := "test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { p.client.Del(context.Background(), JobsKey(queue)) })

	task := &model.Task{ID: "t1", QueueName: queue, TaskType: "steps", Attempts: 2, PayloadRef: "p"}
	handle, err := p.Dispatch(ctx, task)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	raw, err := p.client.RPop(ctx, JobsKey(queue)).Result()
	if err != nil {
		t.Fatalf("RPop: %v", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.TaskID != "t1" || job.Attempt != 2 || job.Handle != handle {
		t.Errorf("job = %+v", job)
	}

	// Play the worker: answer the checkpoint request.
	go func() {
		for i := 0; i < 50; i++ {
			reply, err := p.client.Get(ctx, CheckpointKey("t1", 2)).Result()
			if err == nil {
				p.client.LPush(ctx, reply, "ckpt-1")
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ref, err := p.Checkpoint(cctx, task)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if ref != "ckpt-1" {
		t.Errorf("ref = %q, want ckpt-1", ref)
	}

	_, err = p.Checkpoint(ctx, &model.Task{ID: "t2", TaskType: "echo"})
	if !errors.Is(err, model.ErrCheckpointUnsupported) {
		t.Errorf("err = %v, want ErrCheckpointUnsupported", err)
	}
}
