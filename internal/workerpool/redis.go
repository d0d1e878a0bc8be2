package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/me/fairq/pkg/model"
)

// Redis key layout shared with fairq-worker.
const (
	keyPrefix = "fairq:"
	// controlTTL bounds how long cancel and checkpoint requests linger.
	controlTTL = time.Hour
)

// JobsKey is the list a queue's jobs are pushed onto.
func JobsKey(queue string) string { return keyPrefix + "jobs:" + queue }

// CancelKey flags an attempt for cancellation.
func CancelKey(taskID string, attempt int) string {
	return fmt.Sprintf("%scancel:%s:%d", keyPrefix, taskID, attempt)
}

// CheckpointKey flags an attempt for a checkpoint request.
func CheckpointKey(taskID string, attempt int) string {
	return fmt.Sprintf("%scheckpoint:%s:%d", keyPrefix, taskID, attempt)
}

// CheckpointReplyKey is the list the worker pushes the checkpoint ref onto.
func CheckpointReplyKey(taskID string, attempt int) string {
	return fmt.Sprintf("%scheckpoint-reply:%s:%d", keyPrefix, taskID, attempt)
}

// Job is the wire form of one dispatched attempt.
type Job struct {
	TaskID        string         `json:"task_id"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	Attempt       int            `json:"attempt"`
	Handle        string         `json:"handle"`
	Queue         string         `json:"queue"`
	TaskType      string         `json:"task_type"`
	Dependency    string         `json:"dependency,omitempty"`
	PayloadRef    string         `json:"payload_ref,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	CheckpointRef string         `json:"checkpoint_ref,omitempty"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	DispatchedAt  time.Time      `json:"dispatched_at"`
}

// RedisPool hands attempts to remote fairq-worker agents through Redis
// lists. Workers report outcomes over the REST callbacks.
type RedisPool struct {
	client         redis.UniversalClient
	checkpointable map[string]bool
	logger         *slog.Logger
}

// NewRedisPool creates a RedisPool. checkpointTypes lists the task types
// whose workers honour checkpoint requests.
func NewRedisPool(client redis.UniversalClient, checkpointTypes []string, logger *slog.Logger) *RedisPool {
	types := make(map[string]bool, len(checkpointTypes))
	for _, t := range checkpointTypes {
		types[t] = true
	}
	return &RedisPool{
		client:         client,
		checkpointable: types,
		logger:         logger.With("component", "redis-pool"),
	}
}

// SupportsCheckpoint reports whether taskType was configured as
// checkpointable.
func (p *RedisPool) SupportsCheckpoint(taskType string) bool {
	return p.checkpointable[taskType]
}

// Dispatch pushes the job onto its queue's list.
func (p *RedisPool) Dispatch(ctx context.Context, task *model.Task) (string, error) {
	job := Job{
		TaskID:        task.ID,
		WorkflowID:    task.WorkflowID,
		Attempt:       task.Attempts,
		Handle:        "redis:" + uuid.New().String(),
		Queue:         task.QueueName,
		TaskType:      task.TaskType,
		Dependency:    task.Dependency,
		PayloadRef:    task.PayloadRef,
		Inputs:        task.Inputs,
		CheckpointRef: task.CheckpointRef,
		Deadline:      task.Deadline,
		DispatchedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", task.ID, err)
	}
	if err := p.client.LPush(ctx, JobsKey(task.QueueName), data).Err(); err != nil {
		return "", fmt.Errorf("push job %s: %w", task.ID, err)
	}
	p.logger.DebugContext(ctx, "job pushed", "task_id", task.ID, "attempt", task.Attempts, "queue", task.QueueName)
	return job.Handle, nil
}

// Checkpoint sets the request key and waits on the reply list until ctx's
// deadline.
func (p *RedisPool) Checkpoint(ctx context.Context, task *model.Task) (string, error) {
	if !p.SupportsCheckpoint(task.TaskType) {
		return "", model.ErrCheckpointUnsupported
	}
	reqKey := CheckpointKey(task.ID, task.Attempts)
	replyKey := CheckpointReplyKey(task.ID, task.Attempts)
	if err := p.client.Set(ctx, reqKey, replyKey, controlTTL).Err(); err != nil {
		return "", fmt.Errorf("request checkpoint %s: %w", task.ID, err)
	}

	wait := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if wait < time.Second {
		// BLPOP has second granularity; zero would block forever.
		wait = time.Second
	}
	res, err := p.client.BLPop(ctx, wait, replyKey).Result()
	if err != nil {
		// The worker must not checkpoint after we gave up.
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		p.client.Del(cleanup, reqKey)
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("checkpoint %s: %w", task.ID, context.DeadlineExceeded)
		}
		return "", fmt.Errorf("await checkpoint %s: %w", task.ID, err)
	}
	// BLPOP returns [key, value].
	return res[1], nil
}

// Cancel flags the attempt; the worker polls the key while the job runs.
func (p *RedisPool) Cancel(ctx context.Context, task *model.Task) error {
	if err := p.client.Set(ctx, CancelKey(task.ID, task.Attempts), "1", controlTTL).Err(); err != nil {
		return fmt.Errorf("cancel %s: %w", task.ID, err)
	}
	return nil
}

// Depth returns the number of jobs waiting on queue's list.
func (p *RedisPool) Depth(ctx context.Context, queue string) (int64, error) {
	return p.client.LLen(ctx, JobsKey(queue)).Result()
}

var _ Pool = (*RedisPool)(nil)
