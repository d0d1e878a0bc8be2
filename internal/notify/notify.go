// Package notify delivers workflow completion events. Every notifier is
// idempotent on the workflow id.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/me/fairq/pkg/model"
)

// Notifier delivers a workflow completion event.
type Notifier interface {
	Notify(ctx context.Context, ev model.WorkflowEvent) error
}

// LogNotifier writes events to the log, once per workflow per process.
type LogNotifier struct {
	mu     sync.Mutex
	seen   map[string]bool
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{
		seen:   make(map[string]bool),
		logger: logger.With("component", "notifier"),
	}
}

// Notify logs ev unless the workflow was already reported.
func (n *LogNotifier) Notify(ctx context.Context, ev model.WorkflowEvent) error {
	n.mu.Lock()
	if n.seen[ev.WorkflowID] {
		n.mu.Unlock()
		return nil
	}
	n.seen[ev.WorkflowID] = true
	n.mu.Unlock()

	n.logger.InfoContext(ctx, "workflow finished",
		"workflow_id", ev.WorkflowID,
		"tenant_id", ev.TenantID,
		"status", ev.Status,
	)
	return nil
}

// Delivered reports whether workflowID has been notified.
func (n *LogNotifier) Delivered(workflowID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen[workflowID]
}

const (
	// Channel is the pub/sub channel RedisNotifier publishes on.
	Channel = "fairq:workflows"

	notifiedPrefix = "fairq:notified:"
	defaultMarkTTL = 7 * 24 * time.Hour
)

// RedisNotifier publishes events on Channel. A SETNX marker shared by all
// replicas makes delivery at most once per workflow.
type RedisNotifier struct {
	client  redis.UniversalClient
	markTTL time.Duration
	logger  *slog.Logger
}

// NewRedisNotifier creates a RedisNotifier.
func NewRedisNotifier(client redis.UniversalClient, logger *slog.Logger) *RedisNotifier {
	return &RedisNotifier{
		client:  client,
		markTTL: defaultMarkTTL,
		logger:  logger.With("component", "notifier", "backend", "redis"),
	}
}

// NotifiedKey is the dedupe marker for workflowID.
func NotifiedKey(workflowID string) string { return notifiedPrefix + workflowID }

// Notify publishes ev if no replica has done so yet. A failed publish
// removes the marker so the next attempt can deliver.
func (n *RedisNotifier) Notify(ctx context.Context, ev model.WorkflowEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	first, err := n.client.SetNX(ctx, NotifiedKey(ev.WorkflowID), string(ev.Status), n.markTTL).Result()
	if err != nil {
		return fmt.Errorf("mark %s notified: %w", ev.WorkflowID, err)
	}
	if !first {
		n.logger.DebugContext(ctx, "already notified", "workflow_id", ev.WorkflowID)
		return nil
	}

	if err := n.client.Publish(ctx, Channel, payload).Err(); err != nil {
		n.client.Del(context.WithoutCancel(ctx), NotifiedKey(ev.WorkflowID))
		return fmt.Errorf("publish %s: %w", ev.WorkflowID, err)
	}
	n.logger.InfoContext(ctx, "workflow finished", "workflow_id", ev.WorkflowID, "status", ev.Status)
	return nil
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*RedisNotifier)(nil)
)
