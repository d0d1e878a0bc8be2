package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/fairq/internal/notify"
	"github.com/me/fairq/internal/redisconn"
	"github.com/me/fairq/pkg/model"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLogNotifier_Dedupes(t *testing.T) {
	n := notify.NewLogNotifier(discard())
	ev := model.WorkflowEvent{WorkflowID: "wf_1", TenantID: "acme", Status: model.WorkflowStatusCompleted}

	require.NoError(t, n.Notify(context.Background(), ev))
	require.NoError(t, n.Notify(context.Background(), ev))
	assert.True(t, n.Delivered("wf_1"))
	assert.False(t, n.Delivered("wf_2"))
}

func TestRedisNotifier_PublishesOnce(t *testing.T) {
	url := os.Getenv("FAIRQ_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FAIRQ_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := redisconn.Connect(ctx, redisconn.DefaultConfig(url))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	wfID := "wf_test_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { client.Del(context.Background(), notify.NotifiedKey(wfID)) })

	sub := client.Subscribe(ctx, notify.Channel)
	t.Cleanup(func() { sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	n := notify.NewRedisNotifier(client, discard())
	ev := model.WorkflowEvent{WorkflowID: wfID, Status: model.WorkflowStatusFailed}
	require.NoError(t, n.Notify(ctx, ev))
	require.NoError(t, n.Notify(ctx, ev))

	select {
	case msg := <-sub.Channel():
		var got model.WorkflowEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, wfID, got.WorkflowID)
		assert.Equal(t, model.WorkflowStatusFailed, got.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("no message published")
	}

	select {
	case msg := <-sub.Channel():
		t.Fatalf("second publish: %s", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}
