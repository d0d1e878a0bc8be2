package preempt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/pkg/model"
)

type fakePool struct {
	unsupported map[string]bool
	err         error
	calls       []string
	cancelled   []string
}

func (p *fakePool) Checkpoint(_ context.Context, task *model.Task) (string, error) {
	p.calls = append(p.calls, task.ID)
	if p.err != nil {
		return "", p.err
	}
	return "ckpt://" + task.ID, nil
}

func (p *fakePool) Cancel(_ context.Context, task *model.Task) error {
	p.cancelled = append(p.cancelled, task.ID)
	return nil
}

func (p *fakePool) SupportsCheckpoint(taskType string) bool { return !p.unsupported[taskType] }

type fakeStore struct {
	updated []*model.Task
	err     error
	// stale fails that many updates with ErrStaleVersion.
	stale int
	// fresh is what GetTask returns.
	fresh *model.Task
}

func (s *fakeStore) GetTask(_ context.Context, _ string) (*model.Task, error) {
	return s.fresh.Clone(), nil
}

func (s *fakeStore) UpdateTask(_ context.Context, task *model.Task) error {
	if s.err != nil {
		return s.err
	}
	if s.stale > 0 {
		s.stale--
		return model.ErrStaleVersion
	}
	task.Version++
	s.updated = append(s.updated, task.Clone())
	return nil
}

type fakeSlots struct{ released []string }

func (s *fakeSlots) ReleaseTask(task *model.Task) {
	s.released = append(s.released, task.ID)
}

var now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func testManager(t *testing.T, pool *fakePool, st *fakeStore, slots *fakeSlots) *Manager {
	t.Helper()
	cfg := config.DefaultSchedulerConfig()
	cfg.Queues[0].ConcurrencyLimit = 2
	cfg.Queues[0].Preemptive = true
	cfg.Queues[0].MinPreemptionTime = time.Minute
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(config.NewHolder(cfg), pool, st, slots, logger,
		WithClock(func() time.Time { return now }))
}

func runningTask(id, tier string, started time.Duration) *model.Task {
	s := now.Add(-started)
	return &model.Task{
		ID:            id,
		QueueName:     "default",
		TenantID:      "tenant-" + tier,
		TenantTier:    tier,
		PriorityClass: "normal",
		TaskType:      "train",
		State:         model.TaskStateRunning,
		Attempts:      1,
		Handle:        "h-" + id,
		StartedAt:     &s,
		Version:       3,
	}
}

func pendingTask(id, tier string) *model.Task {
	return &model.Task{
		ID:            id,
		QueueName:     "default",
		TenantID:      "tenant-" + tier,
		TenantTier:    tier,
		PriorityClass: "normal",
		TaskType:      "train",
		State:         model.TaskStatePending,
	}
}

func TestSelectVictim(t *testing.T) {
	tests := []struct {
		name     string
		incoming *model.Task
		running  []*model.Task
		noCkpt   map[string]bool
		want     string
	}{
		{
			name:     "longest running standard task",
			incoming: pendingTask("p", "premium"),
			running:  []*model.Task{runningTask("s1", "standard", 2*time.Minute), runningTask("s2", "standard", 5*time.Minute)},
			want:     "s2",
		},
		{
			name:     "lowest rank first",
			incoming: pendingTask("p", "premium"),
			running:  []*model.Task{runningTask("s1", "standard", 10*time.Minute), runningTask("f1", "free", 2*time.Minute)},
			want:     "f1",
		},
		{
			name:     "too young to preempt",
			incoming: pendingTask("p", "premium"),
			running:  []*model.Task{runningTask("s1", "standard", 30*time.Second)},
			want:     "",
		},
		{
			name:     "equal rank is never preempted",
			incoming: pendingTask("p", "standard"),
			running:  []*model.Task{runningTask("s1", "standard", 10*time.Minute)},
			want:     "",
		},
		{
			name:     "checkpoint unsupported",
			incoming: pendingTask("p", "premium"),
			running:  []*model.Task{runningTask("s1", "standard", 10*time.Minute)},
			noCkpt:   map[string]bool{"train": true},
			want:     "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManager(t, &fakePool{unsupported: tt.noCkpt}, &fakeStore{}, &fakeSlots{})
			got := m.SelectVictim(tt.incoming, tt.running)
			gotID := ""
			if got != nil {
				gotID = got.ID
			}
			if gotID != tt.want {
				t.Errorf("victim = %q, want %q", gotID, tt.want)
			}
		})
	}
}

func TestSelectVictim_NonPreemptiveQueue(t *testing.T) {
	m := testManager(t, &fakePool{}, &fakeStore{}, &fakeSlots{})
	cfg := *m.cfg.Current()
	cfg.Queues = []config.QueueConfig{{Name: "default", ConcurrencyLimit: 2}}
	m.cfg = config.NewHolder(&cfg)

	if v := m.SelectVictim(pendingTask("p", "premium"), []*model.Task{runningTask("s1", "free", time.Hour)}); v != nil {
		t.Errorf("victim = %s, want none", v.ID)
	}
}

func TestMaybePreempt(t *testing.T) {
	pool, st, slots := &fakePool{}, &fakeStore{}, &fakeSlots{}
	m := testManager(t, pool, st, slots)
	var hooked []string
	m.onPreempt = func(q string) { hooked = append(hooked, q) }

	victim := runningTask("s1", "standard", 5*time.Minute)
	id, err := m.MaybePreempt(context.Background(), pendingTask("p", "premium"), []*model.Task{victim})
	if err != nil {
		t.Fatalf("MaybePreempt: %v", err)
	}
	if id != "s1" {
		t.Fatalf("victim = %q, want s1", id)
	}
	if victim.State != model.TaskStatePreempted {
		t.Errorf("state = %s, want PREEMPTED", victim.State)
	}
	if victim.CheckpointRef != "ckpt://s1" {
		t.Errorf("checkpoint ref = %q, want ckpt://s1", victim.CheckpointRef)
	}
	if victim.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (preempted attempt given back)", victim.Attempts)
	}
	if victim.Handle != "" || victim.StartedAt != nil {
		t.Errorf("handle/startedAt not cleared: %q %v", victim.Handle, victim.StartedAt)
	}
	if victim.Version != 4 {
		t.Errorf("version = %d, want 4", victim.Version)
	}
	if len(slots.released) != 1 || slots.released[0] != "s1" {
		t.Errorf("released = %v, want [s1]", slots.released)
	}
	if len(hooked) != 1 {
		t.Errorf("hook calls = %d, want 1", len(hooked))
	}
}

func TestMaybePreempt_CheckpointRefused(t *testing.T) {
	pool := &fakePool{err: model.ErrCheckpointUnsupported}
	st, slots := &fakeStore{}, &fakeSlots{}
	m := testManager(t, pool, st, slots)

	victim := runningTask("s1", "standard", 5*time.Minute)
	id, err := m.MaybePreempt(context.Background(), pendingTask("p", "premium"), []*model.Task{victim})
	if err != nil {
		t.Fatalf("MaybePreempt: %v", err)
	}
	if id != "" {
		t.Errorf("victim = %q, want none", id)
	}
	if victim.State != model.TaskStateRunning {
		t.Errorf("state = %s, want RUNNING", victim.State)
	}
	if len(st.updated) != 0 || len(slots.released) != 0 {
		t.Errorf("refused preemption must not write or release")
	}
}

type failure struct {
	taskID  string
	attempt int
	kind    model.ErrorKind
}

func TestPreempt_StaleVersionRecordedOnFreshCopy(t *testing.T) {
	victim := runningTask("s1", "standard", 5*time.Minute)
	fresh := victim.Clone()
	fresh.Version = 5
	fresh.CheckpointRef = "progress"
	pool, st, slots := &fakePool{}, &fakeStore{stale: 1, fresh: fresh}, &fakeSlots{}
	m := testManager(t, pool, st, slots)

	if err := m.Preempt(context.Background(), victim); err != nil {
		t.Fatalf("Preempt: %v", err)
	}
	if len(st.updated) != 1 || st.updated[0].Version != 6 {
		t.Fatalf("updates = %d, want one on the re-read version", len(st.updated))
	}
	if victim.State != model.TaskStatePreempted || victim.CheckpointRef != "ckpt://s1" {
		t.Errorf("victim = %s ref=%q, want PREEMPTED ckpt://s1", victim.State, victim.CheckpointRef)
	}
	if len(slots.released) != 1 || len(pool.cancelled) != 0 {
		t.Errorf("released=%v cancelled=%v, want one release and no abort", slots.released, pool.cancelled)
	}
}

func TestPreempt_UnrecordedSuspensionFailsAttempt(t *testing.T) {
	victim := runningTask("s1", "standard", 5*time.Minute)
	pool := &fakePool{}
	st := &fakeStore{stale: staleRetries, fresh: victim.Clone()}
	slots := &fakeSlots{}
	var failed []failure
	m := testManager(t, pool, st, slots)
	m.fail = func(id string, attempt int, terr model.TaskError) {
		failed = append(failed, failure{id, attempt, terr.Kind})
	}

	err := m.Preempt(context.Background(), victim)
	if !errors.Is(err, model.ErrStaleVersion) {
		t.Fatalf("err = %v, want ErrStaleVersion", err)
	}
	if victim.State != model.TaskStateRunning || victim.Attempts != 1 {
		t.Errorf("victim mutated on failed commit: %s attempts=%d", victim.State, victim.Attempts)
	}
	if len(slots.released) != 0 {
		t.Errorf("released = %v, want none", slots.released)
	}
	if len(pool.cancelled) != 1 || pool.cancelled[0] != "s1" {
		t.Errorf("cancelled = %v, want [s1]", pool.cancelled)
	}
	want := failure{"s1", 1, model.ErrorKindExecutionFailed}
	if len(failed) != 1 || failed[0] != want {
		t.Errorf("failed = %+v, want [%+v]", failed, want)
	}
}

func TestPreempt_AttemptSettledConcurrently(t *testing.T) {
	victim := runningTask("s1", "standard", 5*time.Minute)
	done := victim.Clone()
	done.State = model.TaskStateCompleted
	pool, st, slots := &fakePool{}, &fakeStore{stale: 1, fresh: done}, &fakeSlots{}
	failed := 0
	m := testManager(t, pool, st, slots)
	m.fail = func(string, int, model.TaskError) { failed++ }

	if err := m.Preempt(context.Background(), victim); err == nil {
		t.Fatal("Preempt: want error")
	}
	if len(pool.cancelled) != 0 || failed != 0 || len(slots.released) != 0 {
		t.Errorf("settled attempt touched: cancelled=%v failed=%d released=%v", pool.cancelled, failed, slots.released)
	}
}
