package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ansible/content-repository/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, s *TaskStore, id string) *Task {
	t.Helper()
	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestWorkerRunsWithReservations(t *testing.T) {
	s := setupStore(t)
	wp := NewWorkerPool(s, nil, nil, nil)

	var reserved []bool
	wp.Register("sync", func(ctx context.Context, task *Task) (*Outcome, error) {
		reserved = append(reserved, repository.Reserved(ctx, "r1"), repository.Reserved(ctx, "r2"))
		return &Outcome{CreatedResources: []string{"version-2"}, Progress: map[string]any{"done": "yes"}}, nil
	})
	task := enqueue(t, s, 0, "sync", Repositories("r1"), Repositories("r2"))

	assert.Equal(t, 1, wp.Drain(context.Background()))
	assert.Equal(t, []bool{true, false}, reserved, "only exclusive resources are reserved")

	got := get(t, s, task.ID)
	assert.Equal(t, TaskStateCompleted, got.State)
	assert.Equal(t, []string{"version-2"}, []string(got.CreatedResources))
	assert.Equal(t, "yes", got.Progress["done"])
}

func TestWorkerRecordsFailures(t *testing.T) {
	s := setupStore(t)
	wp := NewWorkerPool(s, nil, nil, nil)
	wp.Register("import", func(ctx context.Context, task *Task) (*Outcome, error) {
		return &Outcome{Progress: map[string]any{"messages": []any{"reading MANIFEST.json"}}}, errors.New("invalid manifest")
	})
	wp.Register("explode", func(ctx context.Context, task *Task) (*Outcome, error) {
		panic("kaboom")
	})
	failed := enqueue(t, s, 0, "import", nil, nil)
	panicked := enqueue(t, s, 1, "explode", nil, nil)
	unknown := enqueue(t, s, 2, "mystery", nil, nil)

	assert.Equal(t, 3, wp.Drain(context.Background()))

	got := get(t, s, failed.ID)
	assert.Equal(t, TaskStateFailed, got.State)
	assert.Equal(t, "invalid manifest", got.Error)
	assert.Equal(t, []any{"reading MANIFEST.json"}, got.Progress["messages"])

	assert.Contains(t, get(t, s, panicked.ID).Error, "kaboom")
	assert.Contains(t, get(t, s, unknown.ID).Error, `no runner registered for task "mystery"`)
}

func TestWorkerPoolRunPollsUntilCanceled(t *testing.T) {
	s := setupStore(t)
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ClaimTimeout = 0
	cfg.RetentionDays = 0
	wp := NewWorkerPool(s, nil, cfg, nil)

	var ran atomic.Int32
	wp.Register("sync", func(ctx context.Context, task *Task) (*Outcome, error) {
		ran.Add(1)
		return nil, nil
	})
	for i := 0; i < 3; i++ {
		enqueue(t, s, i, "sync", Repositories("r1"), nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wp.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ran.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker pool did not stop")
	}

	tasks, _, _, err := s.List(context.Background(), TaskListFilter{State: string(TaskStateCompleted)}, 10, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestWorkerPoolDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	wp := NewWorkerPool(setupStore(t), nil, cfg, nil)
	wp.Run(context.Background())
}
