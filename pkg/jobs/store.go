package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ansible/content-repository/pkg/database"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotCancelable is returned when canceling a task that already started.
	ErrNotCancelable = errors.New("only waiting tasks can be canceled")
)

// claimScan bounds how many waiting tasks one claim looks at.
const claimScan = 100

// TaskStore provides database operations for tasks.
type TaskStore struct {
	db *gorm.DB
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

// AutoMigrate creates or updates the tasks table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Task{})
}

// TaskListFilter defines filters for listing tasks.
type TaskListFilter struct {
	Name        string
	State       string
	RequestedBy string
	// Resource matches tasks holding the resource exclusively or shared.
	Resource string
}

// Enqueue creates a new waiting task. If IdempotencyKey is set and a
// non-terminal task with the same key exists, that task is returned
// instead of creating a duplicate.
func (s *TaskStore) Enqueue(ctx context.Context, task *Task) (*Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.State = TaskStateWaiting
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	var result *Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if task.IdempotencyKey != "" {
			var existing Task
			err := tx.Where("idempotency_key = ? AND state IN ?", task.IdempotencyKey,
				[]TaskState{TaskStateWaiting, TaskStateRunning}).First(&existing).Error
			if err == nil {
				result = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("check idempotency key: %w", err)
			}
		}
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("enqueue task: %w", err)
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// held tracks resources claimed by running tasks and by older waiting
// tasks that are still blocked.
type held struct {
	exclusive mapset.Set[string]
	shared    mapset.Set[string]
}

func newHeld() *held {
	return &held{exclusive: mapset.NewThreadUnsafeSet[string](), shared: mapset.NewThreadUnsafeSet[string]()}
}

func (h *held) add(t *Task) {
	h.exclusive.Append(t.ExclusiveResources...)
	h.shared.Append(t.SharedResources...)
}

func (h *held) blocks(t *Task) bool {
	for _, r := range t.ExclusiveResources {
		if h.exclusive.Contains(r) || h.shared.Contains(r) {
			return true
		}
	}
	for _, r := range t.SharedResources {
		if h.exclusive.Contains(r) {
			return true
		}
	}
	return false
}

// Claim picks the oldest waiting task whose resources are free and
// transitions it to running. Waiting tasks keep their queue position: a
// task never overtakes an older one that needs the same resource.
// Returns nil if no task can run.
func (s *TaskStore) Claim(ctx context.Context) (*Task, error) {
	db := s.db.WithContext(ctx)
	var running []Task
	if err := db.Select("id", "exclusive_resources", "shared_resources").
		Where("state = ?", TaskStateRunning).Find(&running).Error; err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	h := newHeld()
	for i := range running {
		h.add(&running[i])
	}

	var waiting []Task
	if err := db.Where("state = ?", TaskStateWaiting).
		Order("created_at ASC").Limit(claimScan).Find(&waiting).Error; err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	for i := range waiting {
		t := &waiting[i]
		if h.blocks(t) {
			h.add(t)
			continue
		}
		now := time.Now()
		res := db.Model(&Task{}).Where("id = ? AND state = ?", t.ID, TaskStateWaiting).
			Updates(map[string]any{"state": TaskStateRunning, "started_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("claim task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// another worker took it
			h.add(t)
			continue
		}
		t.State = TaskStateRunning
		t.StartedAt = &now
		return t, nil
	}
	return nil, nil
}

// Complete marks a task as completed.
func (s *TaskStore) Complete(ctx context.Context, taskID string, out *Outcome) error {
	updates := map[string]any{
		"state":       TaskStateCompleted,
		"finished_at": time.Now(),
	}
	if out != nil {
		updates["created_resources"] = database.StringSlice(out.CreatedResources)
		if out.Progress != nil {
			updates["progress"] = database.JSONMap(out.Progress)
		}
	}
	if err := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Fail marks a task as failed with the error description. Progress
// recorded before the failure is kept.
func (s *TaskStore) Fail(ctx context.Context, taskID string, errMsg string, progress map[string]any) error {
	updates := map[string]any{
		"state":       TaskStateFailed,
		"error":       errMsg,
		"finished_at": time.Now(),
	}
	if progress != nil {
		updates["progress"] = database.JSONMap(progress)
	}
	if err := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// Cancel marks a waiting task as canceled. A running task finishes or
// fails on its own; its draft is discarded only when it fails.
func (s *TaskStore) Cancel(ctx context.Context, taskID string) error {
	db := s.db.WithContext(ctx)
	result := db.Model(&Task{}).
		Where("id = ? AND state = ?", taskID, TaskStateWaiting).
		Updates(map[string]any{
			"state":       TaskStateCanceled,
			"finished_at": time.Now(),
			"error":       "Canceled by user",
		})
	if result.Error != nil {
		return fmt.Errorf("cancel task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		task, err := s.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("%w: task %s is %s", ErrNotCancelable, taskID, task.State)
	}
	return nil
}

// Get retrieves a task by ID. It returns nil when the task does not exist.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// List returns paginated tasks matching the given filter, newest first.
func (s *TaskStore) List(ctx context.Context, filter TaskListFilter, pageSize int, pageToken string) ([]Task, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&Task{})
		if filter.Name != "" {
			q = q.Where("name = ?", filter.Name)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		if filter.Resource != "" {
			like := "%\"" + filter.Resource + "\"%"
			q = q.Where("exclusive_resources LIKE ? OR shared_resources LIKE ?", like, like)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count tasks: %w", err)
	}

	query := buildQuery(db).Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []Task
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list tasks: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// FailStuckTasks fails running tasks whose started_at is older than
// claimTimeout. Their drafts were never finalized, so no repository
// changed.
func (s *TaskStore) FailStuckTasks(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-claimTimeout)
	result := s.db.WithContext(ctx).Model(&Task{}).
		Where("state = ? AND started_at < ?", TaskStateRunning, cutoff).
		Updates(map[string]any{
			"state":       TaskStateFailed,
			"finished_at": time.Now(),
			"error":       "Timed out (worker lost)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("fail stuck tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal tasks finished before cutoff.
func (s *TaskStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("state IN ? AND finished_at < ?",
		[]TaskState{TaskStateCompleted, TaskStateFailed, TaskStateCanceled}, cutoff).
		Delete(&Task{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
