package jobs

import (
	"strings"
	"time"

	"github.com/ansible/content-repository/pkg/database"
	"github.com/ansible/content-repository/pkg/repository"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStateWaiting   TaskState = "waiting"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// Task is a persisted unit of background work. ExclusiveResources and
// SharedResources name what the task needs; a task runs only when no
// running task holds one of its exclusive resources exclusively or shared,
// and none of its shared resources exclusively.
type Task struct {
	ID                 string               `gorm:"primaryKey;column:id;type:varchar(36)"`
	Name               string               `gorm:"column:name;index:idx_task_name_state,priority:1;not null"`
	State              TaskState            `gorm:"column:state;index:idx_task_name_state,priority:2;index:idx_task_state;not null;default:waiting"`
	Args               database.JSONMap     `gorm:"column:args;type:text"`
	ExclusiveResources database.StringSlice `gorm:"column:exclusive_resources;type:text"`
	SharedResources    database.StringSlice `gorm:"column:shared_resources;type:text"`
	CreatedResources   database.StringSlice `gorm:"column:created_resources;type:text"`
	Progress           database.JSONMap     `gorm:"column:progress;type:text"`
	Error              string               `gorm:"column:error"`
	RequestedBy        string               `gorm:"column:requested_by"`
	CreatedAt          time.Time            `gorm:"column:created_at;not null"`
	StartedAt          *time.Time           `gorm:"column:started_at"`
	FinishedAt         *time.Time           `gorm:"column:finished_at"`
	IdempotencyKey     string               `gorm:"column:idempotency_key;index:idx_task_idemp_key"`
}

// TableName returns the GORM table name.
func (Task) TableName() string { return "tasks" }

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	switch t.State {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// RepositoryIDs returns the repositories the task reserves exclusively.
func (t *Task) RepositoryIDs() []string {
	prefix := repository.ResourceName("")
	var ids []string
	for _, res := range t.ExclusiveResources {
		if id, ok := strings.CutPrefix(res, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Repositories builds resource names for repository ids.
func Repositories(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, repository.ResourceName(id))
	}
	return out
}
