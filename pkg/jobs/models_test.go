package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskTableName(t *testing.T) {
	assert.Equal(t, "tasks", Task{}.TableName())
}

func TestTaskIsTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStateWaiting, false},
		{TaskStateRunning, false},
		{TaskStateCompleted, true},
		{TaskStateFailed, true},
		{TaskStateCanceled, true},
	}

	for _, tc := range tests {
		t.Run(string(tc.state), func(t *testing.T) {
			task := &Task{State: tc.state}
			assert.Equal(t, tc.terminal, task.IsTerminal())
		})
	}
}

func TestTaskRepositoryIDs(t *testing.T) {
	task := &Task{ExclusiveResources: append(Repositories("a", "b"), "signing-service:x")}
	assert.Equal(t, []string{"repository:a", "repository:b"}, Repositories("a", "b"))
	assert.Equal(t, []string{"a", "b"}, task.RepositoryIDs())
}
