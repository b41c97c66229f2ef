package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// GetTaskHandler handles GET /pulp/api/v3/tasks/{taskId}/
func GetTaskHandler(store *TaskStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		task, err := store.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get task: %v", err))
			return
		}
		if task == nil {
			writeError(w, http.StatusNotFound, "Not found.")
			return
		}
		writeJSON(w, http.StatusOK, taskToResponse(task))
	}
}

// ListTasksHandler handles GET /pulp/api/v3/tasks/
// Query params: name, state, requested_by, reserved_resources, limit, page_token
func ListTasksHandler(store *TaskStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := TaskListFilter{
			Name:        q.Get("name"),
			State:       q.Get("state"),
			RequestedBy: q.Get("requested_by"),
			Resource:    q.Get("reserved_resources"),
		}

		pageSize := 20
		if ps := q.Get("limit"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, q.Get("page_token"))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to list tasks: %v", err))
			return
		}

		results := make([]taskResponse, len(records))
		for i := range records {
			results[i] = taskToResponse(&records[i])
		}

		var next *string
		if nextToken != "" {
			u := *r.URL
			params := u.Query()
			params.Set("page_token", nextToken)
			u.RawQuery = params.Encode()
			s := u.String()
			next = &s
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":    total,
			"next":     next,
			"previous": nil,
			"results":  results,
		})
	}
}

// CancelTaskHandler handles PATCH /pulp/api/v3/tasks/{taskId}/ with body
// {"state": "canceled"}.
func CancelTaskHandler(store *TaskStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		var body struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.State != string(TaskStateCanceled) {
			writeError(w, http.StatusBadRequest, `only {"state": "canceled"} is accepted`)
			return
		}

		if err := store.Cancel(r.Context(), taskID); err != nil {
			switch {
			case errors.Is(err, ErrTaskNotFound):
				writeError(w, http.StatusNotFound, "Not found.")
			case errors.Is(err, ErrNotCancelable):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to cancel task: %v", err))
			}
			return
		}
		task, err := store.Get(r.Context(), taskID)
		if err != nil || task == nil {
			writeError(w, http.StatusInternalServerError, "failed to reload task")
			return
		}
		writeJSON(w, http.StatusOK, taskToResponse(task))
	}
}

// taskResponse is the API response for a task.
type taskResponse struct {
	Href              string         `json:"pulp_href"`
	Created           string         `json:"pulp_created"`
	Name              string         `json:"name"`
	State             string         `json:"state"`
	StartedAt         string         `json:"started_at,omitempty"`
	FinishedAt        string         `json:"finished_at,omitempty"`
	Error             *taskError     `json:"error"`
	CreatedResources  []string       `json:"created_resources"`
	ReservedResources []string       `json:"reserved_resources_record"`
	Progress          map[string]any `json:"progress"`
	RequestedBy       string         `json:"requested_by,omitempty"`
}

type taskError struct {
	Description string `json:"description"`
}

// TaskHref is the API path of a task.
func TaskHref(id string) string {
	return "/pulp/api/v3/tasks/" + url.PathEscape(id) + "/"
}

func taskToResponse(task *Task) taskResponse {
	resp := taskResponse{
		Href:              TaskHref(task.ID),
		Created:           task.CreatedAt.Format(time.RFC3339),
		Name:              task.Name,
		State:             string(task.State),
		CreatedResources:  append([]string{}, task.CreatedResources...),
		ReservedResources: append(append([]string{}, task.ExclusiveResources...), sharedRecord(task.SharedResources)...),
		Progress:          task.Progress,
		RequestedBy:       task.RequestedBy,
	}
	if resp.Progress == nil {
		resp.Progress = map[string]any{}
	}
	if task.State == TaskStateFailed || task.State == TaskStateCanceled {
		resp.Error = &taskError{Description: task.Error}
	}
	if task.StartedAt != nil {
		resp.StartedAt = task.StartedAt.Format(time.RFC3339)
	}
	if task.FinishedAt != nil {
		resp.FinishedAt = task.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func sharedRecord(shared []string) []string {
	out := make([]string, 0, len(shared))
	for _, s := range shared {
		out = append(out, "shared:"+s)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
