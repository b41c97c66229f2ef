package jobs

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ansible/content-repository/pkg/authz"
)

// Router creates a chi.Router for the task API, mounted at
// /pulp/api/v3/tasks. When authorizer is non-nil, endpoints require
// tasks:list, tasks:get and tasks:update permissions.
func Router(store *TaskStore, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()

	guard := func(verb string, h http.HandlerFunc) http.HandlerFunc {
		if authorizer == nil {
			return h
		}
		return authz.RequirePermission(authorizer, authz.ResourceTasks, verb)(h).ServeHTTP
	}

	r.Get("/", guard(authz.VerbList, ListTasksHandler(store)))
	r.Get("/{taskId}/", guard(authz.VerbGet, GetTaskHandler(store)))
	r.Patch("/{taskId}/", guard(authz.VerbUpdate, CancelTaskHandler(store)))

	return r
}
