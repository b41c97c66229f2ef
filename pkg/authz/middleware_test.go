package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

// recordingAuthorizer returns a fixed decision and keeps the last request.
type recordingAuthorizer struct {
	allowed bool
	err     error
	last    AuthzRequest
}

func (a *recordingAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	a.last = req
	return a.allowed, a.err
}

func TestRequirePermission_Allowed(t *testing.T) {
	authorizer := &recordingAuthorizer{allowed: true}

	r := chi.NewRouter()
	r.With(RequirePermission(authorizer, ResourceCollections, VerbDelete)).
		Delete("/collections/{namespace}/{name}/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})

	req := httptest.NewRequest(http.MethodDelete, "/collections/acme/tools/", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{User: "alice", Groups: []string{"acme"}, Authenticated: true}))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	want := AuthzRequest{User: "alice", Groups: []string{"acme"}, Authenticated: true,
		Resource: ResourceCollections, Verb: VerbDelete, Namespace: "acme"}
	if authorizer.last.Namespace != want.Namespace || authorizer.last.User != want.User ||
		!authorizer.last.Authenticated || authorizer.last.Verb != want.Verb {
		t.Errorf("request = %+v, want %+v", authorizer.last, want)
	}
}

func TestRequirePermission_Denied(t *testing.T) {
	handler := RequirePermission(&recordingAuthorizer{}, ResourceRepositories, VerbSync)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called when denied")
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}

	var body struct {
		Errors []map[string]string `json:"errors"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if len(body.Errors) != 1 || body.Errors[0]["code"] != "permission_denied" || body.Errors[0]["status"] != "403" {
		t.Errorf("errors = %v", body.Errors)
	}
}

func TestRequirePermission_AuthorizerError(t *testing.T) {
	handler := RequirePermission(&recordingAuthorizer{err: errors.New("policy blew up")}, ResourceTasks, VerbGet)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called on error")
		}),
	)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestAuthzMiddleware_UsesMappedNamespace(t *testing.T) {
	authorizer := &recordingAuthorizer{allowed: true}
	handler := AuthzMiddleware(authorizer)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/pulp_ansible/galaxy/published/api/v3/collections/acme/tools/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if authorizer.last.Namespace != "acme" || authorizer.last.Verb != VerbGet {
		t.Errorf("request = %+v", authorizer.last)
	}
}

func TestAuthzMiddleware_UnknownEndpoint(t *testing.T) {
	handler := AuthzMiddleware(&NoopAuthorizer{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called for unknown endpoint")
		}),
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/unknown/path", nil))

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}
