package authz

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// request builds the authorization request for r. The collection namespace
// comes from the "namespace" route parameter when the route has one.
func request(r *http.Request, resource, verb string) AuthzRequest {
	id, _ := IdentityFromContext(r.Context())
	return AuthzRequest{
		User:          id.User,
		Groups:        id.Groups,
		Authenticated: id.Authenticated,
		Resource:      resource,
		Verb:          verb,
		Namespace:     chi.URLParam(r, "namespace"),
	}
}

// RequirePermission returns middleware that enforces a specific resource/verb
// permission check. It retrieves the identity from context (via
// IdentityMiddleware) and calls the authorizer.
func RequirePermission(authorizer Authorizer, resource, verb string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			check(w, r, next, authorizer, request(r, resource, verb))
		})
	}
}

// AuthzMiddleware returns middleware that auto-maps the HTTP method and URL path
// to a (resource, verb) pair and performs the authorization check. This can be
// mounted as global middleware on all routes.
func AuthzMiddleware(authorizer Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mapping := MapRequest(r.Method, r.URL.Path)

			// If we cannot map the request, deny by default.
			if mapping == UnknownMapping {
				writeDenied(w, http.StatusForbidden, "unknown endpoint, access denied")
				return
			}
			req := request(r, mapping.Resource, mapping.Verb)
			if req.Namespace == "" {
				req.Namespace = mapping.Namespace
			}
			check(w, r, next, authorizer, req)
		})
	}
}

func check(w http.ResponseWriter, r *http.Request, next http.Handler, authorizer Authorizer, req AuthzRequest) {
	allowed, err := authorizer.Authorize(r.Context(), req)
	if err != nil {
		writeDenied(w, http.StatusInternalServerError, "authorization check failed")
		return
	}
	if !allowed {
		msg := fmt.Sprintf("insufficient permissions for %s/%s", req.Resource, req.Verb)
		if req.Namespace != "" {
			msg += " in namespace " + req.Namespace
		}
		writeDenied(w, http.StatusForbidden, msg)
		return
	}
	next.ServeHTTP(w, r)
}

// writeDenied writes a galaxy style error body.
func writeDenied(w http.ResponseWriter, status int, detail string) {
	code, title := "permission_denied", "You do not have permission to perform this action."
	if status == http.StatusInternalServerError {
		code, title = "internal_error", "Authorization failed."
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]string{{
			"status": fmt.Sprint(status),
			"code":   code,
			"title":  title,
			"detail": detail,
		}},
	})
}
