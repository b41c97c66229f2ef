package authz

import (
	"context"
	"net/http"
	"strings"
)

// Headers set by the authenticating proxy in front of the API.
const (
	HeaderRemoteUser  = "X-Remote-User"
	HeaderRemoteGroup = "X-Remote-Group"
)

// AnonymousUser is the user name of requests without X-Remote-User.
const AnonymousUser = "anonymous"

type identityCtxKey struct{}

// Identity is the caller of a request.
type Identity struct {
	User   string
	Groups []string
	// Authenticated is false for the anonymous identity.
	Authenticated bool
}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext returns the identity attached by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// identityFromHeaders reads the proxy headers. X-Remote-Group is a comma
// separated list; blank entries are dropped.
func identityFromHeaders(h http.Header) Identity {
	id := Identity{User: strings.TrimSpace(h.Get(HeaderRemoteUser))}
	id.Authenticated = id.User != ""
	if !id.Authenticated {
		id.User = AnonymousUser
	}
	for _, g := range strings.Split(h.Get(HeaderRemoteGroup), ",") {
		if g = strings.TrimSpace(g); g != "" {
			id.Groups = append(id.Groups, g)
		}
	}
	return id
}

// IdentityMiddleware stores the caller's Identity in the request context.
func IdentityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithIdentity(r.Context(), identityFromHeaders(r.Header))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
