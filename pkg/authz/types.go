// Package authz provides authorization primitives for the content
// repository API. Decisions come from a pluggable Authorizer: a CEL policy
// expression, or a no-op mode for development.
package authz

import "context"

// Resource names used in authorization requests.
const (
	ResourceCollections   = "collections"
	ResourceNamespaces    = "namespaces"
	ResourceRepositories  = "repositories"
	ResourceDistributions = "distributions"
	ResourceRemotes       = "remotes"
	ResourceSignatures    = "signatures"
	ResourceTasks         = "tasks"
	ResourceSearch        = "search"
	ResourceOrphans       = "orphans"
)

// Verb names used in authorization requests.
const (
	VerbGet    = "get"
	VerbList   = "list"
	VerbCreate = "create"
	VerbUpdate = "update"
	VerbDelete = "delete"
	VerbUpload = "upload"
	VerbSync   = "sync"
	VerbSign   = "sign"
	VerbCopy   = "copy"
)

// AuthzRequest represents an authorization check.
type AuthzRequest struct {
	User          string
	Groups        []string
	Authenticated bool
	Resource      string
	Verb          string
	// Namespace is the collection namespace the request touches, when
	// there is one.
	Namespace string
}

// Authorizer checks whether a user is authorized to perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}
