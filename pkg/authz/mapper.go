package authz

import (
	"net/http"
	"strings"
)

// ResourceMapping maps an HTTP request to a resource and verb for authorization.
type ResourceMapping struct {
	Resource  string
	Verb      string
	Namespace string
}

// UnknownMapping is returned when no known pattern matches the request.
// Callers should deny requests with this mapping by default.
var UnknownMapping = ResourceMapping{}

// MapRequest maps an HTTP method and URL path to a ResourceMapping.
func MapRequest(method, path string) ResourceMapping {
	path = strings.Trim(path, "/")

	if rest, ok := cutAfter(path, "api/v3/"); ok && strings.HasPrefix(path, "pulp_ansible/galaxy/") {
		return mapGalaxyRoute(method, rest)
	}
	if strings.HasPrefix(path, "pulp_ansible/galaxy/") && (strings.HasSuffix(path, "/api") || strings.HasSuffix(path, "/api/v3")) {
		return ResourceMapping{Resource: ResourceCollections, Verb: VerbGet}
	}
	if rest, ok := strings.CutPrefix(path, "pulp/api/v3/"); ok {
		return mapPulpRoute(method, rest)
	}
	// content app downloads
	if strings.HasPrefix(path, "v3/artifacts/collections/") && method == http.MethodGet {
		return ResourceMapping{Resource: ResourceCollections, Verb: VerbGet}
	}
	return UnknownMapping
}

func cutAfter(s, sep string) (string, bool) {
	i := strings.Index(s, sep)
	if i < 0 {
		return "", false
	}
	return s[i+len(sep):], true
}

// mapGalaxyRoute handles paths below {base}/api/v3/.
func mapGalaxyRoute(method, rest string) ResourceMapping {
	parts := strings.Split(rest, "/")
	switch {
	case parts[0] == "plugin" && len(parts) > 2 && parts[2] == "search":
		return ResourceMapping{Resource: ResourceSearch, Verb: VerbList}
	case parts[0] == "plugin" && len(parts) > 2 && parts[2] == "content" && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceCollections, Verb: VerbGet}
	case parts[0] == "artifacts" && method == http.MethodPost:
		return ResourceMapping{Resource: ResourceCollections, Verb: VerbUpload}
	case parts[0] == "artifacts":
		return ResourceMapping{Resource: ResourceCollections, Verb: VerbGet}
	case parts[0] == "namespaces":
		if len(parts) == 1 || parts[1] == "" {
			return ResourceMapping{Resource: ResourceNamespaces, Verb: VerbList}
		}
		return ResourceMapping{Resource: ResourceNamespaces, Verb: verbFor(method, false), Namespace: parts[1]}
	case parts[0] == "collections":
		m := ResourceMapping{Resource: ResourceCollections}
		if len(parts) > 1 && parts[1] != "" && parts[1] != "all" {
			m.Namespace = parts[1]
		}
		// collections/, collections/{ns}/{name}/versions/ are listings
		list := len(parts) == 1 || parts[len(parts)-1] == "versions" || parts[1] == "all"
		m.Verb = verbFor(method, list)
		return m
	}
	return UnknownMapping
}

// mapPulpRoute handles paths below /pulp/api/v3/.
func mapPulpRoute(method, rest string) ResourceMapping {
	parts := strings.Split(rest, "/")
	var resource string
	switch parts[0] {
	case "tasks":
		resource = ResourceTasks
	case "repositories":
		resource = ResourceRepositories
	case "distributions":
		resource = ResourceDistributions
	case "remotes":
		resource = ResourceRemotes
	case "signing-services":
		resource = ResourceSignatures
	case "contentguards":
		resource = ResourceDistributions
	case "orphans":
		if method != http.MethodPost {
			return UnknownMapping
		}
		return ResourceMapping{Resource: ResourceOrphans, Verb: VerbDelete}
	case "content":
		if strings.Contains(rest, "collection_signatures") {
			if method == http.MethodPost {
				return ResourceMapping{Resource: ResourceSignatures, Verb: VerbUpload}
			}
			resource = ResourceSignatures
		} else {
			resource = ResourceCollections
		}
	default:
		return UnknownMapping
	}

	if resource == ResourceRepositories && method == http.MethodPost && len(parts) > 1 {
		switch parts[len(parts)-1] {
		case "sync":
			return ResourceMapping{Resource: resource, Verb: VerbSync}
		case "sign":
			return ResourceMapping{Resource: resource, Verb: VerbSign}
		case "copy_collection_version", "move_collection_version":
			return ResourceMapping{Resource: resource, Verb: VerbCopy}
		case "mark", "unmark", "deprecate", "undeprecate", "namespace_metadata":
			return ResourceMapping{Resource: resource, Verb: VerbUpdate}
		}
	}
	// {kind}/{plugin}/{type}/ is the collection; anything deeper is an item
	list := len(parts) <= 3 || parts[len(parts)-1] == "versions"
	if parts[0] == "tasks" || parts[0] == "signing-services" {
		list = len(parts) == 1
	}
	return ResourceMapping{Resource: resource, Verb: verbFor(method, list)}
}

func verbFor(method string, list bool) string {
	switch method {
	case http.MethodPost:
		return VerbCreate
	case http.MethodPut, http.MethodPatch:
		return VerbUpdate
	case http.MethodDelete:
		return VerbDelete
	}
	if list {
		return VerbList
	}
	return VerbGet
}
