package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ansible/content-repository/pkg/index"
	"github.com/ansible/content-repository/pkg/repository"
)

type searchRepository struct {
	Name        string            `json:"name"`
	Href        string            `json:"pulp_href"`
	Description string            `json:"description"`
	Labels      map[string]string `json:"pulp_labels"`
}

type searchCollectionVersion struct {
	Namespace       string            `json:"namespace"`
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Description     string            `json:"description"`
	Tags            []string          `json:"tags"`
	Dependencies    map[string]string `json:"dependencies"`
	RequiresAnsible *string           `json:"requires_ansible"`
	Href            string            `json:"pulp_href"`
}

type searchHit struct {
	Repository        searchRepository        `json:"repository"`
	CollectionVersion searchCollectionVersion `json:"collection_version"`
	RepositoryVersion string                  `json:"repository_version"`
	NamespaceMetadata *namespaceResponse      `json:"namespace_metadata"`
	IsHighest         bool                    `json:"is_highest"`
	IsDeprecated      bool                    `json:"is_deprecated"`
	IsSigned          bool                    `json:"is_signed"`
}

// values returns every value of key, splitting comma separated lists.
func values(q url.Values, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func boolParam(q url.Values, key string) (*bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, badRequest("%s: %q is not a boolean", key, raw)
	}
	return &b, nil
}

func searchQuery(r *http.Request, p page) (index.Query, error) {
	q := r.URL.Query()
	query := index.Query{
		RepositoryIDs:     values(q, "repository"),
		RepositoryNames:   values(q, "repository_name"),
		RepositoryLabel:   q.Get("repository_label"),
		DistributionIDs:   values(q, "distribution"),
		BasePaths:         values(q, "distribution_base_path"),
		Namespace:         q.Get("namespace"),
		Name:              q.Get("name"),
		Version:           q.Get("version"),
		Dependency:        q.Get("dependency"),
		RepositoryVersion: q.Get("repository_version"),
		Keywords:          q.Get("keywords"),
		Tags:              values(q, "tags"),
		OrderBy:           q.Get("order_by"),
		Limit:             p.Limit,
		Offset:            p.Offset,
	}
	if query.Keywords == "" {
		query.Keywords = q.Get("q")
	}
	var err error
	for _, f := range []struct {
		keys []string
		dst  **bool
	}{
		{[]string{"deprecated", "is_deprecated"}, &query.Deprecated},
		{[]string{"signed", "is_signed"}, &query.Signed},
		{[]string{"highest", "is_highest"}, &query.Highest},
	} {
		for _, key := range f.keys {
			if !q.Has(key) {
				continue
			}
			if *f.dst, err = boolParam(q, key); err != nil {
				return query, err
			}
			break
		}
	}
	return query, nil
}

// searchCollectionVersions answers the cross-repository search over every
// distributed repository version.
func (s *Server) searchCollectionVersions(w http.ResponseWriter, r *http.Request) {
	p := parsePage(r)
	query, err := searchQuery(r, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hits, total, err := s.Searcher.Search(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]searchHit, 0, len(hits))
	for i := range hits {
		out = append(out, hitFrom(&hits[i]))
	}
	writeJSON(w, http.StatusOK, v3Page(r, p, int(total), out))
}

func hitFrom(h *index.Hit) searchHit {
	cv := &h.CollectionVersion
	out := searchHit{
		Repository: searchRepository{
			Name:        h.Repository.Name,
			Href:        repository.RepositoryHref(h.Repository.ID),
			Description: h.Repository.Description,
			Labels:      h.Repository.Labels,
		},
		CollectionVersion: searchCollectionVersion{
			Namespace:       cv.Namespace,
			Name:            cv.Name,
			Version:         cv.Version,
			Description:     cv.Description,
			Tags:            cv.TagNames(),
			Dependencies:    cv.Dependencies,
			RequiresAnsible: cv.RequiresAnsible,
			Href:            cv.Href(),
		},
		RepositoryVersion: index.LatestKey,
		IsHighest:         h.Row.IsHighest,
		IsDeprecated:      h.Row.IsDeprecated,
		IsSigned:          h.Row.IsSigned,
	}
	if h.Row.RepositoryVersionID != nil && h.Row.VersionNumber != nil {
		out.RepositoryVersion = strconv.Itoa(*h.Row.VersionNumber)
	}
	if h.NamespaceMetadata != nil {
		nm := namespaceFrom(h.NamespaceMetadata)
		out.NamespaceMetadata = &nm
	}
	return out
}
