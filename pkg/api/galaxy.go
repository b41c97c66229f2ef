package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/tarball"
	"github.com/ansible/content-repository/pkg/tasks"
)

type versionRef struct {
	Href    string `json:"href"`
	Version string `json:"version"`
}

type collectionResponse struct {
	Href           string     `json:"href"`
	Namespace      string     `json:"namespace"`
	Name           string     `json:"name"`
	Deprecated     bool       `json:"deprecated"`
	VersionsURL    string     `json:"versions_url"`
	HighestVersion versionRef `json:"highest_version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DownloadCount  int        `json:"download_count"`
}

type versionSummary struct {
	Version         string    `json:"version"`
	Href            string    `json:"href"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	RequiresAnsible *string   `json:"requires_ansible"`
	Marks           []string  `json:"marks"`
}

type artifactInfo struct {
	Filename string `json:"filename"`
	Sha256   string `json:"sha256"`
	Size     int64  `json:"size"`
}

type signatureResponse struct {
	Signature         string  `json:"signature"`
	PubkeyFingerprint string  `json:"pubkey_fingerprint"`
	SigningService    *string `json:"signing_service"`
}

type versionMetadata struct {
	Authors       []string          `json:"authors"`
	Contents      []any             `json:"contents"`
	Dependencies  map[string]string `json:"dependencies"`
	Description   string            `json:"description"`
	Documentation string            `json:"documentation"`
	Homepage      string            `json:"homepage"`
	Issues        string            `json:"issues"`
	License       []string          `json:"license"`
	Repository    string            `json:"repository"`
	Tags          []string          `json:"tags"`
}

type collectionRef struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

type namespaceRef struct {
	Name           string `json:"name"`
	MetadataSha256 string `json:"metadata_sha256,omitempty"`
}

type versionDetail struct {
	versionSummary
	Artifact    artifactInfo        `json:"artifact"`
	Collection  collectionRef       `json:"collection"`
	DownloadURL string              `json:"download_url"`
	Name        string              `json:"name"`
	Namespace   namespaceRef        `json:"namespace"`
	Signatures  []signatureResponse `json:"signatures"`
	Metadata    versionMetadata     `json:"metadata"`
	Manifest    map[string]any      `json:"manifest"`
	Files       map[string]any      `json:"files"`
}

type namespaceLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type namespaceResponse struct {
	Name           string          `json:"name"`
	Company        string          `json:"company"`
	Email          string          `json:"email"`
	Description    string          `json:"description"`
	Resources      string          `json:"resources"`
	Links          []namespaceLink `json:"links"`
	AvatarSha256   *string         `json:"avatar_sha256"`
	MetadataSha256 string          `json:"metadata_sha256"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (s *Server) apiRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"available_versions": map[string]string{"v3": "v3/"},
	})
}

// v3Root reports when the served content last changed. Syncing clients
// compare it with their last sync to skip unchanged remotes.
func (s *Server) v3Root(w http.ResponseWriter, r *http.Request) {
	v := viewFrom(r.Context())
	published := v.dist.UpdatedAt
	if v.version != nil && v.version.CreatedAt.After(published) {
		published = v.version.CreatedAt
	}
	writeJSON(w, http.StatusOK, map[string]string{"published": published.UTC().Format(time.RFC3339Nano)})
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	ctx, v := r.Context(), viewFrom(r.Context())
	cvs, err := s.collectionVersions(ctx, v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deprecated, err := s.deprecated(ctx, v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	var out []collectionResponse
	for _, group := range groupByCollection(cvs) {
		first := group[0]
		if ns := q.Get("namespace"); ns != "" && first.Namespace != ns {
			continue
		}
		if name := q.Get("name"); name != "" && first.Name != name {
			continue
		}
		c := v.collection(group, deprecated)
		if d := q.Get("deprecated"); d != "" && (d == "true") != c.Deprecated {
			continue
		}
		out = append(out, c)
	}
	p := parsePage(r)
	writeJSON(w, http.StatusOK, v3Page(r, p, len(out), paginate(out, p)))
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	ctx, v := r.Context(), viewFrom(r.Context())
	cvs, err := s.versionsOf(ctx, v, chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deprecated, err := s.deprecated(ctx, v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v.collection(cvs, deprecated))
}

func (s *Server) listCollectionVersions(w http.ResponseWriter, r *http.Request) {
	ctx, v := r.Context(), viewFrom(r.Context())
	cvs, err := s.versionsOf(ctx, v, chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p := parsePage(r)
	pageCVs := paginate(cvs, p)
	marks, err := s.marks(ctx, v.version, ids(pageCVs))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]versionSummary, 0, len(pageCVs))
	for i := range pageCVs {
		out = append(out, v.summary(&pageCVs[i], marks[pageCVs[i].ID]))
	}
	writeJSON(w, http.StatusOK, v3Page(r, p, len(cvs), out))
}

func (s *Server) getCollectionVersion(w http.ResponseWriter, r *http.Request) {
	ctx, v := r.Context(), viewFrom(r.Context())
	cv, err := s.servedVersion(ctx, v, chi.URLParam(r, "namespace"), chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.versionDetail(ctx, v, cv)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request) {
	ctx, v := r.Context(), viewFrom(r.Context())
	ns, name := chi.URLParam(r, "namespace"), chi.URLParam(r, "name")
	if _, err := s.versionsOf(ctx, v, ns, name); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.Dispatcher.Delete(ctx, tasks.DeleteArgs{Namespace: ns, Name: name})
	s.taskAccepted(w, r, task, err)
}

func (s *Server) deleteCollectionVersion(w http.ResponseWriter, r *http.Request) {
	ctx, v := r.Context(), viewFrom(r.Context())
	cv, err := s.servedVersion(ctx, v, chi.URLParam(r, "namespace"), chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.Dispatcher.Delete(ctx, tasks.DeleteArgs{Namespace: cv.Namespace, Name: cv.Name, Version: cv.Version})
	s.taskAccepted(w, r, task, err)
}

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	nms, err := s.namespaces(r.Context(), viewFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]namespaceResponse, 0, len(nms))
	for i := range nms {
		out = append(out, namespaceFrom(&nms[i]))
	}
	p := parsePage(r)
	writeJSON(w, http.StatusOK, v3Page(r, p, len(out), paginate(out, p)))
}

func (s *Server) getNamespace(w http.ResponseWriter, r *http.Request) {
	nms, err := s.namespaces(r.Context(), viewFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := chi.URLParam(r, "namespace")
	for i := range nms {
		if nms[i].Name == name {
			writeJSON(w, http.StatusOK, namespaceFrom(&nms[i]))
			return
		}
	}
	s.writeError(w, r, fmt.Errorf("namespace %s: %w", name, content.ErrNotFound))
}

// servedVersion returns namespace.name-version when the view serves it.
func (s *Server) servedVersion(ctx context.Context, v *view, namespace, name, version string) (*content.CollectionVersion, error) {
	cv, err := s.Store.GetCollectionVersion(ctx, namespace, name, version)
	if err != nil {
		return nil, err
	}
	ok, err := s.contains(ctx, v.version, cv.ID, content.TypeCollectionVersion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s-%s is not in %s: %w", cv.FQN(), cv.Version, v.dist.BasePath, content.ErrNotFound)
	}
	return cv, nil
}

func (s *Server) versionDetail(ctx context.Context, v *view, cv *content.CollectionVersion) (*versionDetail, error) {
	marks, err := s.marks(ctx, v.version, []string{cv.ID})
	if err != nil {
		return nil, err
	}
	sigs, err := s.signatures(ctx, v.version, []string{cv.ID})
	if err != nil {
		return nil, err
	}
	art, err := s.artifactOf(ctx, cv)
	if err != nil {
		return nil, err
	}
	downloadURL, err := s.downloadURL(ctx, v, art.Filename)
	if err != nil {
		return nil, err
	}

	d := &versionDetail{
		versionSummary: v.summary(cv, marks[cv.ID]),
		Artifact:       art,
		DownloadURL:    downloadURL,
		Name:           cv.Name,
		Signatures:     []signatureResponse{},
		Metadata: versionMetadata{
			Authors:       cv.Authors,
			Contents:      []any{},
			Dependencies:  cv.Dependencies,
			Description:   cv.Description,
			Documentation: cv.Documentation,
			Homepage:      cv.Homepage,
			Issues:        cv.Issues,
			License:       cv.License,
			Repository:    cv.Repository,
			Tags:          cv.TagNames(),
		},
		Manifest: cv.Manifest,
		Files:    cv.Files,
	}
	d.Collection = collectionRef{Name: cv.Name, Href: v.collectionHref(cv.Namespace, cv.Name)}
	d.Namespace.Name = cv.Namespace
	if nms, err := s.namespaces(ctx, v); err == nil {
		for _, nm := range nms {
			if nm.Name == cv.Namespace {
				d.Namespace.MetadataSha256 = nm.MetadataSha256
			}
		}
	}
	for _, sig := range sigs[cv.ID] {
		d.Signatures = append(d.Signatures, signatureResponse{
			Signature:         sig.Data,
			PubkeyFingerprint: sig.PubkeyFingerprint,
			SigningService:    sig.SigningServiceID,
		})
	}
	return d, nil
}

// artifactOf describes the tarball of cv, falling back to the remote's
// digest and size for on-demand content not downloaded yet.
func (s *Server) artifactOf(ctx context.Context, cv *content.CollectionVersion) (artifactInfo, error) {
	info := artifactInfo{Filename: tarball.Filename(cv.Namespace, cv.Name, cv.Version), Sha256: cv.Sha256}
	ca, err := s.Store.ContentArtifactFor(ctx, cv.ID)
	if errors.Is(err, content.ErrNotFound) {
		return info, nil
	}
	if err != nil {
		return info, err
	}
	if ca.RelativePath != "" {
		info.Filename = ca.RelativePath
	}
	if ca.ArtifactID != nil {
		a, err := s.Artifacts.Get(ctx, *ca.ArtifactID)
		if err != nil {
			return info, err
		}
		info.Sha256, info.Size = a.Sha256, a.Size
		return info, nil
	}
	ras, err := s.Store.RemoteArtifactsFor(ctx, ca.ID)
	if err != nil {
		return info, err
	}
	if len(ras) > 0 {
		info.Size = ras[0].Size
		if info.Sha256 == "" {
			info.Sha256 = ras[0].Sha256
		}
	}
	return info, nil
}

// downloadURL is the content app URL of filename, or the galaxy redirect
// that signs it when the distribution is guarded.
func (s *Server) downloadURL(_ context.Context, v *view, filename string) (string, error) {
	if v.dist.ContentGuardID != nil {
		return s.cfg.ContentOrigin + v.apiRoot() + "v3/plugin/ansible/content/" + v.dist.BasePath +
			"/collections/artifacts/" + url.PathEscape(filename), nil
	}
	return s.cfg.ContentOrigin + artifactPath(v.dist.BasePath, filename), nil
}

func artifactPath(basePath, filename string) string {
	return "/v3/artifacts/collections/" + basePath + "/" + url.PathEscape(filename)
}

func (v *view) collection(group []content.CollectionVersion, deprecated map[string]bool) collectionResponse {
	versions := make([]string, len(group))
	created, updated := group[0].CreatedAt, group[0].CreatedAt
	for i, cv := range group {
		versions[i] = cv.Version
		if cv.CreatedAt.Before(created) {
			created = cv.CreatedAt
		}
		if cv.CreatedAt.After(updated) {
			updated = cv.CreatedAt
		}
	}
	highest := group[max(content.Highest(versions), 0)]
	return collectionResponse{
		Href:           v.collectionHref(highest.Namespace, highest.Name),
		Namespace:      highest.Namespace,
		Name:           highest.Name,
		Deprecated:     deprecated[highest.FQN()],
		VersionsURL:    v.collectionHref(highest.Namespace, highest.Name) + "versions/",
		HighestVersion: versionRef{Href: v.versionHref(&highest), Version: highest.Version},
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
}

func (v *view) summary(cv *content.CollectionVersion, marks []string) versionSummary {
	if marks == nil {
		marks = []string{}
	}
	return versionSummary{
		Version:         cv.Version,
		Href:            v.versionHref(cv),
		CreatedAt:       cv.CreatedAt,
		UpdatedAt:       cv.CreatedAt,
		RequiresAnsible: cv.RequiresAnsible,
		Marks:           marks,
	}
}

func namespaceFrom(nm *content.NamespaceMetadata) namespaceResponse {
	links := make([]namespaceLink, 0, len(nm.Links))
	for name, u := range nm.Links {
		links = append(links, namespaceLink{Name: name, URL: u})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Name < links[j].Name })
	return namespaceResponse{
		Name:           nm.Name,
		Company:        nm.Company,
		Email:          nm.Email,
		Description:    nm.Description,
		Resources:      nm.Resources,
		Links:          links,
		AvatarSha256:   nm.AvatarSha256,
		MetadataSha256: nm.MetadataSha256,
		CreatedAt:      nm.CreatedAt,
	}
}

// groupByCollection splits cvs, sorted by namespace and name, into one
// slice per collection.
func groupByCollection(cvs []content.CollectionVersion) [][]content.CollectionVersion {
	var out [][]content.CollectionVersion
	for i, cv := range cvs {
		if i == 0 || cvs[i-1].FQN() != cv.FQN() {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], cv)
	}
	return out
}

func ids(cvs []content.CollectionVersion) []string {
	out := make([]string, len(cvs))
	for i := range cvs {
		out[i] = cvs[i].ID
	}
	return out
}
