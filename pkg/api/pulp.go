package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/signing"
	"github.com/ansible/content-repository/pkg/tasks"
)

const (
	remotesPath       = "/pulp/api/v3/remotes/ansible/collection/"
	distributionsPath = "/pulp/api/v3/distributions/ansible/ansible/"
	guardsPath        = "/pulp/api/v3/contentguards/core/content_redirect/"
	signingPath       = "/pulp/api/v3/signing-services/"
	signaturesPath    = "/pulp/api/v3/content/ansible/collection_signatures/"
)

// idFrom returns the id an href ends with; bare ids pass through.
func idFrom(ref string) string {
	ref = strings.TrimSuffix(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func idsFrom(refs []string) []string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = idFrom(ref)
	}
	return out
}

// nullable is a JSON field that tells absent, null and set apart.
type nullable struct {
	set   bool
	value *string
}

func (n *nullable) UnmarshalJSON(b []byte) error {
	n.set = true
	if string(b) == "null" {
		n.value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	n.value = &s
	return nil
}

// versionFrom resolves a repository version href or id.
func (s *Server) versionFrom(ctx context.Context, ref string) (*repository.Version, error) {
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	if len(parts) >= 3 && parts[len(parts)-2] == "versions" {
		n, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			return nil, badRequest("invalid repository version %q", ref)
		}
		return s.Engine.VersionByNumber(ctx, parts[len(parts)-3], n)
	}
	return s.Engine.GetVersion(ctx, idFrom(ref))
}

// Repositories

type repositoryResponse struct {
	Href string `json:"pulp_href"`
	*repository.Repository
	VersionsHref      string `json:"versions_href"`
	LatestVersionHref string `json:"latest_version_href"`
}

type repositoryRequest struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	Remote      nullable          `json:"remote"`
	GPGKey      *string           `json:"gpgkey"`
	Private     *bool             `json:"private"`
	Labels      map[string]string `json:"pulp_labels"`
}

func (req *repositoryRequest) apply(repo *repository.Repository) {
	if req.Name != nil {
		repo.Name = *req.Name
	}
	if req.Description != nil {
		repo.Description = *req.Description
	}
	if req.Remote.set {
		repo.RemoteID = nil
		if req.Remote.value != nil {
			id := idFrom(*req.Remote.value)
			repo.RemoteID = &id
		}
	}
	if req.GPGKey != nil {
		repo.GPGKey = *req.GPGKey
	}
	if req.Private != nil {
		repo.Private = *req.Private
	}
	if req.Labels != nil {
		repo.Labels = req.Labels
	}
}

func (s *Server) repositoryResponse(ctx context.Context, repo *repository.Repository) (repositoryResponse, error) {
	out := repositoryResponse{
		Href:         repository.RepositoryHref(repo.ID),
		Repository:   repo,
		VersionsHref: repository.RepositoryHref(repo.ID) + "versions/",
	}
	v, err := s.Engine.LatestVersion(ctx, repo)
	if err != nil {
		return out, err
	}
	out.LatestVersionHref = v.Href()
	return out, nil
}

func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.Engine.ListRepositories(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if name := r.URL.Query().Get("name"); name != "" {
		filtered := repos[:0]
		for _, repo := range repos {
			if repo.Name == name {
				filtered = append(filtered, repo)
			}
		}
		repos = filtered
	}
	p := parsePage(r)
	page := paginate(repos, p)
	out := make([]repositoryResponse, 0, len(page))
	for i := range page {
		resp, err := s.repositoryResponse(r.Context(), &page[i])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, pulpPage(r, p, len(repos), out))
}

func (s *Server) createRepository(w http.ResponseWriter, r *http.Request) {
	var req repositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == nil || *req.Name == "" {
		s.writeError(w, r, badRequest("name is required"))
		return
	}
	repo := &repository.Repository{}
	req.apply(repo)
	if err := s.Engine.CreateRepository(r.Context(), repo); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.repositoryResponse(r.Context(), repo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) getRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.Engine.GetRepository(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.repositoryResponse(r.Context(), repo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) updateRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.Engine.GetRepository(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req repositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.apply(repo)
	if err := s.Engine.UpdateRepository(r.Context(), repo); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.repositoryResponse(r.Context(), repo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Repository versions

type versionResponse struct {
	Href        string `json:"pulp_href"`
	*repository.Version
	Repository     string          `json:"repository"`
	ContentSummary *contentSummary `json:"content_summary,omitempty"`
}

type contentSummary struct {
	Added   map[content.Type]map[string]int `json:"added"`
	Removed map[content.Type]map[string]int `json:"removed"`
	Present map[content.Type]map[string]int `json:"present"`
}

func versionResponseFor(v *repository.Version) versionResponse {
	return versionResponse{Href: v.Href(), Version: v, Repository: repository.RepositoryHref(v.RepositoryID)}
}

// summarize counts the content of v per type, with what changed since the
// previous version.
func (s *Server) summarize(ctx context.Context, v *repository.Version) (*contentSummary, error) {
	count := func(ids []string) (map[content.Type]map[string]int, error) {
		types, err := s.Store.Types(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := map[content.Type]map[string]int{}
		for _, typ := range types {
			if out[typ] == nil {
				out[typ] = map[string]int{"count": 0}
			}
			out[typ]["count"]++
		}
		return out, nil
	}
	present, err := s.Engine.ContentIDs(ctx, v)
	if err != nil {
		return nil, err
	}
	var added, removed []string
	if v.Number > 0 {
		prev, err := s.Engine.VersionByNumber(ctx, v.RepositoryID, v.Number-1)
		switch {
		case err == nil:
			if added, removed, err = s.Engine.Diff(ctx, prev, v); err != nil {
				return nil, err
			}
		case errors.Is(err, repository.ErrNotFound):
			added = present
		default:
			return nil, err
		}
	}
	sum := &contentSummary{}
	if sum.Present, err = count(present); err != nil {
		return nil, err
	}
	if sum.Added, err = count(added); err != nil {
		return nil, err
	}
	if sum.Removed, err = count(removed); err != nil {
		return nil, err
	}
	return sum, nil
}

func (s *Server) listRepositoryVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.Engine.ListVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p := parsePage(r)
	page := paginate(versions, p)
	out := make([]versionResponse, 0, len(page))
	for i := range page {
		out = append(out, versionResponseFor(&page[i]))
	}
	writeJSON(w, http.StatusOK, pulpPage(r, p, len(versions), out))
}

func (s *Server) getRepositoryVersion(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("version %q: %w", chi.URLParam(r, "number"), repository.ErrNotFound))
		return
	}
	v, err := s.Engine.VersionByNumber(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := versionResponseFor(v)
	if resp.ContentSummary, err = s.summarize(r.Context(), v); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Repository actions

func (s *Server) actionRepository(w http.ResponseWriter, r *http.Request, body any) (*repository.Repository, bool) {
	repo, err := s.Engine.GetRepository(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, body); err != nil {
			s.writeError(w, r, err)
			return nil, false
		}
	}
	return repo, true
}

func (s *Server) syncRepository(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Remote   string `json:"remote"`
		Mirror   bool   `json:"mirror"`
		Optimize *bool  `json:"optimize"`
	}
	repo, ok := s.actionRepository(w, r, &req)
	if !ok {
		return
	}
	remoteID := idFrom(req.Remote)
	if remoteID == "" && repo.RemoteID != nil {
		remoteID = *repo.RemoteID
	}
	if remoteID == "" {
		s.writeError(w, r, badRequest("repository %s has no remote", repo.Name))
		return
	}
	if _, err := s.Engine.GetRemote(r.Context(), remoteID); err != nil {
		s.writeError(w, r, err)
		return
	}
	optimize := req.Optimize == nil || *req.Optimize
	task, err := s.Dispatcher.Sync(r.Context(), tasks.SyncArgs{
		RepositoryID: repo.ID,
		RemoteID:     remoteID,
		Mirror:       req.Mirror,
		Optimize:     optimize,
	})
	s.taskAccepted(w, r, task, err)
}

func (s *Server) signRepository(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentUnits   []string `json:"content_units"`
		SigningService string   `json:"signing_service"`
	}
	repo, ok := s.actionRepository(w, r, &req)
	if !ok {
		return
	}
	if len(req.ContentUnits) == 0 {
		s.writeError(w, r, badRequest("content_units is required"))
		return
	}
	svc, err := s.Signing.Get(r.Context(), idFrom(req.SigningService))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	units := []string{signing.AllContent}
	if !(len(req.ContentUnits) == 1 && req.ContentUnits[0] == signing.AllContent) {
		units = idsFrom(req.ContentUnits)
	}
	task, err := s.Dispatcher.Sign(r.Context(), tasks.SignArgs{
		RepositoryID:         repo.ID,
		CollectionVersionIDs: units,
		SigningServiceID:     svc.ID,
	})
	s.taskAccepted(w, r, task, err)
}

type transferRequest struct {
	CollectionVersions      []string `json:"collection_versions"`
	DestinationRepositories []string `json:"destination_repositories"`
	BaseVersion             string   `json:"base_version"`
	SigningService          string   `json:"signing_service"`
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request, move bool) {
	var req transferRequest
	repo, ok := s.actionRepository(w, r, &req)
	if !ok {
		return
	}
	var (
		source *repository.Version
		err    error
	)
	if req.BaseVersion != "" {
		source, err = s.versionFrom(r.Context(), req.BaseVersion)
	} else {
		source, err = s.Engine.LatestVersion(r.Context(), repo)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if source.RepositoryID != repo.ID {
		s.writeError(w, r, badRequest("base_version belongs to another repository"))
		return
	}
	if len(req.CollectionVersions) == 0 || len(req.DestinationRepositories) == 0 {
		s.writeError(w, r, badRequest("collection_versions and destination_repositories are required"))
		return
	}
	args := tasks.TransferArgs{
		SourceVersionID:      source.ID,
		SourceRepositoryID:   repo.ID,
		DestinationIDs:       idsFrom(req.DestinationRepositories),
		CollectionVersionIDs: idsFrom(req.CollectionVersions),
	}
	if req.SigningService != "" {
		args.SigningServiceID = idFrom(req.SigningService)
	}
	dispatch := s.Dispatcher.Copy
	if move {
		dispatch = s.Dispatcher.Move
	}
	task, err := dispatch(r.Context(), args)
	s.taskAccepted(w, r, task, err)
}

func (s *Server) copyCollectionVersions(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, false)
}

func (s *Server) moveCollectionVersions(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, true)
}

func (s *Server) markRepository(unmark bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ContentUnits []string `json:"content_units"`
			Value        string   `json:"value"`
		}
		repo, ok := s.actionRepository(w, r, &req)
		if !ok {
			return
		}
		if req.Value == "" || len(req.ContentUnits) == 0 {
			s.writeError(w, r, badRequest("value and content_units are required"))
			return
		}
		task, err := s.Dispatcher.Mark(r.Context(), tasks.MarkArgs{
			RepositoryID:         repo.ID,
			CollectionVersionIDs: idsFrom(req.ContentUnits),
			Value:                req.Value,
			Unmark:               unmark,
		})
		s.taskAccepted(w, r, task, err)
	}
}

func (s *Server) deprecateRepository(undeprecate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Namespace string `json:"namespace"`
			Name      string `json:"name"`
		}
		repo, ok := s.actionRepository(w, r, &req)
		if !ok {
			return
		}
		if req.Namespace == "" || req.Name == "" {
			s.writeError(w, r, badRequest("namespace and name are required"))
			return
		}
		task, err := s.Dispatcher.Deprecate(r.Context(), tasks.DeprecateArgs{
			RepositoryID: repo.ID,
			Namespace:    req.Namespace,
			Name:         req.Name,
			Undeprecate:  undeprecate,
		})
		s.taskAccepted(w, r, task, err)
	}
}

func (s *Server) setNamespaceMetadata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string          `json:"name"`
		Company     string          `json:"company"`
		Email       string          `json:"email"`
		Description string          `json:"description"`
		Resources   string          `json:"resources"`
		Links       []namespaceLink `json:"links"`
	}
	repo, ok := s.actionRepository(w, r, &req)
	if !ok {
		return
	}
	if req.Name == "" {
		s.writeError(w, r, badRequest("name is required"))
		return
	}
	links := map[string]string{}
	for _, l := range req.Links {
		links[l.Name] = l.URL
	}
	task, err := s.Dispatcher.Namespace(r.Context(), tasks.NamespaceArgs{
		RepositoryID: repo.ID,
		Name:         req.Name,
		Company:      req.Company,
		Email:        req.Email,
		Description:  req.Description,
		Resources:    req.Resources,
		Links:        links,
	})
	s.taskAccepted(w, r, task, err)
}

// Remotes

type remoteResponse struct {
	Href string `json:"pulp_href"`
	*repository.Remote
}

type remoteRequest struct {
	Name                *string `json:"name"`
	URL                 *string `json:"url"`
	Policy              *string `json:"policy"`
	RequirementsFile    *string `json:"requirements_file"`
	Token               *string `json:"token"`
	AuthURL             *string `json:"auth_url"`
	Username            *string `json:"username"`
	Password            *string `json:"password"`
	ProxyURL            *string `json:"proxy_url"`
	SignedOnly          *bool   `json:"signed_only"`
	SyncDependencies    *bool   `json:"sync_dependencies"`
	RateLimit           *int    `json:"rate_limit"`
	DownloadConcurrency *int    `json:"download_concurrency"`
	TotalTimeout        *int    `json:"total_timeout"`
}

func assign[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (req *remoteRequest) apply(rm *repository.Remote) {
	assign(&rm.Name, req.Name)
	assign(&rm.URL, req.URL)
	assign(&rm.Policy, req.Policy)
	assign(&rm.RequirementsFile, req.RequirementsFile)
	assign(&rm.Token, req.Token)
	assign(&rm.AuthURL, req.AuthURL)
	assign(&rm.Username, req.Username)
	assign(&rm.Password, req.Password)
	assign(&rm.ProxyURL, req.ProxyURL)
	assign(&rm.SignedOnly, req.SignedOnly)
	assign(&rm.SyncDependencies, req.SyncDependencies)
	assign(&rm.RateLimit, req.RateLimit)
	assign(&rm.DownloadConcurrency, req.DownloadConcurrency)
	assign(&rm.TotalTimeout, req.TotalTimeout)
}

func remoteResponseFor(rm *repository.Remote) remoteResponse {
	return remoteResponse{Href: remotesPath + rm.ID + "/", Remote: rm}
}

func (s *Server) listRemotes(w http.ResponseWriter, r *http.Request) {
	remotes, err := s.Engine.ListRemotes(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p := parsePage(r)
	page := paginate(remotes, p)
	out := make([]remoteResponse, 0, len(page))
	for i := range page {
		out = append(out, remoteResponseFor(&page[i]))
	}
	writeJSON(w, http.StatusOK, pulpPage(r, p, len(remotes), out))
}

func (s *Server) createRemote(w http.ResponseWriter, r *http.Request) {
	var req remoteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rm := &repository.Remote{SyncDependencies: true}
	req.apply(rm)
	if rm.Name == "" || rm.URL == "" {
		s.writeError(w, r, badRequest("name and url are required"))
		return
	}
	if err := validPolicy(rm); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.CreateRemote(r.Context(), rm); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, remoteResponseFor(rm))
}

func (s *Server) getRemote(w http.ResponseWriter, r *http.Request) {
	rm, err := s.Engine.GetRemote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remoteResponseFor(rm))
}

func (s *Server) updateRemote(w http.ResponseWriter, r *http.Request) {
	rm, err := s.Engine.GetRemote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req remoteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.apply(rm)
	if err := validPolicy(rm); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.UpdateRemote(r.Context(), rm); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remoteResponseFor(rm))
}

func validPolicy(rm *repository.Remote) error {
	switch rm.Policy {
	case "", repository.PolicyImmediate, repository.PolicyOnDemand:
		return nil
	}
	return badRequest("unknown remote policy %q", rm.Policy)
}

// Distributions

type distributionResponse struct {
	Href string `json:"pulp_href"`
	*repository.Distribution
	ClientURL string `json:"client_url"`
}

type distributionRequest struct {
	Name              *string  `json:"name"`
	BasePath          *string  `json:"base_path"`
	Repository        nullable `json:"repository"`
	RepositoryVersion nullable `json:"repository_version"`
	ContentGuard      nullable `json:"content_guard"`
}

func (s *Server) applyDistribution(ctx context.Context, req *distributionRequest, d *repository.Distribution) error {
	assign(&d.Name, req.Name)
	assign(&d.BasePath, req.BasePath)
	if req.Repository.set {
		d.RepositoryID = nil
		if req.Repository.value != nil {
			id := idFrom(*req.Repository.value)
			d.RepositoryID = &id
		}
	}
	if req.RepositoryVersion.set {
		d.RepositoryVersionID = nil
		if req.RepositoryVersion.value != nil {
			v, err := s.versionFrom(ctx, *req.RepositoryVersion.value)
			if err != nil {
				return err
			}
			d.RepositoryVersionID = &v.ID
		}
	}
	if req.ContentGuard.set {
		d.ContentGuardID = nil
		if req.ContentGuard.value != nil {
			g, err := s.Engine.GetContentGuard(ctx, idFrom(*req.ContentGuard.value))
			if err != nil {
				return err
			}
			d.ContentGuardID = &g.ID
		}
	}
	return nil
}

func (s *Server) distributionResponseFor(d *repository.Distribution) distributionResponse {
	return distributionResponse{
		Href:         distributionsPath + d.ID + "/",
		Distribution: d,
		ClientURL:    s.cfg.ContentOrigin + GalaxyPrefix + "/" + d.BasePath + "/api/",
	}
}

func (s *Server) listDistributions(w http.ResponseWriter, r *http.Request) {
	ds, err := s.Engine.ListDistributions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bp := r.URL.Query().Get("base_path"); bp != "" {
		filtered := ds[:0]
		for _, d := range ds {
			if d.BasePath == bp {
				filtered = append(filtered, d)
			}
		}
		ds = filtered
	}
	p := parsePage(r)
	page := paginate(ds, p)
	out := make([]distributionResponse, 0, len(page))
	for i := range page {
		out = append(out, s.distributionResponseFor(&page[i]))
	}
	writeJSON(w, http.StatusOK, pulpPage(r, p, len(ds), out))
}

func (s *Server) createDistribution(w http.ResponseWriter, r *http.Request) {
	var req distributionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d := &repository.Distribution{}
	if err := s.applyDistribution(r.Context(), &req, d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.CreateDistribution(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.distributionResponseFor(d))
}

func (s *Server) getDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.GetDistribution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.distributionResponseFor(d))
}

func (s *Server) updateDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.GetDistribution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req distributionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.applyDistribution(r.Context(), &req, d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.UpdateDistribution(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.distributionResponseFor(d))
}

func (s *Server) deleteDistribution(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.DeleteDistribution(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Content guards

type guardResponse struct {
	Href string `json:"pulp_href"`
	*repository.ContentGuard
}

func (s *Server) createContentGuard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, r, badRequest("name is required"))
		return
	}
	g := &repository.ContentGuard{Name: req.Name}
	if err := s.Engine.CreateContentGuard(r.Context(), g); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, guardResponse{Href: guardsPath + g.ID + "/", ContentGuard: g})
}

func (s *Server) getContentGuard(w http.ResponseWriter, r *http.Request) {
	g, err := s.Engine.GetContentGuard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guardResponse{Href: guardsPath + g.ID + "/", ContentGuard: g})
}

// Content

type collectionVersionContent struct {
	Href            string            `json:"pulp_href"`
	ID              string            `json:"id"`
	Namespace       string            `json:"namespace"`
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Sha256          string            `json:"sha256"`
	RequiresAnsible *string           `json:"requires_ansible"`
	Description     string            `json:"description"`
	Tags            []string          `json:"tags"`
	Dependencies    map[string]string `json:"dependencies"`
	IsHighest       bool              `json:"is_highest"`
	Artifact        artifactInfo      `json:"artifact"`
}

func (s *Server) getCollectionVersionContent(w http.ResponseWriter, r *http.Request) {
	cv, err := s.Store.GetCollectionVersionByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	art, err := s.artifactOf(r.Context(), cv)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionVersionContent{
		Href:            cv.Href(),
		ID:              cv.ID,
		Namespace:       cv.Namespace,
		Name:            cv.Name,
		Version:         cv.Version,
		Sha256:          cv.Sha256,
		RequiresAnsible: cv.RequiresAnsible,
		Description:     cv.Description,
		Tags:            cv.TagNames(),
		Dependencies:    cv.Dependencies,
		IsHighest:       cv.IsHighest,
		Artifact:        art,
	})
}

// maxSignatureSize bounds uploaded detached signatures.
const maxSignatureSize = 1 << 20

// uploadSignature verifies and adds a detached signature to a repository
// synchronously; verification failures are returned to the caller.
func (s *Server) uploadSignature(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, badRequest("file: %v", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxSignatureSize))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cvID, repoID := idFrom(r.FormValue("signed_collection")), idFrom(r.FormValue("repository"))
	if cvID == "" || repoID == "" {
		s.writeError(w, r, badRequest("signed_collection and repository are required"))
		return
	}

	var (
		sig     *content.Signature
		version *repository.Version
	)
	err = s.Reserver.Do(r.Context(), []string{repoID}, func(ctx context.Context) error {
		var err error
		sig, version, err = s.Verifier.Upload(ctx, repoID, cvID, data)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"pulp_href":          signaturesPath + sig.ID + "/",
		"signed_collection":  (&content.CollectionVersion{ID: sig.SignedCollectionID}).Href(),
		"pubkey_fingerprint": sig.PubkeyFingerprint,
		"signing_service":    sig.SigningServiceID,
		"created_resources":  []string{version.Href()},
	})
}

type signingServiceResponse struct {
	Href string `json:"pulp_href"`
	*signing.Service
}

func (s *Server) listSigningServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := s.Signing.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if name := r.URL.Query().Get("name"); name != "" {
		filtered := svcs[:0]
		for _, svc := range svcs {
			if svc.Name == name {
				filtered = append(filtered, svc)
			}
		}
		svcs = filtered
	}
	p := parsePage(r)
	page := paginate(svcs, p)
	out := make([]signingServiceResponse, 0, len(page))
	for i := range page {
		out = append(out, signingServiceResponse{Href: signingPath + page[i].ID + "/", Service: &page[i]})
	}
	writeJSON(w, http.StatusOK, pulpPage(r, p, len(svcs), out))
}

// orphanCleanup queues removal of artifacts no content references.
// orphan_protection_time is in minutes.
func (s *Server) orphanCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProtectionTime *int `json:"orphan_protection_time"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	var args tasks.OrphanCleanupArgs
	if req.ProtectionTime != nil {
		if *req.ProtectionTime < 0 {
			s.writeError(w, r, badRequest("orphan_protection_time must not be negative"))
			return
		}
		seconds := *req.ProtectionTime * 60
		args.ProtectionSeconds = &seconds
	}
	task, err := s.Dispatcher.OrphanCleanup(r.Context(), args)
	s.taskAccepted(w, r, task, err)
}
