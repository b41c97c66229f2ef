package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ansible/content-repository/pkg/download"
)

var (
	// ErrUnsupportedAPIVersion is returned when the remote offers neither v3
	// nor v2.
	ErrUnsupportedAPIVersion = errors.New("remote offers no supported galaxy API version")
	// ErrRootNotFound is returned when the remote root does not answer.
	ErrRootNotFound = errors.New("galaxy API root not found")
)

// PageSize is the page size requested from paginated endpoints.
const PageSize = 100

// nameRef decodes either "name" or {"name": "..."}.
type nameRef string

func (n *nameRef) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = nameRef(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*n = nameRef(obj.Name)
	return nil
}

type remoteSignature struct {
	Signature         string `json:"signature"`
	PubkeyFingerprint string `json:"pubkey_fingerprint"`
}

type remoteArtifact struct {
	Filename string `json:"filename"`
	Sha256   string `json:"sha256"`
	Size     int64  `json:"size"`
}

type remoteMetadata struct {
	Authors       []string          `json:"authors"`
	Dependencies  map[string]string `json:"dependencies"`
	Description   string            `json:"description"`
	Documentation string            `json:"documentation"`
	Homepage      string            `json:"homepage"`
	Issues        string            `json:"issues"`
	License       []string          `json:"license"`
	Repository    string            `json:"repository"`
	Tags          []string          `json:"tags"`
	Signatures    []remoteSignature `json:"signatures"`
}

// versionDetail is a collection version as the v2 and v3 detail and bulk
// endpoints describe it.
type versionDetail struct {
	Namespace       nameRef           `json:"namespace"`
	Name            string            `json:"name"`
	Collection      nameRef           `json:"collection"`
	Version         string            `json:"version"`
	Href            string            `json:"href"`
	DownloadURL     string            `json:"download_url"`
	Artifact        remoteArtifact    `json:"artifact"`
	Metadata        remoteMetadata    `json:"metadata"`
	Signatures      []remoteSignature `json:"signatures"`
	RequiresAnsible *string           `json:"requires_ansible"`
	Manifest        map[string]any    `json:"manifest"`
	Files           map[string]any    `json:"files"`
}

func (v *versionDetail) collectionName() string {
	if v.Name != "" {
		return v.Name
	}
	return string(v.Collection)
}

func (v *versionDetail) fqn() string { return string(v.Namespace) + "." + v.collectionName() }

func (v *versionDetail) signatures() []remoteSignature {
	if len(v.Signatures) > 0 {
		return v.Signatures
	}
	return v.Metadata.Signatures
}

type collectionSummary struct {
	Namespace   nameRef `json:"namespace"`
	Name        string  `json:"name"`
	Href        string  `json:"href"`
	VersionsURL string  `json:"versions_url"`
	Deprecated  bool    `json:"deprecated"`
}

func (c *collectionSummary) fqn() string { return string(c.Namespace) + "." + c.Name }

type versionSummary struct {
	Version string `json:"version"`
	Href    string `json:"href"`
}

type remoteNamespace struct {
	Name        string `json:"name"`
	Company     string `json:"company"`
	Email       string `json:"email"`
	Description string `json:"description"`
	Resources   string `json:"resources"`
	Links       []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"links"`
	AvatarURL    string  `json:"avatar_url"`
	AvatarSha256 *string `json:"avatar_sha256"`
}

// page decodes both the v3 ({meta, links, data}) and v2 ({count, next,
// results}) envelopes.
type page[T any] struct {
	Data    []T `json:"data"`
	Results []T `json:"results"`
	Links   struct {
		Next *string `json:"next"`
	} `json:"links"`
	Next *string `json:"next"`
}

func (p *page[T]) items() []T {
	if p.Data != nil {
		return p.Data
	}
	return p.Results
}

func (p *page[T]) next() string {
	if p.Links.Next != nil {
		return *p.Links.Next
	}
	if p.Next != nil {
		return *p.Next
	}
	return ""
}

// galaxyAPI talks to one galaxy server at its negotiated API version.
type galaxyAPI struct {
	client  *download.Client
	root    *url.URL
	base    *url.URL
	version string
}

type apiRoot struct {
	AvailableVersions map[string]string `json:"available_versions"`
}

// discoverAPI reads the API root once and picks v3 over v2.
func discoverAPI(ctx context.Context, client *download.Client, rawRoot string) (*galaxyAPI, error) {
	if !strings.HasSuffix(rawRoot, "/") {
		rawRoot += "/"
	}
	root, err := url.Parse(rawRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", rawRoot, err)
	}
	var body apiRoot
	if err := client.Silence(http.StatusNotFound).GetJSON(ctx, root.String(), &body); err != nil {
		if errors.Is(err, download.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
		}
		return nil, err
	}
	for _, v := range []string{"v3", "v2"} {
		rel, ok := body.AvailableVersions[v]
		if !ok {
			continue
		}
		if rel == "" {
			rel = v + "/"
		}
		if !strings.HasSuffix(rel, "/") {
			rel += "/"
		}
		ref, err := url.Parse(rel)
		if err != nil {
			return nil, fmt.Errorf("invalid %s path %q: %w", v, rel, err)
		}
		return &galaxyAPI{client: client, root: root, base: root.ResolveReference(ref), version: v}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAPIVersion, root)
}

// resolve turns a possibly relative href from a response into a URL.
func (a *galaxyAPI) resolve(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return a.root.ResolveReference(ref).String()
}

func (a *galaxyAPI) endpoint(path string) string {
	return a.base.ResolveReference(&url.URL{Path: path}).String()
}

func (a *galaxyAPI) firstPage(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if a.version == "v3" {
		q.Set("limit", strconv.Itoa(PageSize))
		q.Set("offset", "0")
	} else {
		q.Set("page", "1")
		q.Set("page_size", strconv.Itoa(PageSize))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// paginate walks every page starting at rawURL.
func paginate[T any](ctx context.Context, a *galaxyAPI, rawURL string, fn func([]T) error) error {
	next := a.firstPage(rawURL)
	for next != "" {
		var p page[T]
		if err := a.client.GetJSON(ctx, next, &p); err != nil {
			return err
		}
		if err := fn(p.items()); err != nil {
			return err
		}
		if n := p.next(); n != "" {
			next = a.resolve(n)
		} else {
			next = ""
		}
	}
	return nil
}

// published returns the v3 root's last publication time, or nil.
func (a *galaxyAPI) published(ctx context.Context) (*time.Time, error) {
	if a.version != "v3" {
		return nil, nil
	}
	var body struct {
		Published string `json:"published"`
	}
	if err := a.client.Silence(http.StatusNotFound).GetJSON(ctx, a.base.String(), &body); err != nil {
		if errors.Is(err, download.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if body.Published == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, body.Published)
	if err != nil {
		return nil, fmt.Errorf("invalid published timestamp %q: %w", body.Published, err)
	}
	return &t, nil
}

// bulkIndex holds everything the bulk endpoints returned.
type bulkIndex struct {
	deprecated map[string]bool
	versions   map[string][]versionDetail
}

// bulk downloads collections/all and collection_versions/all. It returns
// nil when the remote does not offer them.
func (a *galaxyAPI) bulk(ctx context.Context) (*bulkIndex, error) {
	if a.version != "v3" {
		return nil, nil
	}
	silent := a.client.Silence(http.StatusNotFound)
	var collections []collectionSummary
	if err := silent.GetJSON(ctx, a.endpoint("collections/all/"), &collections); err != nil {
		if errors.Is(err, download.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var versions []versionDetail
	if err := silent.GetJSON(ctx, a.endpoint("collection_versions/all/"), &versions); err != nil {
		if errors.Is(err, download.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	excluded, err := a.excludes(ctx)
	if err != nil {
		return nil, err
	}
	idx := &bulkIndex{deprecated: map[string]bool{}, versions: map[string][]versionDetail{}}
	for _, c := range collections {
		idx.deprecated[c.fqn()] = c.Deprecated
	}
	for _, v := range versions {
		if excludedBy(excluded, v.fqn(), v.Version) {
			continue
		}
		idx.versions[v.fqn()] = append(idx.versions[v.fqn()], v)
	}
	return idx, nil
}

// excludes reads the optional excludes endpoint.
func (a *galaxyAPI) excludes(ctx context.Context) ([]Requirement, error) {
	var raw json.RawMessage
	if err := a.client.Silence(http.StatusNotFound).GetJSON(ctx, a.endpoint("excludes/"), &raw); err != nil {
		if errors.Is(err, download.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	// JSON is valid YAML, so the requirements parser reads it directly.
	return ParseRequirements(string(raw))
}

func excludedBy(excluded []Requirement, fqn, version string) bool {
	for _, r := range excluded {
		if r.FQN() != fqn {
			continue
		}
		if ok, err := r.Admits(version); err == nil && ok {
			return true
		}
	}
	return false
}

// collection returns the summary of one collection, or nil when the remote
// does not have it.
func (a *galaxyAPI) collection(ctx context.Context, namespace, name string) (*collectionSummary, error) {
	var c collectionSummary
	err := a.client.Silence(http.StatusNotFound).GetJSON(ctx, a.endpoint("collections/"+namespace+"/"+name+"/"), &c)
	if errors.Is(err, download.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Name == "" {
		c.Namespace, c.Name = nameRef(namespace), name
	}
	return &c, nil
}

// collections lists every collection on the server.
func (a *galaxyAPI) collections(ctx context.Context, fn func([]collectionSummary) error) error {
	return paginate(ctx, a, a.endpoint("collections/"), fn)
}

// versions lists the versions of one collection.
func (a *galaxyAPI) versions(ctx context.Context, c *collectionSummary) ([]versionSummary, error) {
	listURL := a.endpoint("collections/" + string(c.Namespace) + "/" + c.Name + "/versions/")
	if c.VersionsURL != "" {
		listURL = a.resolve(c.VersionsURL)
	}
	var out []versionSummary
	err := paginate(ctx, a, listURL, func(items []versionSummary) error {
		out = append(out, items...)
		return nil
	})
	return out, err
}

// detail fetches one collection version.
func (a *galaxyAPI) detail(ctx context.Context, namespace, name string, v versionSummary) (*versionDetail, error) {
	detailURL := a.endpoint("collections/" + namespace + "/" + name + "/versions/" + v.Version + "/")
	if v.Href != "" {
		detailURL = a.resolve(v.Href)
	}
	var d versionDetail
	if err := a.client.GetJSON(ctx, detailURL, &d); err != nil {
		return nil, err
	}
	if d.Namespace == "" {
		d.Namespace = nameRef(namespace)
	}
	if d.collectionName() == "" {
		d.Name = name
	}
	if d.Version == "" {
		d.Version = v.Version
	}
	return &d, nil
}

func (a *galaxyAPI) docsBlobURL(namespace, name, version string) string {
	if a.version != "v3" {
		return ""
	}
	return a.endpoint("collections/" + namespace + "/" + name + "/versions/" + version + "/docs-blob/")
}

// namespace fetches namespace metadata, or nil when absent.
func (a *galaxyAPI) namespace(ctx context.Context, name string) (*remoteNamespace, error) {
	if a.version != "v3" {
		return nil, nil
	}
	var ns remoteNamespace
	err := a.client.Silence(http.StatusNotFound).GetJSON(ctx, a.endpoint("namespaces/"+name+"/"), &ns)
	if errors.Is(err, download.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ns.Name == "" {
		ns.Name = name
	}
	return &ns, nil
}
