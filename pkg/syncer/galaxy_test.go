package syncer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/ansible/content-repository/pkg/tarball"
	"github.com/ansible/content-repository/pkg/tarball/tarballtest"
	"github.com/go-chi/chi/v5"
)

// fakeGalaxy serves the parts of the galaxy v2/v3 API a sync reads.
type fakeGalaxy struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	api         string
	published   string
	bulk        bool
	pageSize    int
	avatarCode  int
	order       []string
	collections map[string]*fakeCollection
	hits        map[string]int
}

type fakeCollection struct {
	namespace, name string
	deprecated      bool
	versions        []*fakeVersion
}

type fakeVersion struct {
	spec       tarballtest.Collection
	data       []byte
	signatures []remoteSignature
	// corrupt makes the announced sha256 disagree with the served bytes.
	corrupt bool
}

func newFakeGalaxy(t *testing.T) *fakeGalaxy {
	t.Helper()
	g := &fakeGalaxy{
		t:           t,
		api:         "v3",
		published:   "2024-01-01T00:00:00Z",
		pageSize:    2,
		avatarCode:  http.StatusOK,
		collections: map[string]*fakeCollection{},
		hits:        map[string]int{},
	}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			g.mu.Lock()
			g.hits[req.URL.Path]++
			g.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/", g.root)
	r.Get("/api/{api}/", g.versionRoot)
	r.Get("/api/{api}/collections/", g.listCollections)
	r.Get("/api/{api}/collections/all/", g.allCollections)
	r.Get("/api/{api}/collection_versions/all/", g.allVersions)
	r.Get("/api/{api}/collections/{ns}/{name}/", g.collection)
	r.Get("/api/{api}/collections/{ns}/{name}/versions/", g.listVersions)
	r.Get("/api/{api}/collections/{ns}/{name}/versions/{version}/", g.versionDetail)
	r.Get("/api/{api}/collections/{ns}/{name}/versions/{version}/docs-blob/", g.docsBlob)
	r.Get("/api/{api}/namespaces/{ns}/", g.namespace)
	r.Get("/download/{file}", g.download)
	r.Get("/avatars/{file}", g.avatar)
	g.srv = httptest.NewServer(r)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGalaxy) url() string { return g.srv.URL + "/api/" }

func (g *fakeGalaxy) add(c tarballtest.Collection, sigs ...remoteSignature) *fakeVersion {
	g.t.Helper()
	data := tarballtest.Build(g.t, c)
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.Namespace == "" {
		c.Namespace = "testing"
	}
	if c.Name == "" {
		c.Name = "k8s_demo_collection"
	}
	if c.Version == "" {
		c.Version = "0.0.3"
	}
	fqn := c.Namespace + "." + c.Name
	fc, ok := g.collections[fqn]
	if !ok {
		fc = &fakeCollection{namespace: c.Namespace, name: c.Name}
		g.collections[fqn] = fc
		g.order = append(g.order, fqn)
	}
	v := &fakeVersion{spec: c, data: data, signatures: sigs}
	fc.versions = append(fc.versions, v)
	return v
}

func (g *fakeGalaxy) deprecate(fqn string, deprecated bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collections[fqn].deprecated = deprecated
}

func (g *fakeGalaxy) hitCount(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hits[path]
}

func (g *fakeGalaxy) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.t.Errorf("encode response: %v", err)
	}
}

func (g *fakeGalaxy) lookup(r *http.Request) *fakeCollection {
	g.mu.Lock()
	defer g.mu.Unlock()
	if chi.URLParam(r, "api") != g.api {
		return nil
	}
	return g.collections[chi.URLParam(r, "ns")+"."+chi.URLParam(r, "name")]
}

func (g *fakeGalaxy) root(w http.ResponseWriter, _ *http.Request) {
	g.write(w, map[string]any{"available_versions": map[string]string{g.api: g.api + "/"}})
}

func (g *fakeGalaxy) versionRoot(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "api") != g.api {
		http.NotFound(w, r)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.write(w, map[string]any{"published": g.published})
}

func (g *fakeGalaxy) summary(c *fakeCollection) map[string]any {
	return map[string]any{
		"namespace":    c.namespace,
		"name":         c.name,
		"deprecated":   c.deprecated,
		"href":         fmt.Sprintf("/api/%s/collections/%s/%s/", g.api, c.namespace, c.name),
		"versions_url": fmt.Sprintf("/api/%s/collections/%s/%s/versions/", g.api, c.namespace, c.name),
	}
}

func (g *fakeGalaxy) detail(v *fakeVersion, bulk bool) map[string]any {
	c := v.spec
	filename := tarball.Filename(c.Namespace, c.Name, c.Version)
	sha := tarballtest.Sha256(v.data)
	if v.corrupt {
		sha = tarballtest.Sha256([]byte("something else"))
	}
	sigs := v.signatures
	if sigs == nil {
		sigs = []remoteSignature{}
	}
	d := map[string]any{
		"version":      c.Version,
		"href":         fmt.Sprintf("/api/%s/collections/%s/%s/versions/%s/", g.api, c.Namespace, c.Name, c.Version),
		"download_url": "/download/" + filename,
		"artifact":     map[string]any{"filename": filename, "sha256": sha, "size": len(v.data)},
		"metadata": map[string]any{
			"authors":      c.Authors,
			"description":  c.Description,
			"dependencies": c.Dependencies,
			"tags":         c.Tags,
			"license":      []string{"GPL-3.0-or-later"},
		},
		"signatures":       sigs,
		"requires_ansible": ">=2.15",
	}
	if bulk {
		d["namespace"] = c.Namespace
		d["name"] = c.Name
	} else {
		d["namespace"] = map[string]any{"name": c.Namespace}
		d["collection"] = map[string]any{"name": c.Name}
	}
	return d
}

// page renders items[offset:offset+pageSize] in the envelope of the
// active API version.
func (g *fakeGalaxy) page(r *http.Request, items []any) map[string]any {
	size := g.pageSize
	start := 0
	if g.api == "v3" {
		start, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	} else if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		start = (p - 1) * size
	}
	end := min(start+size, len(items))
	if start > end {
		start = end
	}
	var next any
	if end < len(items) {
		if g.api == "v3" {
			next = fmt.Sprintf("%s?limit=%d&offset=%d", r.URL.Path, size, end)
		} else {
			next = fmt.Sprintf("%s%s?page=%d&page_size=%d", g.srv.URL, r.URL.Path, end/size+1, size)
		}
	}
	data := items[start:end]
	if g.api == "v3" {
		return map[string]any{"meta": map[string]any{"count": len(items)}, "links": map[string]any{"next": next}, "data": data}
	}
	return map[string]any{"count": len(items), "next": next, "results": data}
}

func (g *fakeGalaxy) listCollections(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]any, 0, len(g.order))
	for _, fqn := range g.order {
		items = append(items, g.summary(g.collections[fqn]))
	}
	g.write(w, g.page(r, items))
}

func (g *fakeGalaxy) allCollections(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.bulk {
		http.NotFound(w, r)
		return
	}
	items := make([]any, 0, len(g.order))
	for _, fqn := range g.order {
		items = append(items, g.summary(g.collections[fqn]))
	}
	g.write(w, items)
}

func (g *fakeGalaxy) allVersions(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.bulk {
		http.NotFound(w, r)
		return
	}
	var items []any
	for _, fqn := range g.order {
		for _, v := range g.collections[fqn].versions {
			items = append(items, g.detail(v, true))
		}
	}
	g.write(w, items)
}

func (g *fakeGalaxy) collection(w http.ResponseWriter, r *http.Request) {
	c := g.lookup(r)
	if c == nil {
		http.NotFound(w, r)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.write(w, g.summary(c))
}

func (g *fakeGalaxy) listVersions(w http.ResponseWriter, r *http.Request) {
	c := g.lookup(r)
	if c == nil {
		http.NotFound(w, r)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]any, 0, len(c.versions))
	for _, v := range c.versions {
		items = append(items, map[string]any{
			"version": v.spec.Version,
			"href":    fmt.Sprintf("/api/%s/collections/%s/%s/versions/%s/", g.api, c.namespace, c.name, v.spec.Version),
		})
	}
	g.write(w, g.page(r, items))
}

func (g *fakeGalaxy) findVersion(r *http.Request) *fakeVersion {
	c := g.lookup(r)
	if c == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range c.versions {
		if v.spec.Version == chi.URLParam(r, "version") {
			return v
		}
	}
	return nil
}

func (g *fakeGalaxy) versionDetail(w http.ResponseWriter, r *http.Request) {
	v := g.findVersion(r)
	if v == nil {
		http.NotFound(w, r)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.write(w, g.detail(v, false))
}

func (g *fakeGalaxy) docsBlob(w http.ResponseWriter, r *http.Request) {
	v := g.findVersion(r)
	if v == nil || v.spec.Version == "1.0.0" {
		http.NotFound(w, r)
		return
	}
	g.write(w, map[string]any{"docs_blob": map[string]any{"collection_readme": map[string]any{"html": "<h1>" + v.spec.Name + "</h1>"}}})
}

func (g *fakeGalaxy) namespace(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "api") != g.api {
		http.NotFound(w, r)
		return
	}
	ns := chi.URLParam(r, "ns")
	avatarSha := tarballtest.Sha256(avatarBody(ns + ".png"))
	g.write(w, map[string]any{
		"name":        ns,
		"company":     "Red Hat",
		"description": "namespace " + ns,
		"links":       []map[string]string{{"name": "homepage", "url": "https://example.com/" + ns}},
		"avatar_url":    "/avatars/" + ns + ".png",
		"avatar_sha256": avatarSha,
	})
}

func (g *fakeGalaxy) download(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, fqn := range g.order {
		for _, v := range g.collections[fqn].versions {
			if tarball.Filename(v.spec.Namespace, v.spec.Name, v.spec.Version) == chi.URLParam(r, "file") {
				_, _ = w.Write(v.data)
				return
			}
		}
	}
	http.NotFound(w, r)
}

func (g *fakeGalaxy) avatar(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	code := g.avatarCode
	g.mu.Unlock()
	if code != http.StatusOK {
		w.WriteHeader(code)
		return
	}
	_, _ = w.Write(avatarBody(chi.URLParam(r, "file")))
}

func avatarBody(file string) []byte {
	return []byte("\x89PNG avatar of " + file)
}

// httptest404 returns the URL of a server that answers every request
// with 404.
func httptest404(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	return srv.URL + "/api/"
}
