package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/repository"
)

// view is the content a distribution serves. repo and version are nil for
// a distribution bound to nothing.
type view struct {
	dist    *repository.Distribution
	repo    *repository.Repository
	version *repository.Version
}

type viewKey struct{}

func viewFrom(ctx context.Context) *view {
	v, _ := ctx.Value(viewKey{}).(*view)
	return v
}

// resolve loads the distribution at basePath and what it serves.
func (s *Server) resolve(ctx context.Context, basePath string) (*view, error) {
	d, err := s.Engine.GetDistributionByBasePath(ctx, basePath)
	if err != nil {
		return nil, err
	}
	v := &view{dist: d}
	if d.RepositoryID == nil && d.RepositoryVersionID == nil {
		return v, nil
	}
	v.repo, v.version, err = s.Engine.ResolveDistribution(ctx, d)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// distributionContext resolves {base_path} for the galaxy routes.
func (s *Server) distributionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, err := s.resolve(r.Context(), chi.URLParam(r, "base_path"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), viewKey{}, v)))
	})
}

func (v *view) apiRoot() string {
	return GalaxyPrefix + "/" + v.dist.BasePath + "/api/"
}

func (v *view) collectionHref(namespace, name string) string {
	return fmt.Sprintf("%sv3/collections/%s/%s/", v.apiRoot(), namespace, name)
}

func (v *view) versionHref(cv *content.CollectionVersion) string {
	return fmt.Sprintf("%sversions/%s/", v.collectionHref(cv.Namespace, cv.Name), cv.Version)
}

// collectionVersions returns the served collection versions ordered by
// namespace, name and newest version first.
func (s *Server) collectionVersions(ctx context.Context, v *view) ([]content.CollectionVersion, error) {
	if v.version == nil {
		return nil, nil
	}
	cvs, err := s.Engine.CollectionVersionsIn(ctx, v.version)
	if err != nil {
		return nil, err
	}
	content.SortVersions(cvs)
	sort.SliceStable(cvs, func(i, j int) bool {
		if cvs[i].Namespace != cvs[j].Namespace {
			return cvs[i].Namespace < cvs[j].Namespace
		}
		return cvs[i].Name < cvs[j].Name
	})
	return cvs, nil
}

// versionsOf returns the served versions of namespace.name, newest first.
func (s *Server) versionsOf(ctx context.Context, v *view, namespace, name string) ([]content.CollectionVersion, error) {
	all, err := s.collectionVersions(ctx, v)
	if err != nil {
		return nil, err
	}
	var out []content.CollectionVersion
	for _, cv := range all {
		if cv.Namespace == namespace && cv.Name == name {
			out = append(out, cv)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("collection %s.%s: %w", namespace, name, content.ErrNotFound)
	}
	return out, nil
}

// deprecated returns the "namespace.name" keys deprecated in the served version.
func (s *Server) deprecated(ctx context.Context, v *view) (map[string]bool, error) {
	out := map[string]bool{}
	if v.version == nil {
		return out, nil
	}
	var deps []content.Deprecation
	if err := s.Store.DB().WithContext(ctx).
		Where("id IN (?)", s.Engine.ContentSubquery(ctx, v.version, content.TypeDeprecation)).
		Find(&deps).Error; err != nil {
		return nil, err
	}
	for _, d := range deps {
		out[d.Namespace+"."+d.Name] = true
	}
	return out, nil
}

// signatures returns the served signatures of cvIDs keyed by collection version.
func (s *Server) signatures(ctx context.Context, ver *repository.Version, cvIDs []string) (map[string][]content.Signature, error) {
	var sigs []content.Signature
	if err := s.Store.DB().WithContext(ctx).
		Where("signed_collection_id IN ? AND id IN (?)", cvIDs, s.Engine.ContentSubquery(ctx, ver, content.TypeSignature)).
		Order("created_at").Find(&sigs).Error; err != nil {
		return nil, err
	}
	out := map[string][]content.Signature{}
	for _, sig := range sigs {
		out[sig.SignedCollectionID] = append(out[sig.SignedCollectionID], sig)
	}
	return out, nil
}

// marks returns the served mark values of cvIDs keyed by collection version.
func (s *Server) marks(ctx context.Context, ver *repository.Version, cvIDs []string) (map[string][]string, error) {
	var marks []content.Mark
	if err := s.Store.DB().WithContext(ctx).
		Where("marked_collection_id IN ? AND id IN (?)", cvIDs, s.Engine.ContentSubquery(ctx, ver, content.TypeMark)).
		Order("value").Find(&marks).Error; err != nil {
		return nil, err
	}
	out := map[string][]string{}
	for _, m := range marks {
		out[m.MarkedCollectionID] = append(out[m.MarkedCollectionID], m.Value)
	}
	return out, nil
}

// namespaces returns the served namespace metadata, newest per name,
// ordered by name.
func (s *Server) namespaces(ctx context.Context, v *view) ([]content.NamespaceMetadata, error) {
	if v.version == nil {
		return nil, nil
	}
	var all []content.NamespaceMetadata
	if err := s.Store.DB().WithContext(ctx).
		Where("id IN (?)", s.Engine.ContentSubquery(ctx, v.version, content.TypeNamespace)).
		Order("name, created_at DESC").Find(&all).Error; err != nil {
		return nil, err
	}
	var out []content.NamespaceMetadata
	for _, nm := range all {
		if len(out) == 0 || out[len(out)-1].Name != nm.Name {
			out = append(out, nm)
		}
	}
	return out, nil
}

// contains reports whether content id is part of ver.
func (s *Server) contains(ctx context.Context, ver *repository.Version, id string, typ content.Type) (bool, error) {
	if ver == nil {
		return false, nil
	}
	var n int64
	err := s.Store.DB().WithContext(ctx).Model(&content.Content{}).
		Where("id = ? AND id IN (?)", id, s.Engine.ContentSubquery(ctx, ver, typ)).
		Count(&n).Error
	return n > 0, err
}
