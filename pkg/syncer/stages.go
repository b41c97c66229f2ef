package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/download"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/tarball"
	mapset "github.com/deckarep/golang-set/v2"
)

// syncRun is the state of one sync shared by its stages. Fields written
// by a stage are read only after the pipeline has finished.
type syncRun struct {
	s      *Syncer
	remote *repository.Remote
	client *download.Client
	apis   map[string]*galaxyAPI

	// residue starts as the collections deprecated in the previous version;
	// deprecations seen upstream are taken out of it.
	residue    mapset.Set[string]
	contentIDs mapset.Set[string]
	namespaces []*content.NamespaceMetadata

	downloaded atomic.Int64
	created    atomic.Int64
}

func (r *syncRun) clientFor(dc *DeclarativeContent) *download.Client {
	if dc.source != nil {
		return dc.source
	}
	return r.client
}

// sourceAPI discovers the API of a secondary galaxy server named by a
// requirement. The remote's credentials are not sent to it.
func (r *syncRun) sourceAPI(ctx context.Context, source string) (*galaxyAPI, error) {
	if api, ok := r.apis[source]; ok {
		return api, nil
	}
	client, err := r.s.downloads.Client(download.Options{
		ProxyURL:     r.remote.ProxyURL,
		RateLimit:    r.remote.RateLimit,
		Concurrency:  r.remote.DownloadConcurrency,
		TotalTimeout: r.remote.TotalTimeout,
	})
	if err != nil {
		return nil, err
	}
	api, err := discoverAPI(ctx, client, source)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source, err)
	}
	r.apis[source] = api
	return api, nil
}

func (r *syncRun) queryExistingArtifacts(ctx context.Context, dc *DeclarativeContent) (*DeclarativeContent, bool, error) {
	a := dc.Artifact
	if a == nil || a.Sha256 == "" {
		return dc, true, nil
	}
	existing, err := r.s.artifacts.FindBySha256(ctx, a.Sha256)
	switch {
	case err == nil:
		a.Artifact = existing
	case !errors.Is(err, artifact.ErrNotFound):
		return nil, false, err
	}
	return dc, true, nil
}

func (r *syncRun) downloadArtifact(ctx context.Context, dc *DeclarativeContent) (*DeclarativeContent, error) {
	a := dc.Artifact
	if a == nil || a.Artifact != nil || a.Deferred || a.URL == "" {
		return dc, nil
	}
	res, err := r.clientFor(dc).Download(ctx, a.URL, artifact.Expected{Sha256: a.Sha256, Size: a.Size})
	if err != nil {
		if dc.Kind == KindNamespace {
			r.s.logger.Warn("namespace avatar download failed", "namespace", dc.Namespace.Name, "url", a.URL, "error", err)
			a.Deferred = true
			dc.Namespace.AvatarSha256 = nil
			return dc, nil
		}
		return nil, fmt.Errorf("download %s: %w", a.URL, err)
	}
	a.download = res
	r.downloaded.Add(1)
	r.s.metrics.downloaded.Add(ctx, 1)
	return dc, nil
}

func (r *syncRun) saveArtifact(ctx context.Context, dc *DeclarativeContent) (*DeclarativeContent, bool, error) {
	a := dc.Artifact
	if a == nil || a.download == nil {
		return dc, true, nil
	}
	defer a.download.Remove()
	saved, err := r.s.artifacts.PutFile(ctx, a.download.Path, artifact.Expected{})
	if err != nil && !errors.Is(err, artifact.ErrDuplicateArtifact) {
		return nil, false, err
	}
	a.Artifact = saved
	a.download = nil
	if dc.Kind == KindNamespace && dc.Namespace.AvatarSha256 == nil {
		sha := saved.Sha256
		dc.Namespace.AvatarSha256 = &sha
	}
	return dc, true, nil
}

func (r *syncRun) queryExistingContent(ctx context.Context, dc *DeclarativeContent) (*DeclarativeContent, bool, error) {
	switch dc.Kind {
	case KindCollectionVersion:
		cv := dc.CollectionVersion
		existing, err := r.s.store.GetCollectionVersion(ctx, cv.Namespace, cv.Name, cv.Version)
		if err == nil {
			dc.CollectionVersion = existing
			dc.Existing = true
			dc.ContentID = existing.ID
		} else if !errors.Is(err, content.ErrNotFound) {
			return nil, false, err
		}
	case KindDeprecation:
		existing, err := r.s.store.FindDeprecation(ctx, dc.Deprecation.Namespace, dc.Deprecation.Name)
		if err == nil {
			dc.Deprecation = existing
			dc.Existing = true
			dc.ContentID = existing.ID
		} else if !errors.Is(err, content.ErrNotFound) {
			return nil, false, err
		}
	}
	return dc, true, nil
}

func (r *syncRun) downloadDocsBlob(ctx context.Context, dc *DeclarativeContent) (*DeclarativeContent, error) {
	if dc.Kind != KindCollectionVersion || dc.Existing || dc.DocsBlobURL == "" {
		return dc, nil
	}
	var body struct {
		DocsBlob map[string]any `json:"docs_blob"`
	}
	err := r.clientFor(dc).Silence(http.StatusNotFound).GetJSON(ctx, dc.DocsBlobURL, &body)
	switch {
	case err == nil:
		dc.DocsBlob = body.DocsBlob
	case errors.Is(err, download.ErrNotFound):
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		r.s.logger.Warn("docs blob download failed", "url", dc.DocsBlobURL, "error", err)
	}
	return dc, nil
}

func (r *syncRun) saveContent(ctx context.Context, dc *DeclarativeContent) (*DeclarativeContent, bool, error) {
	var err error
	switch dc.Kind {
	case KindCollectionVersion:
		err = r.saveCollectionVersion(ctx, dc)
	case KindSignature:
		var sig *content.Signature
		var created bool
		if sig, created, err = r.s.store.GetOrCreateSignature(ctx, dc.Signature); err == nil {
			dc.Signature, dc.ContentID, dc.Existing = sig, sig.ID, !created
		}
	case KindDeprecation:
		if !dc.Existing {
			var d *content.Deprecation
			if d, err = r.s.store.GetOrCreateDeprecation(ctx, dc.Deprecation.Namespace, dc.Deprecation.Name); err == nil {
				dc.Deprecation, dc.ContentID = d, d.ID
			}
		}
	case KindNamespace:
		err = r.saveNamespace(ctx, dc)
	}
	if err != nil {
		return nil, false, err
	}
	if !dc.Existing {
		r.created.Add(1)
		r.s.metrics.saved.Add(ctx, 1)
	}
	return dc, true, nil
}

func (r *syncRun) saveCollectionVersion(ctx context.Context, dc *DeclarativeContent) error {
	a := dc.Artifact
	if dc.Existing {
		// fill in bytes fetched for a version synced on_demand before
		if a != nil && a.Artifact != nil {
			id := a.Artifact.ID
			if _, err := r.s.store.AttachArtifact(ctx, dc.ContentID, &id, a.RelativePath); err != nil {
				return err
			}
		}
		return nil
	}

	cv := dc.CollectionVersion
	tags := dc.Tags
	if a != nil && a.Artifact != nil {
		if err := r.inspect(ctx, dc); err != nil {
			return err
		}
		tags = dc.Tags
	}
	if len(dc.DocsBlob) > 0 {
		cv.DocsBlob = dc.DocsBlob
	}
	err := r.s.store.CreateCollectionVersion(ctx, cv, tags)
	if errors.Is(err, content.ErrAlreadyExists) {
		existing, findErr := r.s.store.GetCollectionVersion(ctx, cv.Namespace, cv.Name, cv.Version)
		if findErr != nil {
			return findErr
		}
		dc.CollectionVersion, dc.Existing = existing, true
		cv = existing
	} else if err != nil {
		return err
	}
	dc.ContentID = cv.ID

	if a != nil {
		var artifactID *string
		if a.Artifact != nil {
			id := a.Artifact.ID
			artifactID = &id
		}
		if _, err := r.s.store.AttachArtifact(ctx, cv.ID, artifactID, a.RelativePath); err != nil {
			return err
		}
	}
	return nil
}

// inspect fills the collection version from its tarball.
func (r *syncRun) inspect(ctx context.Context, dc *DeclarativeContent) error {
	cv := dc.CollectionVersion
	rc, err := r.s.artifacts.Open(ctx, dc.Artifact.Artifact)
	if err != nil {
		return err
	}
	defer rc.Close()
	res, err := tarball.Inspect(rc)
	if err != nil {
		return fmt.Errorf("inspect %s-%s: %w", cv.FQN(), cv.Version, err)
	}
	info := res.Info
	if info.Namespace != cv.Namespace || info.Name != cv.Name || info.Version != cv.Version {
		return fmt.Errorf("artifact announced as %s-%s contains %s.%s-%s",
			cv.FQN(), cv.Version, info.Namespace, info.Name, info.Version)
	}
	for _, w := range res.Warnings {
		r.s.logger.Warn("collection tarball warning", "collection", cv.FQN(), "version", cv.Version, "warning", w)
	}
	dc.Tags = content.ApplyInspection(cv, res)
	cv.Sha256 = dc.Artifact.Artifact.Sha256
	return nil
}

func (r *syncRun) saveNamespace(ctx context.Context, dc *DeclarativeContent) error {
	nm, err := r.s.store.GetOrCreateNamespaceMetadata(ctx, dc.Namespace)
	if err != nil {
		return err
	}
	dc.Existing = nm != dc.Namespace
	dc.Namespace, dc.ContentID = nm, nm.ID
	if a := dc.Artifact; a != nil {
		var artifactID *string
		if a.Artifact != nil {
			id := a.Artifact.ID
			artifactID = &id
		}
		if _, err := r.s.store.AttachArtifact(ctx, nm.ID, artifactID, a.RelativePath); err != nil {
			return err
		}
	}
	return nil
}

func (r *syncRun) saveRemoteArtifact(ctx context.Context, dc *DeclarativeContent) (*DeclarativeContent, bool, error) {
	a := dc.Artifact
	if a == nil || !a.Deferred || a.Artifact != nil || dc.ContentID == "" {
		return dc, true, nil
	}
	ca, err := r.s.store.ContentArtifactFor(ctx, dc.ContentID)
	if err != nil {
		return nil, false, err
	}
	err = r.s.store.SaveRemoteArtifact(ctx, &content.RemoteArtifact{
		ContentArtifactID: ca.ID,
		RemoteID:          r.remote.ID,
		URL:               a.URL,
		Sha256:            a.Sha256,
		Size:              a.Size,
	})
	if err != nil {
		return nil, false, fmt.Errorf("save remote artifact for %s: %w", a.URL, err)
	}
	return dc, true, nil
}

func resolveFutures(_ context.Context, dc *DeclarativeContent) (*DeclarativeContent, bool, error) {
	dc.resolve()
	return dc, true, nil
}

func (r *syncRun) undeprecate(_ context.Context, dc *DeclarativeContent) (*DeclarativeContent, bool, error) {
	if dc.Kind == KindDeprecation {
		r.residue.Remove(dc.Deprecation.Namespace + "." + dc.Deprecation.Name)
	}
	return dc, true, nil
}

func (r *syncRun) associate(_ context.Context, dc *DeclarativeContent) (*DeclarativeContent, bool, error) {
	if dc.ContentID == "" {
		return dc, true, nil
	}
	if dc.Kind == KindNamespace {
		r.namespaces = append(r.namespaces, dc.Namespace)
	} else {
		r.contentIDs.Add(dc.ContentID)
	}
	return dc, true, nil
}
