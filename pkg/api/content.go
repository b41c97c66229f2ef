package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/importer"
)

// downloadArtifact streams a collection tarball served by {base_path}.
// Guarded distributions require a validate_token issued for this path.
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	basePath, filename := chi.URLParam(r, "base_path"), chi.URLParam(r, "filename")
	v, err := s.resolve(ctx, basePath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if v.dist.ContentGuardID != nil {
		g, err := s.Engine.GetContentGuard(ctx, *v.dist.ContentGuardID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := verifyPath(g, artifactPath(basePath, filename), r.URL.Query().Get("validate_token")); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	a, err := s.servedArtifact(ctx, v, filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, err := s.Artifacts.Open(ctx, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact download interrupted", "artifact", a.ID, "error", err)
	}
}

// servedArtifact finds the artifact of filename in the view, fetching
// on-demand content from its remote first.
func (s *Server) servedArtifact(ctx context.Context, v *view, filename string) (*artifact.Artifact, error) {
	ns, name, version, err := importer.ParseFilename(filename)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, content.ErrNotFound)
	}
	cv, err := s.servedVersion(ctx, v, ns, name, version)
	if err != nil {
		return nil, err
	}
	ca, err := s.Store.ContentArtifactFor(ctx, cv.ID)
	if err != nil {
		return nil, err
	}
	if ca.ArtifactID != nil {
		return s.Artifacts.Get(ctx, *ca.ArtifactID)
	}
	if s.deferred == nil {
		return nil, fmt.Errorf("%s has not been downloaded: %w", filename, artifact.ErrNotFound)
	}
	return s.deferred.FetchDeferred(ctx, cv.ID)
}

// redirectArtifact sends galaxy clients to the content app, signing the
// URL when the serving distribution is guarded.
func (s *Server) redirectArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	basePath, filename := chi.URLParam(r, "content_path"), chi.URLParam(r, "filename")
	v, err := s.resolve(ctx, basePath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path := artifactPath(basePath, filename)
	target := s.cfg.ContentOrigin + path
	if v.dist.ContentGuardID != nil {
		g, err := s.Engine.GetContentGuard(ctx, *v.dist.ContentGuardID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		token, err := signPath(g, path, s.cfg.GuardTTL)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		target += "?validate_token=" + url.QueryEscape(token)
	}
	http.Redirect(w, r, target, http.StatusFound)
}
