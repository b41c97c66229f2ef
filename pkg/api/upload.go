package api

import (
	"net/http"

	"github.com/ansible/content-repository/pkg/importer"
	"github.com/ansible/content-repository/pkg/tasks"
)

// uploadCollection stages the posted tarball and queues its import into
// the distribution's repository.
func (s *Server) uploadCollection(w http.ResponseWriter, r *http.Request) {
	ctx, v := r.Context(), viewFrom(r.Context())
	if v.repo == nil {
		s.writeError(w, r, badRequest("distribution %s serves no repository", v.dist.BasePath))
		return
	}
	if v.dist.RepositoryVersionID != nil {
		s.writeError(w, r, badRequest("distribution %s is pinned to a repository version", v.dist.BasePath))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, badRequest("file: %v", err))
		return
	}
	defer file.Close()
	if _, _, _, err := importer.ParseFilename(header.Filename); err != nil {
		s.writeError(w, r, err)
		return
	}

	sha256 := r.FormValue("sha256")
	a, fresh, err := s.Importer.Stage(ctx, file, sha256)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.Dispatcher.Import(ctx, tasks.ImportArgs{
		ArtifactID:   a.ID,
		RepositoryID: v.repo.ID,
		Filename:     header.Filename,
		Sha256:       sha256,
	})
	if err != nil && fresh {
		if _, cerr := s.Artifacts.DeleteIfUnreferenced(ctx, a.ID); cerr != nil {
			s.logger.Warn("staged upload cleanup failed", "artifact", a.ID, "error", cerr)
		}
	}
	s.taskAccepted(w, r, task, err)
}
