package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/database"
	"github.com/ansible/content-repository/pkg/deletion"
	"github.com/ansible/content-repository/pkg/importer"
	"github.com/ansible/content-repository/pkg/index"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/signing"
	"github.com/ansible/content-repository/pkg/syncer"
	"github.com/ansible/content-repository/pkg/tarball"
	"github.com/ansible/content-repository/pkg/transfer"
)

// errBadRequest marks request validation failures of the API layer itself.
var errBadRequest = errors.New("invalid request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type errorStatus struct {
	target error
	status int
	code   string
	title  string
}

// errorStatuses maps sentinels to HTTP statuses, first match wins.
var errorStatuses = []errorStatus{
	{content.ErrNotFound, http.StatusNotFound, "not_found", "Not found."},
	{repository.ErrNotFound, http.StatusNotFound, "not_found", "Not found."},
	{artifact.ErrNotFound, http.StatusNotFound, "not_found", "Not found."},
	{signing.ErrServiceNotFound, http.StatusNotFound, "not_found", "Not found."},
	{syncer.ErrNoRemoteArtifact, http.StatusNotFound, "not_found", "Not found."},
	{importer.ErrCollectionAlreadyExists, http.StatusConflict, "conflict", "Collection version already exists."},
	{content.ErrAlreadyExists, http.StatusConflict, "conflict", "Already exists."},
	{deletion.ErrDependencyConflict, http.StatusConflict, "dependency_conflict", "Deletion would break dependencies."},
	{repository.ErrInvariantViolation, http.StatusUnprocessableEntity, "invariant_violation", "Repository version invariant violated."},
	{signing.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature", "Invalid signature."},
	{signing.ErrNoVerificationKey, http.StatusBadRequest, "invalid_signature", "No verification key."},
	{signing.ErrInvalidService, http.StatusBadRequest, "invalid", "Invalid signing service."},
	{artifact.ErrDigestMismatch, http.StatusBadRequest, "invalid", "Digest mismatch."},
	{importer.ErrNotGzip, http.StatusBadRequest, "invalid", "Invalid upload."},
	{importer.ErrInvalidFilename, http.StatusBadRequest, "invalid", "Invalid upload."},
	{tarball.ErrMissingManifest, http.StatusBadRequest, "invalid", "Invalid collection."},
	{tarball.ErrInvalidManifest, http.StatusBadRequest, "invalid", "Invalid collection."},
	{tarball.ErrInvalidArchive, http.StatusBadRequest, "invalid", "Invalid collection."},
	{repository.ErrInvalidDistribution, http.StatusBadRequest, "invalid", "Invalid distribution."},
	{index.ErrInvalidQuery, http.StatusBadRequest, "invalid", "Invalid query."},
	{transfer.ErrNothingToTransfer, http.StatusBadRequest, "invalid", "Nothing to transfer."},
	{errBadRequest, http.StatusBadRequest, "invalid", "Invalid request."},
	{errGuardDenied, http.StatusForbidden, "permission_denied", "You do not have permission to perform this action."},
}

type apiError struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err in the galaxy error envelope, choosing the status
// from the sentinel it wraps.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errorStatus{status: http.StatusInternalServerError, code: "server_error", title: "Internal server error."}
	if database.IsUniqueViolation(err) {
		e = errorStatus{status: http.StatusConflict, code: "conflict", title: "Already exists."}
	}
	for _, candidate := range errorStatuses {
		if errors.Is(err, candidate.target) {
			e = candidate
			break
		}
	}
	if e.status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, e.status, map[string]any{
		"errors": []apiError{{Status: fmt.Sprint(e.status), Code: e.code, Title: e.title, Detail: err.Error()}},
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}
