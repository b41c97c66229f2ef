// Package importer turns an uploaded collection tarball into an artifact,
// a collection version and, optionally, a new repository version.
package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/tarball"
	"github.com/h2non/filetype"
)

var (
	// ErrCollectionAlreadyExists is returned when the uploaded
	// namespace.name-version is already known.
	ErrCollectionAlreadyExists = errors.New("collection version already exists")
	// ErrNotGzip is returned for uploads that are not gzip compressed.
	ErrNotGzip = errors.New("upload is not a gzip compressed tarball")
	// ErrInvalidFilename is returned for file names not shaped like
	// namespace-name-version.tar.gz.
	ErrInvalidFilename = errors.New("invalid collection filename")
)

// LogEntry is one line of an import log.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Request describes an upload. Every field is optional.
type Request struct {
	// RepositoryID receives the new collection version.
	RepositoryID string
	// Filename, when set, must match the tarball's collection_info.
	Filename string
	// Sha256 is the digest the client claims for the upload.
	Sha256 string
}

// Result is the outcome of an import.
type Result struct {
	CollectionVersion *content.CollectionVersion
	Artifact          *artifact.Artifact
	// Version is the repository version created, nil without RepositoryID.
	Version *repository.Version
	Log     []LogEntry
}

func (r *Result) log(level, format string, args ...any) {
	r.Log = append(r.Log, LogEntry{Level: level, Message: fmt.Sprintf(format, args...), Time: time.Now().UTC()})
}

// Importer imports uploaded tarballs.
type Importer struct {
	engine    *repository.Engine
	store     *content.Store
	artifacts *artifact.Service
	logger    *slog.Logger
}

// New returns an Importer.
func New(engine *repository.Engine, store *content.Store, artifacts *artifact.Service, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{engine: engine, store: store, artifacts: artifacts, logger: logger}
}

// ParseFilename splits namespace-name-version.tar.gz.
func ParseFilename(filename string) (namespace, name, version string, err error) {
	base, ok := strings.CutSuffix(filename, ".tar.gz")
	if !ok {
		return "", "", "", fmt.Errorf("%w: %q does not end in .tar.gz", ErrInvalidFilename, filename)
	}
	parts := strings.SplitN(base, "-", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	return parts[0], parts[1], parts[2], nil
}

// Stage checks that r is a gzip stream and stores it as an artifact. A
// tarball that is already stored is returned with fresh unset.
func (i *Importer) Stage(ctx context.Context, r io.Reader, sha256 string) (a *artifact.Artifact, fresh bool, err error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(262)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("read upload: %w", err)
	}
	if !filetype.Is(head, "gz") {
		return nil, false, ErrNotGzip
	}
	a, err = i.artifacts.Put(ctx, br, artifact.Expected{Sha256: sha256})
	if err != nil && !errors.Is(err, artifact.ErrDuplicateArtifact) {
		return nil, false, err
	}
	return a, err == nil, nil
}

// Import stores the tarball read from r and creates its collection
// version. With a RepositoryID, ctx must hold that repository's
// reservation and the collection version is added to a new version.
func (i *Importer) Import(ctx context.Context, r io.Reader, req Request) (*Result, error) {
	if err := checkRequest(ctx, req); err != nil {
		return nil, err
	}
	a, fresh, err := i.Stage(ctx, r, req.Sha256)
	if err != nil {
		return nil, err
	}
	return i.importArtifact(ctx, a, fresh, req)
}

// ImportArtifact imports a tarball staged earlier with Stage. A rejected
// tarball is deleted unless content references it.
func (i *Importer) ImportArtifact(ctx context.Context, artifactID string, req Request) (*Result, error) {
	if err := checkRequest(ctx, req); err != nil {
		return nil, err
	}
	a, err := i.artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return i.importArtifact(ctx, a, true, req)
}

func checkRequest(ctx context.Context, req Request) error {
	if req.RepositoryID != "" && !repository.Reserved(ctx, req.RepositoryID) {
		return fmt.Errorf("%w: %s", repository.ErrNotReserved, req.RepositoryID)
	}
	if req.Filename != "" {
		if _, _, _, err := ParseFilename(req.Filename); err != nil {
			return err
		}
	}
	return nil
}

func (i *Importer) importArtifact(ctx context.Context, a *artifact.Artifact, fresh bool, req Request) (*Result, error) {
	res := &Result{Artifact: a}
	res.log("INFO", "stored artifact %s (%d bytes)", a.Sha256, a.Size)

	cv, tags, err := i.inspect(ctx, a, res)
	if err == nil && req.Filename != "" {
		ns, name, version, _ := ParseFilename(req.Filename)
		if cv.Namespace != ns || cv.Name != name || cv.Version != version {
			err = fmt.Errorf("%w: filename %s does not match %s-%s", tarball.ErrInvalidManifest, req.Filename, cv.FQN(), cv.Version)
		}
	}
	if err == nil {
		err = i.create(ctx, cv, tags, a)
	}
	if err != nil {
		res.log("ERROR", "%v", err)
		if fresh {
			if _, derr := i.artifacts.DeleteIfUnreferenced(ctx, a.ID); derr != nil {
				i.logger.Warn("failed to remove rejected upload", "sha256", a.Sha256, "error", derr)
			}
		}
		return res, err
	}
	res.CollectionVersion = cv
	res.log("INFO", "created collection version %s-%s", cv.FQN(), cv.Version)

	if req.RepositoryID != "" {
		v, err := i.engine.Modify(ctx, req.RepositoryID, func(ctx context.Context, d *repository.Draft) error {
			return d.Add(ctx, cv.ID)
		})
		if err != nil {
			return res, err
		}
		res.Version = v
		res.log("INFO", "added to repository version %d", v.Number)
	}
	i.logger.Info("collection imported", "collection", cv.FQN(), "version", cv.Version, "sha256", a.Sha256)
	return res, nil
}

func (i *Importer) inspect(ctx context.Context, a *artifact.Artifact, res *Result) (*content.CollectionVersion, []string, error) {
	rc, err := i.artifacts.Open(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	inspected, err := tarball.Inspect(rc)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range inspected.Warnings {
		res.log("WARNING", "%s", w)
		i.logger.Warn("collection tarball warning", "sha256", a.Sha256, "warning", w)
	}
	cv := &content.CollectionVersion{Sha256: a.Sha256}
	tags := content.ApplyInspection(cv, inspected)
	return cv, tags, nil
}

func (i *Importer) create(ctx context.Context, cv *content.CollectionVersion, tags []string, a *artifact.Artifact) error {
	if _, err := i.store.GetCollectionVersion(ctx, cv.Namespace, cv.Name, cv.Version); err == nil {
		return fmt.Errorf("%w: %s-%s", ErrCollectionAlreadyExists, cv.FQN(), cv.Version)
	} else if !errors.Is(err, content.ErrNotFound) {
		return err
	}
	if err := i.store.CreateCollectionVersion(ctx, cv, tags); err != nil {
		if errors.Is(err, content.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s-%s", ErrCollectionAlreadyExists, cv.FQN(), cv.Version)
		}
		return err
	}
	_, err := i.store.AttachArtifact(ctx, cv.ID, &a.ID, tarball.Filename(cv.Namespace, cv.Name, cv.Version))
	return err
}
