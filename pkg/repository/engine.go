package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a repository, version, remote or
	// distribution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation aborts a finalize whose content set breaks a
	// repository version invariant.
	ErrInvariantViolation = errors.New("repository version invariant violation")

	// ErrDraftClosed is returned when a finalized or discarded draft is used.
	ErrDraftClosed = errors.New("repository version draft is closed")
)

// Indexer keeps the cross-repository index in step with repository
// versions and distributions. Calls run inside the caller's transaction.
type Indexer interface {
	// UpdateForVersion refreshes the rows of distributions that track the
	// repository's latest version, now becoming version.
	UpdateForVersion(ctx context.Context, tx *gorm.DB, repo *Repository, version, previous *Version) error
	// RebuildForDistribution makes the distribution's content reachable.
	RebuildForDistribution(ctx context.Context, tx *gorm.DB, dist *Distribution) error
	// RemoveForDistribution drops rows only dist made reachable. It runs
	// after dist has been deleted or rebound.
	RemoveForDistribution(ctx context.Context, tx *gorm.DB, dist *Distribution) error
}

// Engine creates repositories and their versions.
type Engine struct {
	db      *gorm.DB
	indexer Indexer
	logger  *slog.Logger
}

// NewEngine returns an Engine. indexer may be nil.
func NewEngine(db *gorm.DB, indexer Indexer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, indexer: indexer, logger: logger}
}

// WithDB returns a copy of the engine bound to db, typically a transaction.
func (e *Engine) WithDB(db *gorm.DB) *Engine {
	return &Engine{db: db, indexer: e.indexer, logger: e.logger}
}

// DB returns the underlying handle.
func (e *Engine) DB() *gorm.DB { return e.db }

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// CreateRepository stores repo together with its empty version 0.
func (e *Engine) CreateRepository(ctx context.Context, repo *Repository) error {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v0 := &Version{ID: uuid.NewString(), RepositoryID: repo.ID, Number: 0, Complete: true}
		repo.LatestVersionID = v0.ID
		if err := tx.Create(repo).Error; err != nil {
			return fmt.Errorf("create repository %q: %w", repo.Name, err)
		}
		return tx.Create(v0).Error
	})
}

// GetRepository returns the repository with id.
func (e *Engine) GetRepository(ctx context.Context, id string) (*Repository, error) {
	var r Repository
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err, "repository "+id)
	}
	return &r, nil
}

// GetRepositoryByName returns the repository called name.
func (e *Engine) GetRepositoryByName(ctx context.Context, name string) (*Repository, error) {
	var r Repository
	if err := e.db.WithContext(ctx).Where("name = ?", name).First(&r).Error; err != nil {
		return nil, notFound(err, "repository "+name)
	}
	return &r, nil
}

// ListRepositories returns every repository ordered by name.
func (e *Engine) ListRepositories(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	err := e.db.WithContext(ctx).Order("name").Find(&repos).Error
	return repos, err
}

// UpdateRepository saves mutable repository attributes (description,
// remote, gpgkey, labels, private, last synced time).
func (e *Engine) UpdateRepository(ctx context.Context, repo *Repository) error {
	return e.db.WithContext(ctx).Model(repo).Select(
		"description", "remote_id", "gpgkey", "private", "labels", "last_synced_metadata_time",
	).Updates(repo).Error
}

// LatestVersion returns the repository's latest complete version.
func (e *Engine) LatestVersion(ctx context.Context, repo *Repository) (*Version, error) {
	return e.GetVersion(ctx, repo.LatestVersionID)
}

// GetVersion returns the version with id.
func (e *Engine) GetVersion(ctx context.Context, id string) (*Version, error) {
	var v Version
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&v).Error; err != nil {
		return nil, notFound(err, "repository version "+id)
	}
	return &v, nil
}

// VersionByNumber returns the complete version numbered n.
func (e *Engine) VersionByNumber(ctx context.Context, repositoryID string, n int) (*Version, error) {
	var v Version
	err := e.db.WithContext(ctx).
		Where("repository_id = ? AND number = ? AND complete = ?", repositoryID, n, true).
		First(&v).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("repository version %d", n))
	}
	return &v, nil
}

// ListVersions returns the complete versions of a repository, newest first.
func (e *Engine) ListVersions(ctx context.Context, repositoryID string) ([]Version, error) {
	var vs []Version
	err := e.db.WithContext(ctx).
		Where("repository_id = ? AND complete = ?", repositoryID, true).
		Order("number DESC").Find(&vs).Error
	return vs, err
}

// membersAt selects content ids present in version n of a repository.
func (e *Engine) membersAt(ctx context.Context, repositoryID string, n int, types ...content.Type) *gorm.DB {
	q := e.db.WithContext(ctx).Model(&Membership{}).
		Select("repository_contents.content_id").
		Where("repository_contents.repository_id = ? AND repository_contents.version_added <= ?", repositoryID, n).
		Where("repository_contents.version_removed IS NULL OR repository_contents.version_removed > ?", n)
	if len(types) > 0 {
		q = q.Joins("JOIN contents ON contents.id = repository_contents.content_id").
			Where("contents.type IN ?", types)
	}
	return q
}

// ContentIDs returns the content of version v, optionally restricted to
// some content types.
func (e *Engine) ContentIDs(ctx context.Context, v *Version, types ...content.Type) ([]string, error) {
	var ids []string
	err := e.membersAt(ctx, v.RepositoryID, v.Number, types...).Pluck("repository_contents.content_id", &ids).Error
	return ids, err
}

// ContentSubquery returns a query selecting the content ids of version v,
// usable as an IN (?) argument.
func (e *Engine) ContentSubquery(ctx context.Context, v *Version, types ...content.Type) *gorm.DB {
	return e.membersAt(ctx, v.RepositoryID, v.Number, types...)
}

// Diff returns the content added and removed between versions from and to
// of one repository.
func (e *Engine) Diff(ctx context.Context, from, to *Version) (added, removed []string, err error) {
	if from == nil {
		ids, err := e.ContentIDs(ctx, to)
		return ids, nil, err
	}
	before, err := e.ContentIDs(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	after, err := e.ContentIDs(ctx, to)
	if err != nil {
		return nil, nil, err
	}
	a, r := diffSets(before, after)
	return a, r, nil
}

// CollectionVersionsIn returns the collection versions of version v.
func (e *Engine) CollectionVersionsIn(ctx context.Context, v *Version) ([]content.CollectionVersion, error) {
	var cvs []content.CollectionVersion
	err := e.db.WithContext(ctx).Preload("Tags").
		Where("id IN (?)", e.ContentSubquery(ctx, v, content.TypeCollectionVersion)).
		Find(&cvs).Error
	return cvs, err
}

// NewVersion opens a draft version of the repository. The draft starts as
// a copy of base, or of the latest version when base is nil. The caller
// must hold the repository's reservation.
func (e *Engine) NewVersion(ctx context.Context, repositoryID string, base *Version) (*Draft, error) {
	if err := requireReservation(ctx, repositoryID); err != nil {
		return nil, err
	}
	repo, err := e.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	latest, err := e.LatestVersion(ctx, repo)
	if err != nil {
		return nil, err
	}
	if err := e.discardStaleDrafts(ctx, repo, latest); err != nil {
		return nil, err
	}

	if base == nil {
		base = latest
	} else if base.RepositoryID != repositoryID || !base.Complete {
		return nil, fmt.Errorf("base version %s is not a complete version of repository %s", base.ID, repositoryID)
	}

	v := &Version{
		ID:            uuid.NewString(),
		RepositoryID:  repositoryID,
		Number:        latest.Number + 1,
		BaseVersionID: &base.ID,
	}
	if err := e.db.WithContext(ctx).Create(v).Error; err != nil {
		return nil, fmt.Errorf("open repository version: %w", err)
	}

	d := &Draft{engine: e, repo: repo, version: v, base: base, previous: latest}
	if base.ID != latest.ID {
		add, remove, err := e.Diff(ctx, latest, base)
		if err == nil {
			err = d.Remove(ctx, remove...)
		}
		if err == nil {
			err = d.Add(ctx, add...)
		}
		if err != nil {
			_ = d.Discard(ctx)
			return nil, fmt.Errorf("rebase draft on version %d: %w", base.Number, err)
		}
	}
	e.logger.Debug("repository version opened", "repository", repo.Name, "number", v.Number)
	return d, nil
}

// discardStaleDrafts removes incomplete versions left behind by a crashed
// task. Reservations guarantee no live draft exists.
func (e *Engine) discardStaleDrafts(ctx context.Context, repo *Repository, latest *Version) error {
	var stale []Version
	if err := e.db.WithContext(ctx).
		Where("repository_id = ? AND complete = ?", repo.ID, false).
		Find(&stale).Error; err != nil {
		return err
	}
	for i := range stale {
		d := &Draft{engine: e, repo: repo, version: &stale[i], previous: latest}
		if err := d.Discard(ctx); err != nil {
			return fmt.Errorf("discard stale draft %d: %w", stale[i].Number, err)
		}
		e.logger.Warn("discarded stale repository version draft", "repository", repo.Name, "number", stale[i].Number)
	}
	return nil
}

// Modify opens a draft, lets fn edit it and finalizes it. If fn fails the
// draft is discarded and latest_version does not move.
func (e *Engine) Modify(ctx context.Context, repositoryID string, fn func(ctx context.Context, d *Draft) error) (*Version, error) {
	d, err := e.NewVersion(ctx, repositoryID, nil)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, d); err != nil {
		if derr := d.Discard(ctx); derr != nil {
			e.logger.Error("failed to discard draft", "repository", repositoryID, "error", derr)
		}
		return nil, err
	}
	return d.Finalize(ctx)
}
