package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/repository"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const batchSize = 500

// ChangeFunc is told which distribution base paths had their index rows
// rewritten.
type ChangeFunc func(ctx context.Context, basePaths []string)

// Indexer implements repository.Indexer.
type Indexer struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []ChangeFunc
}

var _ repository.Indexer = (*Indexer)(nil)

// New returns an Indexer.
func New(logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{logger: logger}
}

// OnChange registers fn to run after index rows of a distribution change
// have been committed.
func (ix *Indexer) OnChange(fn ChangeFunc) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.listeners = append(ix.listeners, fn)
}

// notify tells the listeners once the caller's transaction has committed.
func (ix *Indexer) notify(ctx context.Context, basePaths []string) {
	if len(basePaths) == 0 {
		return
	}
	repository.AfterCommit(ctx, func() {
		ix.mu.RLock()
		defer ix.mu.RUnlock()
		for _, fn := range ix.listeners {
			fn(ctx, basePaths)
		}
	})
}

// binding is one (repository, version-or-latest) pair some distribution
// makes reachable.
type binding struct {
	repositoryID string
	key          string
	versionID    *string
}

type collectionKey struct {
	namespace string
	name      string
}

func chunks(ids []string) [][]string {
	var out [][]string
	for len(ids) > batchSize {
		out = append(out, ids[:batchSize])
		ids = ids[batchSize:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// UpdateForVersion rewrites the track-latest rows of repo for the
// collections that changed between previous and version.
func (ix *Indexer) UpdateForVersion(ctx context.Context, tx *gorm.DB, repo *repository.Repository, version, previous *repository.Version) error {
	var dists []repository.Distribution
	if err := tx.WithContext(ctx).Where("repository_id = ?", repo.ID).Find(&dists).Error; err != nil {
		return err
	}
	if len(dists) == 0 {
		return nil
	}
	changed, err := ix.changedCollections(ctx, tx, previous, version)
	if err != nil {
		return err
	}
	b := binding{repositoryID: repo.ID, key: LatestKey}
	if err := ix.refresh(ctx, tx, b, version, changed); err != nil {
		return err
	}
	paths := make([]string, 0, len(dists))
	for _, d := range dists {
		paths = append(paths, d.BasePath)
	}
	if changed != nil {
		ix.logger.Debug("index updated", "repository", repo.Name, "version", version.Number, "collections", changed.Cardinality())
	}
	ix.notify(ctx, paths)
	return nil
}

// RebuildForDistribution indexes every collection version the distribution
// makes reachable.
func (ix *Indexer) RebuildForDistribution(ctx context.Context, tx *gorm.DB, d *repository.Distribution) error {
	b, v, err := ix.bindingFor(ctx, tx, d)
	if err != nil || b == nil {
		return err
	}
	if err := ix.refresh(ctx, tx, *b, v, nil); err != nil {
		return err
	}
	ix.notify(ctx, []string{d.BasePath})
	return nil
}

// RemoveForDistribution drops the rows of d's binding unless another
// distribution still makes it reachable. d must already be deleted or
// rebound.
func (ix *Indexer) RemoveForDistribution(ctx context.Context, tx *gorm.DB, d *repository.Distribution) error {
	db := tx.WithContext(ctx)
	var remaining int64
	var scope *gorm.DB
	switch {
	case d.RepositoryVersionID != nil:
		if err := db.Model(&repository.Distribution{}).
			Where("repository_version_id = ?", *d.RepositoryVersionID).Count(&remaining).Error; err != nil {
			return err
		}
		scope = db.Where("version_key = ?", *d.RepositoryVersionID)
	case d.RepositoryID != nil:
		if err := db.Model(&repository.Distribution{}).
			Where("repository_id = ?", *d.RepositoryID).Count(&remaining).Error; err != nil {
			return err
		}
		scope = db.Where("repository_id = ? AND version_key = ?", *d.RepositoryID, LatestKey)
	default:
		return nil
	}
	if remaining == 0 {
		if err := scope.Delete(&Row{}).Error; err != nil {
			return fmt.Errorf("remove index rows for %s: %w", d.BasePath, err)
		}
	}
	ix.notify(ctx, []string{d.BasePath})
	return nil
}

// PurgeCollectionVersions deletes every row of the given collection
// versions, in any repository version.
func (ix *Indexer) PurgeCollectionVersions(ctx context.Context, tx *gorm.DB, cvIDs []string) error {
	for _, batch := range chunks(cvIDs) {
		if err := tx.WithContext(ctx).Where("collection_version_id IN ?", batch).Delete(&Row{}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) bindingFor(ctx context.Context, tx *gorm.DB, d *repository.Distribution) (*binding, *repository.Version, error) {
	eng := repository.NewEngine(tx, nil, ix.logger)
	switch {
	case d.RepositoryVersionID != nil:
		v, err := eng.GetVersion(ctx, *d.RepositoryVersionID)
		if err != nil {
			return nil, nil, err
		}
		if !v.Complete {
			return nil, nil, fmt.Errorf("%w: repository version %d is not complete", repository.ErrInvalidDistribution, v.Number)
		}
		return &binding{repositoryID: v.RepositoryID, key: v.ID, versionID: &v.ID}, v, nil
	case d.RepositoryID != nil:
		repo, err := eng.GetRepository(ctx, *d.RepositoryID)
		if err != nil {
			return nil, nil, err
		}
		v, err := eng.LatestVersion(ctx, repo)
		if err != nil {
			return nil, nil, err
		}
		return &binding{repositoryID: repo.ID, key: LatestKey}, v, nil
	}
	return nil, nil, nil
}

// changedCollections returns the collections touched between two versions.
// A nil result means every collection.
func (ix *Indexer) changedCollections(ctx context.Context, tx *gorm.DB, previous, version *repository.Version) (mapset.Set[collectionKey], error) {
	if previous == nil {
		return nil, nil
	}
	eng := repository.NewEngine(tx, nil, ix.logger)
	added, removed, err := eng.Diff(ctx, previous, version)
	if err != nil {
		return nil, err
	}
	ids := append(added, removed...)
	changed := mapset.NewThreadUnsafeSet[collectionKey]()
	db := tx.WithContext(ctx)
	for _, batch := range chunks(ids) {
		var cvs []content.CollectionVersion
		if err := db.Select("namespace", "name").
			Where("id IN ? OR id IN (?)", batch,
				db.Model(&content.Signature{}).Select("signed_collection_id").Where("id IN ?", batch)).
			Find(&cvs).Error; err != nil {
			return nil, err
		}
		for _, cv := range cvs {
			changed.Add(collectionKey{cv.Namespace, cv.Name})
		}

		var deps []content.Deprecation
		if err := db.Where("id IN ?", batch).Find(&deps).Error; err != nil {
			return nil, err
		}
		for _, d := range deps {
			changed.Add(collectionKey{d.Namespace, d.Name})
		}

		var namespaces []string
		if err := db.Model(&content.NamespaceMetadata{}).Where("id IN ?", batch).
			Distinct().Pluck("name", &namespaces).Error; err != nil {
			return nil, err
		}
		if len(namespaces) > 0 {
			var inNamespace []content.CollectionVersion
			if err := db.Select("namespace", "name").
				Where("namespace IN ? AND id IN (?)", namespaces, eng.ContentSubquery(ctx, version, content.TypeCollectionVersion)).
				Find(&inNamespace).Error; err != nil {
				return nil, err
			}
			for _, cv := range inNamespace {
				changed.Add(collectionKey{cv.Namespace, cv.Name})
			}
		}
	}
	return changed, nil
}

// refresh recomputes the rows of binding b from version v, for the given
// collections or all of them when only is nil.
func (ix *Indexer) refresh(ctx context.Context, tx *gorm.DB, b binding, v *repository.Version, only mapset.Set[collectionKey]) error {
	db := tx.WithContext(ctx)
	eng := repository.NewEngine(tx, nil, ix.logger)

	var nsFilter []string
	if only != nil {
		if only.Cardinality() == 0 {
			return ix.stampVersion(ctx, tx, b, v)
		}
		seen := mapset.NewThreadUnsafeSet[string]()
		for k := range only.Iter() {
			if seen.Add(k.namespace) {
				nsFilter = append(nsFilter, k.namespace)
			}
		}
		sort.Strings(nsFilter)
	}
	inScope := func(q *gorm.DB, column string) *gorm.DB {
		if nsFilter != nil {
			return q.Where(column+" IN ?", nsFilter)
		}
		return q
	}
	wanted := func(ns, name string) bool {
		return only == nil || only.Contains(collectionKey{ns, name})
	}

	var all []content.CollectionVersion
	if err := inScope(db.Select("id", "namespace", "name", "version").
		Where("id IN (?)", eng.ContentSubquery(ctx, v, content.TypeCollectionVersion)), "namespace").
		Find(&all).Error; err != nil {
		return fmt.Errorf("load collection versions: %w", err)
	}
	groups := map[collectionKey][]content.CollectionVersion{}
	var cvIDs []string
	for _, cv := range all {
		if !wanted(cv.Namespace, cv.Name) {
			continue
		}
		k := collectionKey{cv.Namespace, cv.Name}
		groups[k] = append(groups[k], cv)
		cvIDs = append(cvIDs, cv.ID)
	}

	var deps []content.Deprecation
	if err := inScope(db.Where("id IN (?)", eng.ContentSubquery(ctx, v, content.TypeDeprecation)), "namespace").
		Find(&deps).Error; err != nil {
		return err
	}
	deprecated := mapset.NewThreadUnsafeSet[collectionKey]()
	for _, d := range deps {
		deprecated.Add(collectionKey{d.Namespace, d.Name})
	}

	signed := mapset.NewThreadUnsafeSet[string]()
	for _, batch := range chunks(cvIDs) {
		var ids []string
		if err := db.Model(&content.Signature{}).
			Where("signed_collection_id IN ? AND id IN (?)", batch, eng.ContentSubquery(ctx, v, content.TypeSignature)).
			Distinct().Pluck("signed_collection_id", &ids).Error; err != nil {
			return err
		}
		signed.Append(ids...)
	}

	var metas []content.NamespaceMetadata
	if err := inScope(db.Select("id", "name", "created_at").
		Where("id IN (?)", eng.ContentSubquery(ctx, v, content.TypeNamespace)), "name").
		Order("created_at DESC, id DESC").Find(&metas).Error; err != nil {
		return err
	}
	newestMeta := map[string]string{}
	for _, m := range metas {
		if _, ok := newestMeta[m.Name]; !ok {
			newestMeta[m.Name] = m.ID
		}
	}

	rows := make([]Row, 0, len(cvIDs))
	keep := mapset.NewThreadUnsafeSet[string]()
	for k, cvs := range groups {
		versions := make([]string, len(cvs))
		for i := range cvs {
			versions[i] = cvs[i].Version
		}
		highest := content.Highest(versions)
		var metaID *string
		if id, ok := newestMeta[k.namespace]; ok {
			metaID = &id
		}
		for i, cv := range cvs {
			keep.Add(cv.ID)
			rows = append(rows, Row{
				ID:                  uuid.NewString(),
				RepositoryID:        b.repositoryID,
				VersionKey:          b.key,
				CollectionVersionID: cv.ID,
				RepositoryVersionID: b.versionID,
				VersionNumber:       &v.Number,
				Namespace:           cv.Namespace,
				Name:                cv.Name,
				Version:             cv.Version,
				NamespaceMetadataID: metaID,
				IsHighest:           i == highest,
				IsDeprecated:        deprecated.Contains(k),
				IsSigned:            signed.Contains(cv.ID),
			})
		}
	}

	if len(rows) > 0 {
		if err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "repository_id"}, {Name: "version_key"}, {Name: "collection_version_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"repository_version_id", "version_number", "namespace_metadata_id",
				"is_highest", "is_deprecated", "is_signed", "updated_at",
			}),
		}).CreateInBatches(rows, 200).Error; err != nil {
			return fmt.Errorf("upsert index rows: %w", err)
		}
	}

	var existing []Row
	if err := inScope(db.Select("id", "namespace", "name", "collection_version_id").
		Where("repository_id = ? AND version_key = ?", b.repositoryID, b.key), "namespace").
		Find(&existing).Error; err != nil {
		return err
	}
	var stale []string
	for _, r := range existing {
		if wanted(r.Namespace, r.Name) && !keep.Contains(r.CollectionVersionID) {
			stale = append(stale, r.ID)
		}
	}
	for _, batch := range chunks(stale) {
		if err := db.Where("id IN ?", batch).Delete(&Row{}).Error; err != nil {
			return fmt.Errorf("delete stale index rows: %w", err)
		}
	}
	return ix.stampVersion(ctx, tx, b, v)
}

// stampVersion records v's number on every row of a track-latest binding.
func (ix *Indexer) stampVersion(ctx context.Context, tx *gorm.DB, b binding, v *repository.Version) error {
	if b.key != LatestKey {
		return nil
	}
	return tx.WithContext(ctx).Model(&Row{}).
		Where("repository_id = ? AND version_key = ?", b.repositoryID, LatestKey).
		Update("version_number", v.Number).Error
}

// Rebuild recomputes the rows of every distribution from scratch.
func (ix *Indexer) Rebuild(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Row{}).Error; err != nil {
			return err
		}
		var dists []repository.Distribution
		if err := tx.Find(&dists).Error; err != nil {
			return err
		}
		for i := range dists {
			if err := ix.RebuildForDistribution(ctx, tx, &dists[i]); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					ix.logger.Warn("distribution points at a missing repository", "base_path", dists[i].BasePath)
					continue
				}
				return err
			}
		}
		return nil
	})
}
