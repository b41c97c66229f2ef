package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ansible/content-repository/pkg/content"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RemoveAllContent is the content selector meaning every unit of the
// previous version.
const RemoveAllContent = "*"

const batchSize = 500

// Draft is an incomplete repository version. Readers never see it; it
// becomes visible only through Finalize.
type Draft struct {
	engine   *Engine
	repo     *Repository
	version  *Version
	base     *Version
	previous *Version
	closed   bool
}

// Repository returns the repository the draft belongs to.
func (d *Draft) Repository() *Repository { return d.repo }

// Version returns the draft's version row.
func (d *Draft) Version() *Version { return d.version }

// Previous returns the latest version at the time the draft was opened.
func (d *Draft) Previous() *Version { return d.previous }

func (d *Draft) db(ctx context.Context) *gorm.DB {
	return d.engine.db.WithContext(ctx)
}

func (d *Draft) open() error {
	if d.closed {
		return ErrDraftClosed
	}
	return nil
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

func diffSets(before, after []string) (added, removed []string) {
	b := mapset.NewThreadUnsafeSet(before...)
	a := mapset.NewThreadUnsafeSet(after...)
	added = a.Difference(b).ToSlice()
	removed = b.Difference(a).ToSlice()
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// Add puts content into the draft. Content already present is ignored.
func (d *Draft) Add(ctx context.Context, ids ...string) error {
	if err := d.open(); err != nil {
		return err
	}
	n := d.version.Number
	ids = mapset.NewThreadUnsafeSet(ids...).ToSlice()
	sort.Strings(ids)
	for _, batch := range chunks(ids) {
		var rows []Membership
		err := d.db(ctx).
			Where("repository_id = ? AND content_id IN ?", d.repo.ID, batch).
			Where("version_removed IS NULL OR version_removed = ?", n).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("load draft membership: %w", err)
		}
		present := mapset.NewThreadUnsafeSet[string]()
		var restore []string
		for _, r := range rows {
			if r.VersionRemoved == nil {
				present.Add(r.ContentID)
			} else {
				restore = append(restore, r.ID)
			}
		}
		if len(restore) > 0 {
			if err := d.db(ctx).Model(&Membership{}).Where("id IN ?", restore).
				Update("version_removed", nil).Error; err != nil {
				return fmt.Errorf("restore draft membership: %w", err)
			}
			for _, r := range rows {
				if r.VersionRemoved != nil {
					present.Add(r.ContentID)
				}
			}
		}
		var fresh []Membership
		for _, id := range batch {
			if !present.Contains(id) {
				fresh = append(fresh, Membership{ID: uuid.NewString(), RepositoryID: d.repo.ID, ContentID: id, VersionAdded: n})
			}
		}
		if len(fresh) > 0 {
			if err := d.db(ctx).CreateInBatches(fresh, 100).Error; err != nil {
				return fmt.Errorf("add content to draft: %w", err)
			}
		}
	}
	return nil
}

// Remove takes content out of the draft. A single RemoveAllContent id
// empties it.
func (d *Draft) Remove(ctx context.Context, ids ...string) error {
	if err := d.open(); err != nil {
		return err
	}
	if len(ids) == 1 && ids[0] == RemoveAllContent {
		return d.RemoveAll(ctx)
	}
	for _, batch := range chunks(ids) {
		if err := d.remove(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAll empties the draft.
func (d *Draft) RemoveAll(ctx context.Context) error {
	if err := d.open(); err != nil {
		return err
	}
	return d.remove(ctx, nil)
}

// remove drops ids from the draft, or everything when ids is nil.
func (d *Draft) remove(ctx context.Context, ids []string) error {
	n := d.version.Number
	scoped := func() *gorm.DB {
		q := d.db(ctx).Where("repository_id = ?", d.repo.ID)
		if ids != nil {
			q = q.Where("content_id IN ?", ids)
		}
		return q
	}
	if err := scoped().
		Where("version_added = ? AND version_removed IS NULL", n).
		Delete(&Membership{}).Error; err != nil {
		return fmt.Errorf("remove draft additions: %w", err)
	}
	if err := scoped().Model(&Membership{}).
		Where("version_removed IS NULL").
		Update("version_removed", n).Error; err != nil {
		return fmt.Errorf("remove content from draft: %w", err)
	}
	return nil
}

func (d *Draft) members(ctx context.Context, types ...content.Type) *gorm.DB {
	q := d.db(ctx).Model(&Membership{}).
		Select("repository_contents.content_id").
		Where("repository_contents.repository_id = ? AND repository_contents.version_removed IS NULL", d.repo.ID)
	if len(types) > 0 {
		q = q.Joins("JOIN contents ON contents.id = repository_contents.content_id").
			Where("contents.type IN ?", types)
	}
	return q
}

// ContentIDs returns the draft's current content, optionally restricted
// to some content types.
func (d *Draft) ContentIDs(ctx context.Context, types ...content.Type) ([]string, error) {
	if err := d.open(); err != nil {
		return nil, err
	}
	var ids []string
	err := d.members(ctx, types...).Pluck("repository_contents.content_id", &ids).Error
	return ids, err
}

// CollectionVersions returns the collection versions currently in the draft.
func (d *Draft) CollectionVersions(ctx context.Context) ([]content.CollectionVersion, error) {
	var cvs []content.CollectionVersion
	err := d.db(ctx).Where("id IN (?)", d.members(ctx, content.TypeCollectionVersion)).Find(&cvs).Error
	return cvs, err
}

func (d *Draft) changed(ctx context.Context) (bool, error) {
	var n int64
	err := d.db(ctx).Model(&Membership{}).
		Where("repository_id = ?", d.repo.ID).
		Where("version_added = ? OR version_removed = ?", d.version.Number, d.version.Number).
		Count(&n).Error
	return n > 0, err
}

// Finalize validates the draft and publishes it as the repository's
// latest version. When the draft does not differ from the previous
// version it is discarded and the previous version is returned. On error
// the draft is discarded.
func (d *Draft) Finalize(ctx context.Context) (*Version, error) {
	if err := d.open(); err != nil {
		return nil, err
	}
	var published *Version
	err := d.engine.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		td := *d
		td.engine = d.engine.WithDB(tx)

		var open int64
		if err := tx.Model(&Version{}).Where("id = ? AND complete = ?", d.version.ID, false).Count(&open).Error; err != nil {
			return err
		}
		if open != 1 {
			return ErrDraftClosed
		}
		if err := td.cascade(ctx); err != nil {
			return err
		}
		if err := td.dedupe(ctx); err != nil {
			return err
		}
		if err := td.validate(ctx); err != nil {
			return err
		}
		changed, err := td.changed(ctx)
		if err != nil || !changed {
			return err
		}
		if d.engine.indexer != nil {
			if err := d.engine.indexer.UpdateForVersion(ctx, tx, d.repo, d.version, d.previous); err != nil {
				return fmt.Errorf("update index: %w", err)
			}
		}
		if err := tx.Model(d.version).Update("complete", true).Error; err != nil {
			return err
		}
		res := tx.Model(&Repository{}).
			Where("id = ? AND latest_version_id = ?", d.repo.ID, d.previous.ID).
			Update("latest_version_id", d.version.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("repository %s latest version moved during finalize", d.repo.Name)
		}
		published = d.version
		return nil
	})
	if errors.Is(err, ErrDraftClosed) {
		d.closed = true
		return nil, err
	}
	if err != nil || published == nil {
		if derr := d.Discard(ctx); derr != nil {
			d.engine.logger.Error("failed to discard draft", "repository", d.repo.Name, "error", derr)
		}
		if err != nil {
			return nil, err
		}
		return d.previous, nil
	}
	d.closed = true
	d.version.Complete = true
	d.repo.LatestVersionID = d.version.ID
	d.engine.logger.Info("repository version created", "repository", d.repo.Name, "number", d.version.Number)
	return published, nil
}

// Discard drops the draft and every membership change it made.
func (d *Draft) Discard(ctx context.Context) error {
	if d.closed {
		return nil
	}
	n := d.version.Number
	err := d.engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("repository_id = ? AND version_added = ?", d.repo.ID, n).
			Delete(&Membership{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&Membership{}).
			Where("repository_id = ? AND version_removed = ?", d.repo.ID, n).
			Update("version_removed", nil).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", d.version.ID).Delete(&Version{}).Error
	})
	if err != nil {
		return fmt.Errorf("discard repository version %d: %w", n, err)
	}
	d.closed = true
	return nil
}

// removedCollectionVersions returns CVs present in the previous version
// but gone from the draft.
func (d *Draft) removedCollectionVersions(ctx context.Context) ([]content.CollectionVersion, error) {
	var cvs []content.CollectionVersion
	err := d.db(ctx).
		Where("id IN (?)", d.engine.membersAt(ctx, d.repo.ID, d.previous.Number, content.TypeCollectionVersion)).
		Where("id NOT IN (?)", d.members(ctx, content.TypeCollectionVersion)).
		Find(&cvs).Error
	return cvs, err
}

func (d *Draft) cascade(ctx context.Context) error {
	removed, err := d.removedCollectionVersions(ctx)
	if err != nil || len(removed) == 0 {
		return err
	}
	ids := make([]string, 0, len(removed))
	for _, cv := range removed {
		ids = append(ids, cv.ID)
	}

	var drop []string
	for _, batch := range chunks(ids) {
		var sigs, marks []string
		if err := d.db(ctx).Model(&content.Signature{}).
			Where("signed_collection_id IN ? AND id IN (?)", batch, d.members(ctx, content.TypeSignature)).
			Pluck("id", &sigs).Error; err != nil {
			return err
		}
		if err := d.db(ctx).Model(&content.Mark{}).
			Where("marked_collection_id IN ? AND id IN (?)", batch, d.members(ctx, content.TypeMark)).
			Pluck("id", &marks).Error; err != nil {
			return err
		}
		drop = append(drop, sigs...)
		drop = append(drop, marks...)
	}

	remaining, err := d.CollectionVersions(ctx)
	if err != nil {
		return err
	}
	collections := mapset.NewThreadUnsafeSet[string]()
	namespaces := mapset.NewThreadUnsafeSet[string]()
	for _, cv := range remaining {
		collections.Add(cv.FQN())
		namespaces.Add(cv.Namespace)
	}
	for _, cv := range removed {
		if !collections.Contains(cv.FQN()) {
			var deps []string
			if err := d.db(ctx).Model(&content.Deprecation{}).
				Where("namespace = ? AND name = ? AND id IN (?)", cv.Namespace, cv.Name, d.members(ctx, content.TypeDeprecation)).
				Pluck("id", &deps).Error; err != nil {
				return err
			}
			drop = append(drop, deps...)
		}
		if !namespaces.Contains(cv.Namespace) {
			var metas []string
			if err := d.db(ctx).Model(&content.NamespaceMetadata{}).
				Where("name = ? AND id IN (?)", cv.Namespace, d.members(ctx, content.TypeNamespace)).
				Pluck("id", &metas).Error; err != nil {
				return err
			}
			drop = append(drop, metas...)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return d.Remove(ctx, drop...)
}

// dedupe keeps the newest namespace metadata per namespace name. The other
// content types are unique by their natural key across all content, so a
// version cannot hold two units with the same key.
func (d *Draft) dedupe(ctx context.Context) error {
	var metas []content.NamespaceMetadata
	if err := d.db(ctx).Where("id IN (?)", d.members(ctx, content.TypeNamespace)).
		Order("name, created_at DESC, id DESC").Find(&metas).Error; err != nil {
		return err
	}
	var drop []string
	for i := 1; i < len(metas); i++ {
		if metas[i].Name == metas[i-1].Name {
			drop = append(drop, metas[i].ID)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return d.Remove(ctx, drop...)
}

// InvariantError lists the content that made a finalize fail.
type InvariantError struct {
	Problems []string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInvariantViolation, e.Problems)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

func (d *Draft) validate(ctx context.Context) error {
	cvs, err := d.CollectionVersions(ctx)
	if err != nil {
		return err
	}
	present := mapset.NewThreadUnsafeSet[string]()
	collections := mapset.NewThreadUnsafeSet[string]()
	namespaces := mapset.NewThreadUnsafeSet[string]()
	versions := mapset.NewThreadUnsafeSet[string]()
	var problems []string
	for _, cv := range cvs {
		present.Add(cv.ID)
		collections.Add(cv.FQN())
		namespaces.Add(cv.Namespace)
		key := cv.FQN() + ":" + cv.Version
		if !versions.Add(key) {
			problems = append(problems, "duplicate collection version "+key)
		}
	}

	var sigs []content.Signature
	if err := d.db(ctx).Where("id IN (?)", d.members(ctx, content.TypeSignature)).Find(&sigs).Error; err != nil {
		return err
	}
	signed := mapset.NewThreadUnsafeSet[string]()
	for _, s := range sigs {
		if !present.Contains(s.SignedCollectionID) {
			problems = append(problems, "signature "+s.ID+" references a collection version outside the version")
		}
		if !signed.Add(s.PubkeyFingerprint + "/" + s.SignedCollectionID) {
			problems = append(problems, "duplicate signature "+s.PubkeyFingerprint)
		}
	}

	var marks []content.Mark
	if err := d.db(ctx).Where("id IN (?)", d.members(ctx, content.TypeMark)).Find(&marks).Error; err != nil {
		return err
	}
	for _, m := range marks {
		if !present.Contains(m.MarkedCollectionID) {
			problems = append(problems, "mark "+m.Value+" references a collection version outside the version")
		}
	}

	var deps []content.Deprecation
	if err := d.db(ctx).Where("id IN (?)", d.members(ctx, content.TypeDeprecation)).Find(&deps).Error; err != nil {
		return err
	}
	for _, dep := range deps {
		if !collections.Contains(dep.Namespace + "." + dep.Name) {
			problems = append(problems, "deprecation of "+dep.Namespace+"."+dep.Name+" has no collection version")
		}
	}

	var metas []content.NamespaceMetadata
	if err := d.db(ctx).Where("id IN (?)", d.members(ctx, content.TypeNamespace)).Find(&metas).Error; err != nil {
		return err
	}
	for _, m := range metas {
		if !namespaces.Contains(m.Name) {
			problems = append(problems, "namespace metadata "+m.Name+" has no collection version")
		}
	}

	if len(problems) > 0 {
		return &InvariantError{Problems: problems}
	}
	return nil
}

// IsInvariantViolation reports whether err aborted a finalize.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
