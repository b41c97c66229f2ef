package repository

import (
	"context"
	"fmt"

	"github.com/ansible/content-repository/pkg/content"
)

// ContentOps creates repository versions that mark, deprecate or describe
// collections already present in a repository. Every method needs the
// repository's reservation.
type ContentOps struct {
	engine  *Engine
	content *content.Store
}

// NewContentOps returns ContentOps over engine and store.
func NewContentOps(engine *Engine, store *content.Store) *ContentOps {
	return &ContentOps{engine: engine, content: store}
}

func (o *ContentOps) presentCVs(ctx context.Context, d *Draft, ids []string) ([]content.CollectionVersion, error) {
	var cvs []content.CollectionVersion
	err := d.db(ctx).Where("id IN ? AND id IN (?)", ids, d.members(ctx, content.TypeCollectionVersion)).Find(&cvs).Error
	if err != nil {
		return nil, err
	}
	if len(cvs) != len(ids) {
		return nil, fmt.Errorf("%d of %d collection versions are not in repository %s: %w",
			len(ids)-len(cvs), len(ids), d.repo.Name, ErrNotFound)
	}
	return cvs, nil
}

// Mark attaches value to each collection version in the repository.
func (o *ContentOps) Mark(ctx context.Context, repositoryID string, cvIDs []string, value string) (*Version, error) {
	return o.engine.Modify(ctx, repositoryID, func(ctx context.Context, d *Draft) error {
		if _, err := o.presentCVs(ctx, d, cvIDs); err != nil {
			return err
		}
		ids := make([]string, 0, len(cvIDs))
		for _, id := range cvIDs {
			m, err := o.content.GetOrCreateMark(ctx, id, value)
			if err != nil {
				return err
			}
			ids = append(ids, m.ID)
		}
		return d.Add(ctx, ids...)
	})
}

// Unmark removes value from each collection version in the repository.
func (o *ContentOps) Unmark(ctx context.Context, repositoryID string, cvIDs []string, value string) (*Version, error) {
	return o.engine.Modify(ctx, repositoryID, func(ctx context.Context, d *Draft) error {
		var ids []string
		if err := d.db(ctx).Model(&content.Mark{}).
			Where("value = ? AND marked_collection_id IN ? AND id IN (?)", value, cvIDs, d.members(ctx, content.TypeMark)).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		return d.Remove(ctx, ids...)
	})
}

// Deprecate flags namespace.name as deprecated in the repository.
func (o *ContentOps) Deprecate(ctx context.Context, repositoryID, namespace, name string) (*Version, error) {
	return o.engine.Modify(ctx, repositoryID, func(ctx context.Context, d *Draft) error {
		var n int64
		if err := d.db(ctx).Model(&content.CollectionVersion{}).
			Where("namespace = ? AND name = ? AND id IN (?)", namespace, name, d.members(ctx, content.TypeCollectionVersion)).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("collection %s.%s is not in repository %s: %w", namespace, name, d.repo.Name, ErrNotFound)
		}
		dep, err := o.content.GetOrCreateDeprecation(ctx, namespace, name)
		if err != nil {
			return err
		}
		return d.Add(ctx, dep.ID)
	})
}

// Undeprecate clears the deprecation of namespace.name in the repository.
func (o *ContentOps) Undeprecate(ctx context.Context, repositoryID, namespace, name string) (*Version, error) {
	return o.engine.Modify(ctx, repositoryID, func(ctx context.Context, d *Draft) error {
		var ids []string
		if err := d.db(ctx).Model(&content.Deprecation{}).
			Where("namespace = ? AND name = ? AND id IN (?)", namespace, name, d.members(ctx, content.TypeDeprecation)).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		return d.Remove(ctx, ids...)
	})
}

// SetNamespaceMetadata replaces the repository's metadata for nm.Name.
func (o *ContentOps) SetNamespaceMetadata(ctx context.Context, repositoryID string, nm *content.NamespaceMetadata) (*Version, error) {
	return o.engine.Modify(ctx, repositoryID, func(ctx context.Context, d *Draft) error {
		stored, err := o.content.GetOrCreateNamespaceMetadata(ctx, nm)
		if err != nil {
			return err
		}
		if err := ReplaceNamespaceMetadata(ctx, d, stored); err != nil {
			return err
		}
		*nm = *stored
		return nil
	})
}

// ReplaceNamespaceMetadata makes nm the only metadata for its namespace in
// the draft.
func ReplaceNamespaceMetadata(ctx context.Context, d *Draft, nm *content.NamespaceMetadata) error {
	var ids []string
	if err := d.db(ctx).Model(&content.NamespaceMetadata{}).
		Where("name = ? AND id <> ? AND id IN (?)", nm.Name, nm.ID, d.members(ctx, content.TypeNamespace)).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := d.Remove(ctx, ids...); err != nil {
			return err
		}
	}
	return d.Add(ctx, nm.ID)
}
