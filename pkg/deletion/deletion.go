// Package deletion removes collection versions from every repository and
// then from the system, refusing when a dependent would be left without a
// satisfying version.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/repository"
	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
)

// ErrDependencyConflict is the sentinel wrapped by DependencyConflictError.
var ErrDependencyConflict = errors.New("dependency conflict")

// Dependent is a collection version whose dependency would break.
type Dependent struct {
	Repository        string
	CollectionVersion string
	Requirement       string
}

// DependencyConflictError lists the dependents a deletion would break.
type DependencyConflictError struct {
	Target     string
	Dependents []Dependent
}

func (e *DependencyConflictError) Error() string {
	parts := make([]string, 0, len(e.Dependents))
	for _, d := range e.Dependents {
		parts = append(parts, fmt.Sprintf("%s requires %s in repository %s", d.CollectionVersion, d.Requirement, d.Repository))
	}
	return fmt.Sprintf("%s: cannot delete %s: %s", ErrDependencyConflict, e.Target, strings.Join(parts, "; "))
}

func (e *DependencyConflictError) Unwrap() error { return ErrDependencyConflict }

// Purger drops search index rows of deleted collection versions.
type Purger interface {
	PurgeCollectionVersions(ctx context.Context, tx *gorm.DB, cvIDs []string) error
}

// Orchestrator deletes collection versions and collections.
type Orchestrator struct {
	engine    *repository.Engine
	store     *content.Store
	artifacts *artifact.Service
	purger    Purger
	reserver  *repository.Reserver
	logger    *slog.Logger
}

// New returns an Orchestrator. purger may be nil.
func New(engine *repository.Engine, store *content.Store, artifacts *artifact.Service, purger Purger, reserver *repository.Reserver, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if reserver == nil {
		reserver = repository.NewReserver(nil)
	}
	return &Orchestrator{engine: engine, store: store, artifacts: artifacts, purger: purger, reserver: reserver, logger: logger}
}

// DeleteCollectionVersion deletes one collection version.
func (o *Orchestrator) DeleteCollectionVersion(ctx context.Context, id string) error {
	cv, err := o.store.GetCollectionVersionByID(ctx, id)
	if err != nil {
		return err
	}
	return o.delete(ctx, []content.CollectionVersion{*cv}, cv.FQN()+"-"+cv.Version)
}

// DeleteCollection deletes every version of namespace.name.
func (o *Orchestrator) DeleteCollection(ctx context.Context, namespace, name string) error {
	cvs, err := o.store.VersionsOfCollection(ctx, namespace, name)
	if err != nil {
		return err
	}
	if len(cvs) == 0 {
		return fmt.Errorf("collection %s.%s: %w", namespace, name, content.ErrNotFound)
	}
	return o.delete(ctx, cvs, namespace+"."+name)
}

// Holding returns the repositories whose latest version holds
// namespace.name, or only its version when version is set. The task
// dispatcher reserves them before the deletion runs.
func (o *Orchestrator) Holding(ctx context.Context, namespace, name, version string) ([]string, error) {
	var ids []string
	if version != "" {
		cv, err := o.store.GetCollectionVersion(ctx, namespace, name, version)
		if err != nil {
			return nil, err
		}
		ids = []string{cv.ID}
	} else {
		cvs, err := o.store.VersionsOfCollection(ctx, namespace, name)
		if err != nil {
			return nil, err
		}
		if len(cvs) == 0 {
			return nil, fmt.Errorf("collection %s.%s: %w", namespace, name, content.ErrNotFound)
		}
		for _, cv := range cvs {
			ids = append(ids, cv.ID)
		}
	}
	return o.holders(ctx, ids)
}

func (o *Orchestrator) delete(ctx context.Context, targets []content.CollectionVersion, label string) error {
	ids := make([]string, 0, len(targets))
	for _, cv := range targets {
		ids = append(ids, cv.ID)
	}
	repoIDs, err := o.holders(ctx, ids)
	if err != nil {
		return err
	}

	var artifactIDs []string
	err = o.reserver.Do(ctx, repoIDs, func(ctx context.Context) error {
		if err := o.checkDependents(ctx, repoIDs, targets, label); err != nil {
			return err
		}
		return o.engine.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
			engine := o.engine.WithDB(tx)
			for _, repoID := range repoIDs {
				if _, err := engine.Modify(ctx, repoID, func(ctx context.Context, d *repository.Draft) error {
					return d.Remove(ctx, ids...)
				}); err != nil {
					return fmt.Errorf("remove %s from repository %s: %w", label, repoID, err)
				}
			}
			if o.purger != nil {
				if err := o.purger.PurgeCollectionVersions(ctx, tx, ids); err != nil {
					return err
				}
			}
			store := o.store.WithDB(tx)
			for _, id := range ids {
				linked, err := store.DeleteCollectionVersion(ctx, id)
				if err != nil {
					return err
				}
				artifactIDs = append(artifactIDs, linked...)
			}
			// history of older versions loses the deleted units
			return tx.Where("content_id NOT IN (?)", tx.Model(&content.Content{}).Select("id")).
				Delete(&repository.Membership{}).Error
		})
	})
	if err != nil {
		return err
	}

	for _, id := range artifactIDs {
		if _, err := o.artifacts.DeleteIfUnreferenced(ctx, id); err != nil {
			o.logger.Warn("orphan artifact cleanup failed", "artifact", id, "error", err)
		}
	}
	o.logger.Info("deleted", "target", label, "versions", len(ids), "repositories", len(repoIDs))
	return nil
}

// holders returns the repositories whose latest version holds any of ids.
func (o *Orchestrator) holders(ctx context.Context, ids []string) ([]string, error) {
	var repoIDs []string
	err := o.engine.DB().WithContext(ctx).
		Table("repository_contents AS rc").
		Joins("JOIN repositories r ON r.id = rc.repository_id").
		Joins("JOIN repository_versions v ON v.id = r.latest_version_id").
		Where("rc.content_id IN ?", ids).
		Where("rc.version_added <= v.number AND (rc.version_removed IS NULL OR rc.version_removed > v.number)").
		Distinct().Pluck("rc.repository_id", &repoIDs).Error
	sort.Strings(repoIDs)
	return repoIDs, err
}

// checkDependents fails when a collection version left in one of the
// repositories depends on the target collection and no remaining version
// of it satisfies the range.
func (o *Orchestrator) checkDependents(ctx context.Context, repoIDs []string, targets []content.CollectionVersion, label string) error {
	doomed := mapset.NewThreadUnsafeSet[string]()
	collections := mapset.NewThreadUnsafeSet[string]()
	for _, cv := range targets {
		doomed.Add(cv.ID)
		collections.Add(cv.FQN())
	}

	conflict := &DependencyConflictError{Target: label}
	for _, repoID := range repoIDs {
		repo, err := o.engine.GetRepository(ctx, repoID)
		if err != nil {
			return err
		}
		latest, err := o.engine.LatestVersion(ctx, repo)
		if err != nil {
			return err
		}
		cvs, err := o.engine.CollectionVersionsIn(ctx, latest)
		if err != nil {
			return err
		}
		remaining := map[string][]string{}
		for _, cv := range cvs {
			if !doomed.Contains(cv.ID) {
				remaining[cv.FQN()] = append(remaining[cv.FQN()], cv.Version)
			}
		}
		for _, cv := range cvs {
			if doomed.Contains(cv.ID) {
				continue
			}
			for dep, spec := range cv.Dependencies {
				if !collections.Contains(dep) {
					continue
				}
				ok, err := anySatisfies(remaining[dep], spec)
				if err != nil {
					return err
				}
				if !ok {
					conflict.Dependents = append(conflict.Dependents, Dependent{
						Repository:        repo.Name,
						CollectionVersion: cv.FQN() + "-" + cv.Version,
						Requirement:       dep + spec,
					})
				}
			}
		}
	}
	if len(conflict.Dependents) > 0 {
		return conflict
	}
	return nil
}

func anySatisfies(versions []string, spec string) (bool, error) {
	for _, v := range versions {
		ok, err := content.Satisfies(v, spec)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
