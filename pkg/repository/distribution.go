package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInvalidDistribution is returned for a distribution that names both or
// an invalid base path.
var ErrInvalidDistribution = errors.New("invalid distribution")

var basePathRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validateDistribution(d *Distribution) error {
	if !basePathRe.MatchString(d.BasePath) {
		return fmt.Errorf("%w: base_path %q", ErrInvalidDistribution, d.BasePath)
	}
	if d.RepositoryID != nil && d.RepositoryVersionID != nil {
		return fmt.Errorf("%w: repository and repository_version are mutually exclusive", ErrInvalidDistribution)
	}
	if d.Name == "" {
		d.Name = d.BasePath
	}
	return nil
}

// CreateDistribution stores d and indexes the content it makes reachable.
func (e *Engine) CreateDistribution(ctx context.Context, d *Distribution) error {
	if err := validateDistribution(d); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return e.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			return fmt.Errorf("create distribution %q: %w", d.BasePath, err)
		}
		if e.indexer != nil {
			return e.indexer.RebuildForDistribution(ctx, tx, d)
		}
		return nil
	})
}

// UpdateDistribution rebinds d, removing index rows only the old binding
// made reachable and indexing the new one.
func (e *Engine) UpdateDistribution(ctx context.Context, d *Distribution) error {
	if err := validateDistribution(d); err != nil {
		return err
	}
	return e.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var old Distribution
		if err := tx.Where("id = ?", d.ID).First(&old).Error; err != nil {
			return notFound(err, "distribution "+d.ID)
		}
		if err := tx.Model(d).Select(
			"name", "base_path", "repository_id", "repository_version_id", "content_guard_id",
		).Updates(d).Error; err != nil {
			return fmt.Errorf("update distribution %q: %w", d.BasePath, err)
		}
		if e.indexer == nil {
			return nil
		}
		if err := e.indexer.RemoveForDistribution(ctx, tx, &old); err != nil {
			return err
		}
		return e.indexer.RebuildForDistribution(ctx, tx, d)
	})
}

// DeleteDistribution deletes the distribution and the index rows only it
// made reachable.
func (e *Engine) DeleteDistribution(ctx context.Context, id string) error {
	return e.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var old Distribution
		if err := tx.Where("id = ?", id).First(&old).Error; err != nil {
			return notFound(err, "distribution "+id)
		}
		if err := tx.Delete(&old).Error; err != nil {
			return err
		}
		if e.indexer != nil {
			return e.indexer.RemoveForDistribution(ctx, tx, &old)
		}
		return nil
	})
}

// GetDistribution returns the distribution with id.
func (e *Engine) GetDistribution(ctx context.Context, id string) (*Distribution, error) {
	var d Distribution
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err, "distribution "+id)
	}
	return &d, nil
}

// GetDistributionByBasePath returns the distribution served at basePath.
func (e *Engine) GetDistributionByBasePath(ctx context.Context, basePath string) (*Distribution, error) {
	var d Distribution
	if err := e.db.WithContext(ctx).Where("base_path = ?", basePath).First(&d).Error; err != nil {
		return nil, notFound(err, "distribution "+basePath)
	}
	return &d, nil
}

// ListDistributions returns every distribution ordered by base path.
func (e *Engine) ListDistributions(ctx context.Context) ([]Distribution, error) {
	var ds []Distribution
	err := e.db.WithContext(ctx).Order("base_path").Find(&ds).Error
	return ds, err
}

// ResolveDistribution returns the repository and version a distribution
// serves. A distribution bound to nothing yields ErrNotFound.
func (e *Engine) ResolveDistribution(ctx context.Context, d *Distribution) (*Repository, *Version, error) {
	switch {
	case d.RepositoryVersionID != nil:
		v, err := e.GetVersion(ctx, *d.RepositoryVersionID)
		if err != nil {
			return nil, nil, err
		}
		repo, err := e.GetRepository(ctx, v.RepositoryID)
		return repo, v, err
	case d.RepositoryID != nil:
		repo, err := e.GetRepository(ctx, *d.RepositoryID)
		if err != nil {
			return nil, nil, err
		}
		v, err := e.LatestVersion(ctx, repo)
		return repo, v, err
	default:
		return nil, nil, fmt.Errorf("distribution %s serves no repository: %w", d.BasePath, ErrNotFound)
	}
}

// CreateRemote stores r.
func (e *Engine) CreateRemote(ctx context.Context, r *Remote) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Policy == "" {
		r.Policy = PolicyImmediate
	}
	if r.Policy != PolicyImmediate && r.Policy != PolicyOnDemand {
		return fmt.Errorf("unknown remote policy %q", r.Policy)
	}
	return e.db.WithContext(ctx).Create(r).Error
}

// UpdateRemote saves every attribute of r.
func (e *Engine) UpdateRemote(ctx context.Context, r *Remote) error {
	return e.db.WithContext(ctx).Save(r).Error
}

// GetRemote returns the remote with id.
func (e *Engine) GetRemote(ctx context.Context, id string) (*Remote, error) {
	var r Remote
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err, "remote "+id)
	}
	return &r, nil
}

// ListRemotes returns every remote ordered by name.
func (e *Engine) ListRemotes(ctx context.Context) ([]Remote, error) {
	var rs []Remote
	err := e.db.WithContext(ctx).Order("name").Find(&rs).Error
	return rs, err
}

// CreateContentGuard stores g, generating a secret when empty.
func (e *Engine) CreateContentGuard(ctx context.Context, g *ContentGuard) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Secret == "" {
		g.Secret = uuid.NewString()
	}
	return e.db.WithContext(ctx).Create(g).Error
}

// GetContentGuard returns the guard with id.
func (e *Engine) GetContentGuard(ctx context.Context, id string) (*ContentGuard, error) {
	var g ContentGuard
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&g).Error; err != nil {
		return nil, notFound(err, "content guard "+id)
	}
	return &g, nil
}
