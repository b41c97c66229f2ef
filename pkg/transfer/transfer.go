// Package transfer copies and moves collection versions, with the content
// that describes them, between repositories.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/signing"
	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
)

// ErrNothingToTransfer is returned when a request names no collection
// versions or no destinations.
var ErrNothingToTransfer = errors.New("nothing to transfer")

// Request selects what to transfer.
type Request struct {
	// SourceVersionID is the repository version the content is taken from.
	SourceVersionID      string
	DestinationIDs       []string
	CollectionVersionIDs []string
	// SigningServiceID, when set, signs the transferred collection
	// versions in every destination afterwards.
	SigningServiceID string
}

// Result maps each touched repository to its resulting version.
type Result struct {
	Destinations map[string]*repository.Version
	// Source is the new source version of a move.
	Source *repository.Version
}

// Orchestrator runs copy and move.
type Orchestrator struct {
	engine   *repository.Engine
	store    *content.Store
	reserver *repository.Reserver
	signer   *signing.Pipeline
	logger   *slog.Logger
}

// New returns an Orchestrator. signer may be nil when signing after a
// transfer is not offered.
func New(engine *repository.Engine, store *content.Store, reserver *repository.Reserver, signer *signing.Pipeline, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if reserver == nil {
		reserver = repository.NewReserver(nil)
	}
	return &Orchestrator{engine: engine, store: store, reserver: reserver, signer: signer, logger: logger}
}

// Copy adds the collection versions to every destination.
func (o *Orchestrator) Copy(ctx context.Context, req Request) (*Result, error) {
	return o.transfer(ctx, req, false)
}

// Move copies the collection versions and removes them from the source
// repository.
func (o *Orchestrator) Move(ctx context.Context, req Request) (*Result, error) {
	return o.transfer(ctx, req, true)
}

func (o *Orchestrator) transfer(ctx context.Context, req Request, move bool) (*Result, error) {
	if len(req.CollectionVersionIDs) == 0 || len(req.DestinationIDs) == 0 {
		return nil, ErrNothingToTransfer
	}
	if req.SigningServiceID != "" && o.signer == nil {
		return nil, errors.New("signing after transfer is not configured")
	}
	source, err := o.engine.GetVersion(ctx, req.SourceVersionID)
	if err != nil {
		return nil, err
	}
	if !source.Complete {
		return nil, fmt.Errorf("source version %s is not complete", source.ID)
	}
	touched := append([]string{}, req.DestinationIDs...)
	if move {
		touched = append(touched, source.RepositoryID)
	}

	var res *Result
	err = o.reserver.Do(ctx, touched, func(ctx context.Context) error {
		ids, err := o.related(ctx, source, req.CollectionVersionIDs)
		if err != nil {
			return err
		}
		res, err = o.apply(ctx, req, source, ids, move)
		if err != nil {
			return err
		}
		if req.SigningServiceID == "" {
			return nil
		}
		for _, dest := range req.DestinationIDs {
			signed, err := o.signer.Sign(ctx, dest, req.CollectionVersionIDs, req.SigningServiceID)
			if err != nil {
				return fmt.Errorf("sign in %s: %w", dest, err)
			}
			res.Destinations[dest] = signed.Version
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// apply writes every destination, and the source of a move, in one
// transaction.
func (o *Orchestrator) apply(ctx context.Context, req Request, source *repository.Version, ids *contentSet, move bool) (*Result, error) {
	res := &Result{Destinations: map[string]*repository.Version{}}
	err := o.engine.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		engine := o.engine.WithDB(tx)
		for _, dest := range req.DestinationIDs {
			if dest == source.RepositoryID && move {
				continue
			}
			v, err := engine.Modify(ctx, dest, func(ctx context.Context, d *repository.Draft) error {
				if err := d.Add(ctx, ids.units...); err != nil {
					return err
				}
				for i := range ids.namespaces {
					if err := repository.ReplaceNamespaceMetadata(ctx, d, &ids.namespaces[i]); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("copy into %s: %w", dest, err)
			}
			res.Destinations[dest] = v
		}
		if !move {
			return nil
		}
		v, err := engine.Modify(ctx, source.RepositoryID, func(ctx context.Context, d *repository.Draft) error {
			return d.Remove(ctx, req.CollectionVersionIDs...)
		})
		if err != nil {
			return fmt.Errorf("remove from source: %w", err)
		}
		res.Source = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("collection versions transferred", "count", len(req.CollectionVersionIDs),
		"destinations", len(res.Destinations), "move", move)
	return res, nil
}

type contentSet struct {
	// units are the collection versions plus their signatures, marks and
	// deprecations in the source version.
	units      []string
	namespaces []content.NamespaceMetadata
}

// related collects the requested collection versions and the content
// describing them in source.
func (o *Orchestrator) related(ctx context.Context, source *repository.Version, cvIDs []string) (*contentSet, error) {
	db := o.store.DB().WithContext(ctx)
	var cvs []content.CollectionVersion
	if err := db.Where("id IN ? AND id IN (?)", cvIDs,
		o.engine.ContentSubquery(ctx, source, content.TypeCollectionVersion)).Find(&cvs).Error; err != nil {
		return nil, err
	}
	if len(cvs) != len(mapset.NewThreadUnsafeSet(cvIDs...).ToSlice()) {
		return nil, fmt.Errorf("%d of %d collection versions are not in the source version: %w",
			len(cvIDs)-len(cvs), len(cvIDs), repository.ErrNotFound)
	}

	set := &contentSet{}
	collections := mapset.NewThreadUnsafeSet[string]()
	namespaces := mapset.NewThreadUnsafeSet[string]()
	for _, cv := range cvs {
		set.units = append(set.units, cv.ID)
		collections.Add(cv.FQN())
		namespaces.Add(cv.Namespace)
	}

	var sigs, marks []string
	if err := db.Model(&content.Signature{}).
		Where("signed_collection_id IN ? AND id IN (?)", cvIDs, o.engine.ContentSubquery(ctx, source, content.TypeSignature)).
		Pluck("id", &sigs).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&content.Mark{}).
		Where("marked_collection_id IN ? AND id IN (?)", cvIDs, o.engine.ContentSubquery(ctx, source, content.TypeMark)).
		Pluck("id", &marks).Error; err != nil {
		return nil, err
	}
	set.units = append(set.units, sigs...)
	set.units = append(set.units, marks...)

	var deps []content.Deprecation
	if err := db.Where("id IN (?)", o.engine.ContentSubquery(ctx, source, content.TypeDeprecation)).
		Find(&deps).Error; err != nil {
		return nil, err
	}
	for _, d := range deps {
		if collections.Contains(d.Namespace + "." + d.Name) {
			set.units = append(set.units, d.ID)
		}
	}

	if err := db.Where("name IN ? AND id IN (?)", namespaces.ToSlice(),
		o.engine.ContentSubquery(ctx, source, content.TypeNamespace)).
		Find(&set.namespaces).Error; err != nil {
		return nil, err
	}
	return set, nil
}
