package signing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/pipeline"
	"github.com/ansible/content-repository/pkg/repository"
	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// AllContent selects every collection version of the repository.
const AllContent = "*"

// Result describes a finished sign task.
type Result struct {
	Version *repository.Version
	// Created counts new signatures, Present those that already existed.
	Created int64
	Present int64
}

// Pipeline signs collection versions of a repository.
type Pipeline struct {
	engine   *repository.Engine
	store    *content.Store
	registry *Registry
	limiter  *Limiter
	manifest manifests
	tmpDir   string
	logger   *slog.Logger
	created  metric.Int64Counter
}

// NewPipeline returns a Pipeline. The limiter is shared by every sign task
// in the process.
func NewPipeline(engine *repository.Engine, store *content.Store, artifacts *artifact.Service, registry *Registry, limiter *Limiter, tmpDir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewLimiter(DefaultLimit)
	}
	created, err := otel.Meter("github.com/ansible/content-repository/pkg/signing").Int64Counter(
		"galaxy.signing.signatures.created",
		metric.WithDescription("Signatures created by sign tasks"),
		metric.WithUnit("{signature}"))
	if err != nil {
		created = noop.Int64Counter{}
	}
	return &Pipeline{
		engine:   engine,
		store:    store,
		registry: registry,
		limiter:  limiter,
		manifest: manifests{store: store, artifacts: artifacts},
		tmpDir:   tmpDir,
		logger:   logger,
		created:  created,
	}
}

type signItem struct {
	cv  content.CollectionVersion
	sig *content.Signature
}

// Sign signs cvIDs, or every collection version when cvIDs is nil or
// holds only AllContent, with the service and adds the signatures to a
// new version of the repository. Collection versions already signed by
// the service's key in any repository are not signed again. ctx must hold
// the repository's reservation.
func (p *Pipeline) Sign(ctx context.Context, repositoryID string, cvIDs []string, serviceID string) (*Result, error) {
	if !repository.Reserved(ctx, repositoryID) {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotReserved, repositoryID)
	}
	svc, err := p.registry.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	signer, err := p.registry.Signer(svc)
	if err != nil {
		return nil, err
	}
	targets, err := p.targets(ctx, repositoryID, cvIDs)
	if err != nil {
		return nil, err
	}

	var created, present atomic.Int64
	signed := mapset.NewThreadUnsafeSet[string]()
	produce := func(ctx context.Context, _ <-chan signItem, out chan<- signItem) error {
		for _, cv := range targets {
			item := signItem{cv: cv}
			existing, err := p.store.FindSignature(ctx, svc.PubkeyFingerprint, cv.ID)
			if err == nil {
				item.sig = existing
			}
			if err := pipeline.Send(ctx, out, item); err != nil {
				return err
			}
		}
		return nil
	}
	sign := func(ctx context.Context, item signItem) (signItem, error) {
		if item.sig != nil {
			return item, nil
		}
		data, err := p.signOne(ctx, signer, &item.cv)
		if err != nil {
			return item, err
		}
		item.sig = &content.Signature{
			SignedCollectionID: item.cv.ID,
			Data:               string(data),
			PubkeyFingerprint:  svc.PubkeyFingerprint,
			SigningServiceID:   &svc.ID,
		}
		return item, nil
	}
	save := func(ctx context.Context, item signItem) (signItem, bool, error) {
		if item.sig.ID != "" {
			present.Add(1)
			signed.Add(item.sig.ID)
			return item, true, nil
		}
		sig, isNew, err := p.store.GetOrCreateSignature(ctx, item.sig)
		if err != nil {
			return item, false, err
		}
		if isNew {
			created.Add(1)
			p.created.Add(ctx, 1)
		} else {
			present.Add(1)
		}
		signed.Add(sig.ID)
		return item, true, nil
	}

	if err := pipeline.Run(ctx, pipeline.DefaultBufferSize,
		produce,
		pipeline.Concurrent(DefaultLimit, sign),
		pipeline.Map(save),
	); err != nil {
		return nil, fmt.Errorf("sign with %s: %w", svc.Name, err)
	}

	ids := make([]string, 0, len(targets))
	for _, cv := range targets {
		ids = append(ids, cv.ID)
	}
	version, err := p.engine.Modify(ctx, repositoryID, func(ctx context.Context, d *repository.Draft) error {
		others, err := p.store.SignaturesFor(ctx, ids, "")
		if err != nil {
			return err
		}
		for _, s := range others {
			signed.Add(s.ID)
		}
		return d.Add(ctx, signed.ToSlice()...)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("collection versions signed", "service", svc.Name, "created", created.Load(), "present", present.Load(), "version", version.Number)
	return &Result{Version: version, Created: created.Load(), Present: present.Load()}, nil
}

func (p *Pipeline) targets(ctx context.Context, repositoryID string, cvIDs []string) ([]content.CollectionVersion, error) {
	repo, err := p.engine.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	latest, err := p.engine.LatestVersion(ctx, repo)
	if err != nil {
		return nil, err
	}
	all, err := p.engine.CollectionVersionsIn(ctx, latest)
	if err != nil {
		return nil, err
	}
	if len(cvIDs) == 0 || (len(cvIDs) == 1 && cvIDs[0] == AllContent) {
		return all, nil
	}
	want := mapset.NewThreadUnsafeSet(cvIDs...)
	out := make([]content.CollectionVersion, 0, want.Cardinality())
	for _, cv := range all {
		if want.Contains(cv.ID) {
			out = append(out, cv)
			want.Remove(cv.ID)
		}
	}
	if want.Cardinality() > 0 {
		return nil, fmt.Errorf("%d collection versions are not in repository %s: %w",
			want.Cardinality(), repo.Name, repository.ErrNotFound)
	}
	return out, nil
}

func (p *Pipeline) signOne(ctx context.Context, signer Signer, cv *content.CollectionVersion) ([]byte, error) {
	manifest, err := p.manifest.of(ctx, cv)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(p.tmpDir, "MANIFEST-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(manifest); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	data, err := p.limiter.Sign(ctx, signer, f.Name())
	if err != nil {
		return nil, fmt.Errorf("%s-%s: %w", cv.FQN(), cv.Version, err)
	}
	return data, nil
}
