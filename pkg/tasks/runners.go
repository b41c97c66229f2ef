package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/deletion"
	"github.com/ansible/content-repository/pkg/importer"
	"github.com/ansible/content-repository/pkg/jobs"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/signing"
	"github.com/ansible/content-repository/pkg/syncer"
	"github.com/ansible/content-repository/pkg/transfer"
)

// Services are the operations workers run.
type Services struct {
	Store     *content.Store
	Syncer    *syncer.Syncer
	Signer    *signing.Pipeline
	Transfer  *transfer.Orchestrator
	Deletion  *deletion.Orchestrator
	Importer  *importer.Importer
	Ops       *repository.ContentOps
	Artifacts *artifact.Service
	// OrphanProtection is how long an unreferenced artifact is kept.
	OrphanProtection time.Duration
	Logger           *slog.Logger
}

// Register binds a runner for every task name to wp.
func Register(wp *jobs.WorkerPool, s Services) {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	wp.Register(NameSync, s.sync)
	wp.Register(NameSign, s.sign)
	wp.Register(NameCopy, s.copy)
	wp.Register(NameMove, s.move)
	wp.Register(NameDelete, s.delete)
	wp.Register(NameImport, s.importCollection)
	wp.Register(NameMark, s.mark)
	wp.Register(NameDeprecate, s.deprecate)
	wp.Register(NameNamespace, s.namespace)
	wp.Register(NameOrphanCleanup, s.orphanCleanup)
}

func created(versions ...*repository.Version) *jobs.Outcome {
	out := &jobs.Outcome{}
	for _, v := range versions {
		if v != nil {
			out.CreatedResources = append(out.CreatedResources, v.Href())
		}
	}
	return out
}

func (s Services) sync(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	var args SyncArgs
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	report, err := s.Syncer.Sync(ctx, args.RepositoryID, args.RemoteID, syncer.Options{Mirror: args.Mirror, Optimize: args.Optimize})
	if err != nil {
		return nil, err
	}
	out := &jobs.Outcome{Progress: map[string]any{
		"downloaded": report.Downloaded,
		"created":    report.Created,
		"skipped":    report.Skipped,
	}}
	if !report.Skipped && report.Version != nil {
		out.CreatedResources = created(report.Version).CreatedResources
	}
	return out, nil
}

func (s Services) sign(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	var args SignArgs
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	res, err := s.Signer.Sign(ctx, args.RepositoryID, args.CollectionVersionIDs, args.SigningServiceID)
	if err != nil {
		return nil, err
	}
	out := created(res.Version)
	out.Progress = map[string]any{"signed": res.Created, "already_signed": res.Present}
	return out, nil
}

func (s Services) transfer(ctx context.Context, task *jobs.Task, move bool) (*jobs.Outcome, error) {
	var args TransferArgs
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	req := transfer.Request{
		SourceVersionID:      args.SourceVersionID,
		DestinationIDs:       args.DestinationIDs,
		CollectionVersionIDs: args.CollectionVersionIDs,
		SigningServiceID:     args.SigningServiceID,
	}
	run := s.Transfer.Copy
	if move {
		run = s.Transfer.Move
	}
	res, err := run(ctx, req)
	if err != nil {
		return nil, err
	}
	versions := []*repository.Version{res.Source}
	for _, dest := range args.DestinationIDs {
		versions = append(versions, res.Destinations[dest])
	}
	return created(versions...), nil
}

func (s Services) copy(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	return s.transfer(ctx, task, false)
}

func (s Services) move(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	return s.transfer(ctx, task, true)
}

func (s Services) delete(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	var args DeleteArgs
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	if args.Version == "" {
		return nil, s.Deletion.DeleteCollection(ctx, args.Namespace, args.Name)
	}
	cv, err := s.Store.GetCollectionVersion(ctx, args.Namespace, args.Name, args.Version)
	if err != nil {
		return nil, err
	}
	return nil, s.Deletion.DeleteCollectionVersion(ctx, cv.ID)
}

func (s Services) importCollection(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	var args ImportArgs
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	res, err := s.Importer.ImportArtifact(ctx, args.ArtifactID, importer.Request{
		RepositoryID: args.RepositoryID,
		Filename:     args.Filename,
		Sha256:       args.Sha256,
	})
	out := &jobs.Outcome{}
	if res != nil {
		log := make([]any, 0, len(res.Log))
		for _, e := range res.Log {
			log = append(log, map[string]any{"level": e.Level, "message": e.Message, "time": e.Time.Format(time.RFC3339)})
		}
		out.Progress = map[string]any{"import_log": log}
		if res.CollectionVersion != nil {
			out.CreatedResources = append(out.CreatedResources, res.CollectionVersion.Href())
			out.Progress["collection"] = map[string]any{
				"namespace": res.CollectionVersion.Namespace,
				"name":      res.CollectionVersion.Name,
				"version":   res.CollectionVersion.Version,
			}
		}
		if res.Version != nil {
			out.CreatedResources = append(out.CreatedResources, res.Version.Href())
		}
	}
	return out, err
}

func (s Services) mark(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	var args MarkArgs
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	op := s.Ops.Mark
	if args.Unmark {
		op = s.Ops.Unmark
	}
	v, err := op(ctx, args.RepositoryID, args.CollectionVersionIDs, args.Value)
	if err != nil {
		return nil, err
	}
	return created(v), nil
}

func (s Services) deprecate(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	var args DeprecateArgs
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	op := s.Ops.Deprecate
	if args.Undeprecate {
		op = s.Ops.Undeprecate
	}
	v, err := op(ctx, args.RepositoryID, args.Namespace, args.Name)
	if err != nil {
		return nil, err
	}
	return created(v), nil
}

func (s Services) namespace(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	var args NamespaceArgs
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	v, err := s.Ops.SetNamespaceMetadata(ctx, args.RepositoryID, args.metadata())
	if err != nil {
		return nil, err
	}
	return created(v), nil
}

func (s Services) orphanCleanup(ctx context.Context, task *jobs.Task) (*jobs.Outcome, error) {
	var args OrphanCleanupArgs
	if err := decode(task, &args); err != nil {
		return nil, err
	}
	protection := s.OrphanProtection
	if args.ProtectionSeconds != nil {
		protection = time.Duration(*args.ProtectionSeconds) * time.Second
	}
	n, err := s.Artifacts.CleanupOrphans(ctx, protection)
	if err != nil {
		return nil, fmt.Errorf("orphan cleanup: %w", err)
	}
	s.Logger.Info("orphan cleanup finished", "removed", n, "protection", protection.String())
	return &jobs.Outcome{Progress: map[string]any{"removed_artifacts": n}}, nil
}
