// Package syncer pulls collections from a remote galaxy server into a
// repository through a staged pipeline.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/download"
	"github.com/ansible/content-repository/pkg/pipeline"
	"github.com/ansible/content-repository/pkg/repository"
	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Config tunes the pipeline.
type Config struct {
	// DownloadConcurrency bounds in-flight artifact and docs blob downloads.
	DownloadConcurrency int
	// BufferSize is the capacity of each queue between stages.
	BufferSize int
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{DownloadConcurrency: 10, BufferSize: pipeline.DefaultBufferSize}
}

// Options select the sync mode.
type Options struct {
	// Mirror makes the new version exactly the synced content.
	Mirror bool
	// Optimize skips the sync when the remote has not published since the
	// last one.
	Optimize bool
}

// Report describes a finished sync.
type Report struct {
	// Version is the repository's latest version after the sync.
	Version *repository.Version
	// Skipped is set when the incremental check found nothing new.
	Skipped    bool
	Downloaded int64
	Created    int64
	Published  *time.Time
}

type metrics struct {
	downloaded metric.Int64Counter
	saved      metric.Int64Counter
	syncs      metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/ansible/content-repository/pkg/syncer")
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return &metrics{
		downloaded: counter("galaxy.sync.artifacts.downloaded", "Artifacts downloaded by sync", "{artifact}"),
		saved:      counter("galaxy.sync.content.created", "Content units created by sync", "{content}"),
		syncs:      counter("galaxy.sync.runs", "Finished syncs", "{sync}"),
	}
}

// Syncer runs syncs.
type Syncer struct {
	engine    *repository.Engine
	store     *content.Store
	artifacts *artifact.Service
	downloads *download.Factory
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics
}

// New returns a Syncer.
func New(engine *repository.Engine, store *content.Store, artifacts *artifact.Service, downloads *download.Factory, cfg Config, logger *slog.Logger) *Syncer {
	def := DefaultConfig()
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = def.DownloadConcurrency
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		engine:    engine,
		store:     store,
		artifacts: artifacts,
		downloads: downloads,
		cfg:       cfg,
		logger:    logger,
		metrics:   newMetrics(),
	}
}

func clientOptions(r *repository.Remote) download.Options {
	return download.Options{
		Token:        r.Token,
		AuthURL:      r.AuthURL,
		Username:     r.Username,
		Password:     r.Password,
		ProxyURL:     r.ProxyURL,
		RateLimit:    r.RateLimit,
		Concurrency:  r.DownloadConcurrency,
		TotalTimeout: r.TotalTimeout,
	}
}

// Sync pulls the remote into the repository and finalizes a new version.
// ctx must hold the repository's reservation.
func (s *Syncer) Sync(ctx context.Context, repositoryID, remoteID string, opts Options) (*Report, error) {
	if !repository.Reserved(ctx, repositoryID) {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotReserved, repositoryID)
	}
	repo, err := s.engine.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	remote, err := s.engine.GetRemote(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	reqs, err := ParseRequirements(remote.RequirementsFile)
	if err != nil {
		return nil, err
	}
	client, err := s.downloads.Client(clientOptions(remote))
	if err != nil {
		return nil, err
	}
	api, err := discoverAPI(ctx, client, remote.URL)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("repository", repo.Name, "remote", remote.Name)

	var published *time.Time
	if repo.RemoteID != nil && *repo.RemoteID == remote.ID {
		if published, err = api.published(ctx); err != nil {
			return nil, err
		}
		if opts.Optimize && published != nil && repo.LastSyncedMetadataTime != nil &&
			published.Equal(*repo.LastSyncedMetadataTime) && !hasSecondarySource(reqs) {
			latest, err := s.engine.LatestVersion(ctx, repo)
			if err != nil {
				return nil, err
			}
			logger.Info("remote unchanged since last sync", "published", published)
			return &Report{Version: latest, Skipped: true, Published: published}, nil
		}
	}

	latest, err := s.engine.LatestVersion(ctx, repo)
	if err != nil {
		return nil, err
	}
	deprecated, err := s.deprecatedIn(ctx, latest)
	if err != nil {
		return nil, err
	}

	run := &syncRun{
		s:          s,
		remote:     remote,
		client:     client,
		apis:       map[string]*galaxyAPI{},
		residue:    deprecated,
		contentIDs: mapset.NewThreadUnsafeSet[string](),
	}
	first := newFirstStage(remote, reqs, api, logger)
	first.sources = run.sourceAPI

	logger.Info("sync started", "api", api.version, "mirror", opts.Mirror, "requirements", len(reqs))
	n := s.cfg.DownloadConcurrency
	err = pipeline.Run(ctx, s.cfg.BufferSize,
		first.run,
		pipeline.Map(run.queryExistingArtifacts),
		pipeline.Concurrent(n, run.downloadArtifact),
		pipeline.Map(run.saveArtifact),
		pipeline.Map(run.queryExistingContent),
		pipeline.Concurrent(n, run.downloadDocsBlob),
		pipeline.Map(run.saveContent),
		pipeline.Map(run.saveRemoteArtifact),
		pipeline.Map(resolveFutures),
		pipeline.Map(run.undeprecate),
		pipeline.Map(run.associate),
	)
	if err != nil {
		return nil, fmt.Errorf("sync %s from %s: %w", repo.Name, remote.Name, err)
	}

	// only collections looked at upstream can lose their deprecation
	undeprecated := run.residue.Intersect(first.visited)
	version, err := s.engine.Modify(ctx, repo.ID, func(ctx context.Context, d *repository.Draft) error {
		if opts.Mirror {
			if err := d.RemoveAll(ctx); err != nil {
				return err
			}
		}
		if err := d.Add(ctx, run.contentIDs.ToSlice()...); err != nil {
			return err
		}
		for _, nm := range run.namespaces {
			if err := repository.ReplaceNamespaceMetadata(ctx, d, nm); err != nil {
				return err
			}
		}
		return s.removeDeprecations(ctx, d, undeprecated)
	})
	if err != nil {
		return nil, fmt.Errorf("sync %s from %s: %w", repo.Name, remote.Name, err)
	}

	if published != nil {
		repo.LastSyncedMetadataTime = published
		if err := s.engine.UpdateRepository(ctx, repo); err != nil {
			return nil, err
		}
	}
	s.metrics.syncs.Add(ctx, 1)
	report := &Report{
		Version:    version,
		Downloaded: run.downloaded.Load(),
		Created:    run.created.Load(),
		Published:  published,
	}
	logger.Info("sync finished", "version", version.Number, "downloaded", report.Downloaded, "created", report.Created)
	return report, nil
}

// deprecatedIn returns "namespace.name" of every deprecation in v.
func (s *Syncer) deprecatedIn(ctx context.Context, v *repository.Version) (mapset.Set[string], error) {
	out := mapset.NewThreadUnsafeSet[string]()
	ids, err := s.engine.ContentIDs(ctx, v, content.TypeDeprecation)
	if err != nil || len(ids) == 0 {
		return out, err
	}
	var rows []content.Deprecation
	if err := s.store.DB().WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, d := range rows {
		out.Add(d.Namespace + "." + d.Name)
	}
	return out, nil
}

func (s *Syncer) removeDeprecations(ctx context.Context, d *repository.Draft, fqns mapset.Set[string]) error {
	if fqns.Cardinality() == 0 {
		return nil
	}
	ids, err := d.ContentIDs(ctx, content.TypeDeprecation)
	if err != nil || len(ids) == 0 {
		return err
	}
	var rows []content.Deprecation
	if err := s.store.DB().WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return err
	}
	var drop []string
	for _, dep := range rows {
		if fqns.Contains(dep.Namespace + "." + dep.Name) {
			drop = append(drop, dep.ID)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return d.Remove(ctx, drop...)
}
