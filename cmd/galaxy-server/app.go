package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ansible/content-repository/pkg/api"
	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/authz"
	"github.com/ansible/content-repository/pkg/cache"
	"github.com/ansible/content-repository/pkg/config"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/database"
	"github.com/ansible/content-repository/pkg/deletion"
	"github.com/ansible/content-repository/pkg/download"
	"github.com/ansible/content-repository/pkg/ha"
	"github.com/ansible/content-repository/pkg/importer"
	"github.com/ansible/content-repository/pkg/index"
	"github.com/ansible/content-repository/pkg/jobs"
	"github.com/ansible/content-repository/pkg/logging"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/signing"
	"github.com/ansible/content-repository/pkg/syncer"
	"github.com/ansible/content-repository/pkg/tasks"
	"github.com/ansible/content-repository/pkg/transfer"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"gorm.io/gorm"
)

// app holds every component of a running process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	locker ha.Locker
	redis  *redis.Client

	indexer   *index.Indexer
	engine    *repository.Engine
	store     *content.Store
	artifacts *artifact.Service
	reserver  *repository.Reserver
	syncer    *syncer.Syncer
	registry  *signing.Registry
	signer    *signing.Pipeline
	deletion  *deletion.Orchestrator
	importer  *importer.Importer
	taskStore *jobs.TaskStore
	pool      *jobs.WorkerPool
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig(path string, flags *pflag.FlagSet) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path, flags)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newApp connects to the database and the blob store and wires the
// services on top of them.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := database.Open(cfg.DatabaseConfig())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}
	if a.locker, err = a.newLocker(); err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := migrate(ctx, db, a.locker, logger); err != nil {
			return nil, err
		}
	}

	blobs, err := artifact.NewBlobStore(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("open artifact storage: %w", err)
	}
	tmpDir := cfg.Storage.TmpDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	a.indexer = index.New(logger)
	a.engine = repository.NewEngine(db, a.indexer, logger)
	a.store = content.NewStore(db, logger)
	a.artifacts = artifact.NewService(db, blobs, tmpDir, logger)
	a.reserver = repository.NewReserver(a.locker)

	var tokens download.TokenCache
	if a.redis != nil {
		tokens = download.NewRedisTokenCache(a.redis, "galaxy:token:")
	}
	downloads := download.NewFactory(cfg.DownloadConfig(), download.NewTokenRefresher(tokens, nil), logger)
	a.syncer = syncer.New(a.engine, a.store, a.artifacts, downloads, cfg.SyncerConfig(), logger)

	a.registry = signing.NewRegistry(db)
	a.signer = signing.NewPipeline(a.engine, a.store, a.artifacts, a.registry,
		signing.NewLimiter(cfg.Signing.Concurrency), tmpDir, logger)
	a.deletion = deletion.New(a.engine, a.store, a.artifacts, a.indexer, a.reserver, logger)
	a.importer = importer.New(a.engine, a.store, a.artifacts, logger)

	a.taskStore = jobs.NewTaskStore(db)
	tasksCfg := cfg.Tasks
	a.pool = jobs.NewWorkerPool(a.taskStore, a.reserver, &tasksCfg, logger)
	tasks.Register(a.pool, tasks.Services{
		Store:            a.store,
		Syncer:           a.syncer,
		Signer:           a.signer,
		Transfer:         transfer.New(a.engine, a.store, a.reserver, a.signer, logger),
		Deletion:         a.deletion,
		Importer:         a.importer,
		Ops:              repository.NewContentOps(a.engine, a.store),
		Artifacts:        a.artifacts,
		OrphanProtection: cfg.OrphanProtectionTime,
		Logger:           logger,
	})
	return a, nil
}

func (a *app) newLocker() (ha.Locker, error) {
	hc := a.cfg.HAConfig()
	if a.redis != nil {
		return ha.NewRedisLocker(a.redis, "", hc.LockTTL), nil
	}
	return ha.NewLocker(hc, a.db)
}

// handler builds the HTTP API. Index changes evict cached responses of the
// affected distributions.
func (a *app) handler() (*api.Server, error) {
	authorizer, err := authz.New(a.cfg.Authz)
	if err != nil {
		return nil, fmt.Errorf("authorizer: %w", err)
	}
	opts := []api.ServerOption{
		api.WithAuthorizer(authorizer),
		api.WithDeferredFetcher(a.syncer),
	}
	if a.cfg.Cache.Enabled {
		cacheCfg := a.cfg.Cache
		m := cache.NewManager(&cacheCfg, a.logger)
		a.indexer.OnChange(m.InvalidateBasePaths)
		opts = append(opts, api.WithCache(m))
	}
	deps := api.Deps{
		DB:         a.db,
		Engine:     a.engine,
		Store:      a.store,
		Artifacts:  a.artifacts,
		Importer:   a.importer,
		Searcher:   index.NewSearcher(a.db),
		Signing:    a.registry,
		Verifier:   signing.NewVerifier(a.engine, a.store, a.artifacts, a.cfg.Signing.RequireVerification, a.logger),
		Reserver:   a.reserver,
		Dispatcher: tasks.NewDispatcher(a.taskStore, a.deletion.Holding),
		Tasks:      a.taskStore,
	}
	return api.NewServer(deps, a.cfg.APIConfig(), a.logger, opts...), nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// migrators lists the schema of every package in dependency order.
var migrators = []func(*gorm.DB) error{
	artifact.AutoMigrate,
	content.AutoMigrate,
	repository.AutoMigrate,
	index.AutoMigrate,
	signing.AutoMigrate,
	jobs.AutoMigrate,
}

// migrate applies the schema while holding the cluster-wide migration
// lock so that replicas starting together do not race.
func migrate(ctx context.Context, db *gorm.DB, locker ha.Locker, logger *slog.Logger) error {
	return locker.WithLock(ctx, ha.MigrationLockName, func(ctx context.Context) error {
		tx := db.WithContext(ctx)
		for _, m := range migrators {
			if err := m(tx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		logger.Info("database schema up to date", "dialect", database.Dialect(db))
		return nil
	})
}
