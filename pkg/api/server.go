// Package api serves the galaxy v3 collection API, the artifact download
// path and the pulp management API over chi.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/authz"
	"github.com/ansible/content-repository/pkg/cache"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/importer"
	"github.com/ansible/content-repository/pkg/index"
	"github.com/ansible/content-repository/pkg/jobs"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/signing"
	"github.com/ansible/content-repository/pkg/tasks"
)

// GalaxyPrefix is the path every distribution's galaxy API lives under.
const GalaxyPrefix = "/pulp_ansible/galaxy"

// Config holds the HTTP API settings.
type Config struct {
	// ContentOrigin is prepended to download URLs, e.g. https://galaxy.example.com.
	ContentOrigin string `mapstructure:"content_origin"`
	// GuardTTL is the lifetime of a content guard validate_token.
	GuardTTL time.Duration `mapstructure:"guard_ttl"`
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{GuardTTL: 90 * time.Second}
}

// DeferredFetcher downloads the artifact of on-demand content on first use.
type DeferredFetcher interface {
	FetchDeferred(ctx context.Context, contentID string) (*artifact.Artifact, error)
}

// Deps are the components the API serves.
type Deps struct {
	DB         *gorm.DB
	Engine     *repository.Engine
	Store      *content.Store
	Artifacts  *artifact.Service
	Importer   *importer.Importer
	Searcher   *index.Searcher
	Signing    *signing.Registry
	Verifier   *signing.Verifier
	Reserver   *repository.Reserver
	Dispatcher *tasks.Dispatcher
	Tasks      *jobs.TaskStore
}

// Server is the HTTP front of the content repository.
type Server struct {
	Deps
	cfg        Config
	authorizer authz.Authorizer
	cache      *cache.Manager
	deferred   DeferredFetcher
	logger     *slog.Logger
	startedAt  time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthorizer guards every API route with a.
func WithAuthorizer(a authz.Authorizer) ServerOption {
	return func(s *Server) {
		s.authorizer = a
	}
}

// WithCache caches galaxy collection responses per base path.
func WithCache(m *cache.Manager) ServerOption {
	return func(s *Server) {
		s.cache = m
	}
}

// WithDeferredFetcher serves on-demand content by downloading it from its
// remote on first request.
func WithDeferredFetcher(f DeferredFetcher) ServerOption {
	return func(s *Server) {
		s.deferred = f
	}
}

// NewServer returns a Server.
func NewServer(deps Deps, cfg Config, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = DefaultConfig().GuardTTL
	}
	cfg.ContentOrigin = strings.TrimSuffix(cfg.ContentOrigin, "/")
	if deps.Reserver == nil {
		deps.Reserver = repository.NewReserver(nil)
	}
	s := &Server{Deps: deps, cfg: cfg, logger: logger, startedAt: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(authz.IdentityMiddleware())

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)

	r.Group(func(r chi.Router) {
		if s.authorizer != nil {
			r.Use(authz.AuthzMiddleware(s.authorizer))
		}
		r.Route(GalaxyPrefix+"/{base_path}/api", s.galaxyRoutes)
		r.Get("/v3/artifacts/collections/{base_path}/{filename}", s.downloadArtifact)
		r.Route("/pulp/api/v3", s.pulpRoutes)
	})
	return r
}

func (s *Server) galaxyRoutes(r chi.Router) {
	r.Use(s.distributionContext)
	cached := s.cache.Middleware(func(r *http.Request) string { return chi.URLParam(r, "base_path") })

	r.Get("/", s.apiRoot)
	r.Get("/v3/", s.v3Root)
	r.With(cached).Get("/v3/collections/", s.listCollections)
	r.With(cached).Get("/v3/collections/{namespace}/{name}/", s.getCollection)
	r.Delete("/v3/collections/{namespace}/{name}/", s.deleteCollection)
	r.With(cached).Get("/v3/collections/{namespace}/{name}/versions/", s.listCollectionVersions)
	r.With(cached).Get("/v3/collections/{namespace}/{name}/versions/{version}/", s.getCollectionVersion)
	r.Delete("/v3/collections/{namespace}/{name}/versions/{version}/", s.deleteCollectionVersion)
	r.Get("/v3/namespaces/", s.listNamespaces)
	r.Get("/v3/namespaces/{namespace}/", s.getNamespace)
	r.Post("/v3/artifacts/collections/", s.uploadCollection)
	r.Get("/v3/plugin/ansible/search/collection-versions/", s.searchCollectionVersions)
	r.Get("/v3/plugin/ansible/content/{content_path}/collections/artifacts/{filename}", s.redirectArtifact)
}

func (s *Server) pulpRoutes(r chi.Router) {
	// the group's authz middleware already guards the task API
	r.Mount("/tasks", jobs.Router(s.Tasks, nil))

	r.Route("/repositories/ansible/ansible", func(r chi.Router) {
		r.Get("/", s.listRepositories)
		r.Post("/", s.createRepository)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getRepository)
			r.Patch("/", s.updateRepository)
			r.Get("/versions/", s.listRepositoryVersions)
			r.Get("/versions/{number}/", s.getRepositoryVersion)
			r.Post("/sync/", s.syncRepository)
			r.Post("/sign/", s.signRepository)
			r.Post("/copy_collection_version/", s.copyCollectionVersions)
			r.Post("/move_collection_version/", s.moveCollectionVersions)
			r.Post("/mark/", s.markRepository(false))
			r.Post("/unmark/", s.markRepository(true))
			r.Post("/deprecate/", s.deprecateRepository(false))
			r.Post("/undeprecate/", s.deprecateRepository(true))
			r.Post("/namespace_metadata/", s.setNamespaceMetadata)
		})
	})
	r.Route("/remotes/ansible/collection", func(r chi.Router) {
		r.Get("/", s.listRemotes)
		r.Post("/", s.createRemote)
		r.Get("/{id}/", s.getRemote)
		r.Patch("/{id}/", s.updateRemote)
	})
	r.Route("/distributions/ansible/ansible", func(r chi.Router) {
		r.Get("/", s.listDistributions)
		r.Post("/", s.createDistribution)
		r.Get("/{id}/", s.getDistribution)
		r.Patch("/{id}/", s.updateDistribution)
		r.Delete("/{id}/", s.deleteDistribution)
	})
	r.Post("/contentguards/core/content_redirect/", s.createContentGuard)
	r.Get("/contentguards/core/content_redirect/{id}/", s.getContentGuard)
	r.Get("/content/ansible/collection_versions/{id}/", s.getCollectionVersionContent)
	r.Post("/content/ansible/collection_signatures/", s.uploadSignature)
	r.Get("/signing-services/", s.listSigningServices)
	r.Post("/orphans/cleanup/", s.orphanCleanup)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports whether the database answers.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	dbStatus := map[string]string{"status": "up"}
	ready := true
	if s.DB == nil {
		dbStatus["status"] = "not_configured"
	} else if sqlDB, err := s.DB.DB(); err != nil {
		dbStatus = map[string]string{"status": "down", "error": err.Error()}
		ready = false
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		dbStatus = map[string]string{"status": "down", "error": err.Error()}
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     status,
		"components": map[string]any{"database": dbStatus},
	})
}

// taskAccepted answers an operation that was queued as a task.
func (s *Server) taskAccepted(w http.ResponseWriter, r *http.Request, task *jobs.Task, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": jobs.TaskHref(task.ID)})
}
