package cache

import (
	"context"
	"log/slog"
	"net/http"
)

// Manager caches galaxy API responses per distribution base path.
type Manager struct {
	entries *LRUCache
	logger  *slog.Logger
}

// NewManager returns a Manager, or nil when cfg is nil or disabled. All
// methods are no-ops on a nil Manager.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{entries: NewLRUCache(cfg.MaxEntries, cfg.TTL), logger: logger}
}

func prefix(basePath string) string {
	return basePath + "|"
}

// Middleware caches GET responses under the base path basePath returns
// for the request. Requests without a base path are not cached.
func (m *Manager) Middleware(basePath func(r *http.Request) string) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return CacheMiddleware(m.entries, func(r *http.Request) string {
		bp := basePath(r)
		if bp == "" {
			return ""
		}
		return prefix(bp) + r.URL.RequestURI()
	})
}

// InvalidateBasePaths drops the cached responses of the given
// distributions. Its signature matches index.ChangeFunc.
func (m *Manager) InvalidateBasePaths(_ context.Context, basePaths []string) {
	if m == nil {
		return
	}
	for _, bp := range basePaths {
		if n := m.entries.InvalidatePrefix(prefix(bp)); n > 0 {
			m.logger.Debug("cached responses invalidated", "base_path", bp, "entries", n)
		}
	}
}

// InvalidateAll clears the cache.
func (m *Manager) InvalidateAll() {
	if m == nil {
		return
	}
	m.entries.InvalidateAll()
}
