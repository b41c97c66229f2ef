package cache

import (
	"bytes"
	"net/http"
)

// cacheResponseWriter captures the status and body so they can be stored.
type cacheResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *cacheResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cacheResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// KeyFunc derives the cache key of a request. An empty key bypasses the
// cache.
type KeyFunc func(r *http.Request) string

// CacheMiddleware caches 200 responses to GET requests under key(r).
// Hits are answered with X-Cache: HIT, stored misses with X-Cache: MISS.
func CacheMiddleware(c *LRUCache, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			if cached, ok := c.Get(k); ok {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(cached.Body)
				return
			}

			crw := &cacheResponseWriter{ResponseWriter: w}
			crw.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(crw, r)

			if crw.statusCode == http.StatusOK {
				c.Set(k, Entry{
					ContentType: crw.Header().Get("Content-Type"),
					Body:        bytes.Clone(crw.body.Bytes()),
				})
			}
		})
	}
}
