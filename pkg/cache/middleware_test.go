package cache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCacheMiddleware(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"GETCachedOnSecondCall", testGETCachedOnSecondCall},
		{"POSTNotCached", testPOSTNotCached},
		{"Non200NotCached", testNon200NotCached},
		{"EmptyKeyBypasses", testEmptyKeyBypasses},
		{"DifferentURLsCachedSeparately", testDifferentURLsCachedSeparately},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func byURI(r *http.Request) string { return r.URL.RequestURI() }

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func testGETCachedOnSecondCall(t *testing.T) {
	callCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"count":1}`))
	})
	wrapped := CacheMiddleware(NewLRUCache(10, 5*time.Second), byURI)(handler)

	rec1 := serve(wrapped, http.MethodGet, "/api/v3/collections/")
	if rec1.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected X-Cache: MISS, got %q", rec1.Header().Get("X-Cache"))
	}

	rec2 := serve(wrapped, http.MethodGet, "/api/v3/collections/")
	if callCount != 1 {
		t.Fatalf("expected handler not called again, got %d", callCount)
	}
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected X-Cache: HIT, got %q", rec2.Header().Get("X-Cache"))
	}
	if rec2.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected cached content type, got %q", rec2.Header().Get("Content-Type"))
	}
	b, _ := io.ReadAll(rec2.Result().Body)
	if string(b) != `{"count":1}` {
		t.Fatalf("expected cached body, got %q", string(b))
	}
}

func testPOSTNotCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c := NewLRUCache(10, 5*time.Second)
	rec := serve(CacheMiddleware(c, byURI)(handler), http.MethodPost, "/api/v3/artifacts/collections/")

	if c.Size() != 0 {
		t.Fatalf("expected cache size 0 for POST, got %d", c.Size())
	}
	if rec.Header().Get("X-Cache") != "" {
		t.Fatalf("expected no X-Cache header on POST, got %q", rec.Header().Get("X-Cache"))
	}
}

func testNon200NotCached(t *testing.T) {
	callCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusNotFound)
	})
	c := NewLRUCache(10, 5*time.Second)
	wrapped := CacheMiddleware(c, byURI)(handler)

	serve(wrapped, http.MethodGet, "/api/v3/collections/acme/missing/")
	serve(wrapped, http.MethodGet, "/api/v3/collections/acme/missing/")

	if callCount != 2 {
		t.Fatalf("expected handler called twice, got %d", callCount)
	}
	if c.Size() != 0 {
		t.Fatalf("expected cache size 0 for non-200, got %d", c.Size())
	}
}

func testEmptyKeyBypasses(t *testing.T) {
	callCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusOK)
	})
	wrapped := CacheMiddleware(NewLRUCache(10, 5*time.Second), func(*http.Request) string { return "" })(handler)

	serve(wrapped, http.MethodGet, "/x")
	serve(wrapped, http.MethodGet, "/x")
	if callCount != 2 {
		t.Fatalf("expected handler called twice, got %d", callCount)
	}
}

func testDifferentURLsCachedSeparately(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.URL.RequestURI()))
	})
	c := NewLRUCache(10, 5*time.Second)
	wrapped := CacheMiddleware(c, byURI)(handler)

	serve(wrapped, http.MethodGet, "/a?limit=1")
	serve(wrapped, http.MethodGet, "/a?limit=2")

	rec := serve(wrapped, http.MethodGet, "/a?limit=1")
	b, _ := io.ReadAll(rec.Result().Body)
	if string(b) != "/a?limit=1" {
		t.Fatalf("expected cached body /a?limit=1, got %q", string(b))
	}
	if c.Size() != 2 {
		t.Fatalf("expected 2 cached entries, got %d", c.Size())
	}
}
