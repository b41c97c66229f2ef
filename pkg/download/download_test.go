package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TmpDir = t.TempDir()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return NewFactory(cfg, nil, nil)
}

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestDownload_VerifiesDigest(t *testing.T) {
	body := []byte("collection bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c, err := testFactory(t).Client(Options{})
	require.NoError(t, err)

	res, err := c.Download(context.Background(), srv.URL+"/a.tar.gz", artifact.Expected{Sha256: sum(body), Size: int64(len(body))})
	require.NoError(t, err)
	defer res.Remove()
	assert.Equal(t, sum(body), res.Digests.Sha256)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	_, err = c.Download(context.Background(), srv.URL+"/a.tar.gz", artifact.Expected{Sha256: sum([]byte("other"))})
	assert.ErrorIs(t, err, artifact.ErrDigestMismatch)
}

func TestDownload_FileScheme(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"published":"2024-01-01T00:00:00Z"}`), 0o600))

	c, err := testFactory(t).Client(Options{})
	require.NoError(t, err)

	var out struct{ Published string }
	require.NoError(t, c.GetJSON(context.Background(), "file://"+path, &out))
	assert.Equal(t, "2024-01-01T00:00:00Z", out.Published)

	err = c.GetJSON(context.Background(), "file://"+filepath.Join(dir, "missing"), &out)
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.GetJSON(context.Background(), "ftp://example.com/x", &out)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestGet_SilencedNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, err := testFactory(t).Client(Options{})
	require.NoError(t, err)

	var v map[string]any
	err = c.GetJSON(context.Background(), srv.URL, &v)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)

	err = c.Silence(http.StatusNotFound).GetJSON(context.Background(), srv.URL, &v)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_RetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := testFactory(t).Client(Options{})
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, &v))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := testFactory(t).Client(Options{})
	require.NoError(t, err)
	var v map[string]any
	err = c.GetJSON(context.Background(), srv.URL, &v)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(10), calls.Load())
}

func TestGet_RefreshesTokenOnceOn401(t *testing.T) {
	var issued atomic.Int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cloud-services", r.PostForm.Get("client_id"))
		assert.Equal(t, "offline", r.PostForm.Get("refresh_token"))
		n := issued.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"bearer-` + string(rune('0'+n)) + `"}`))
	}))
	defer auth.Close()

	var seen []string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer bearer-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer api.Close()

	c, err := testFactory(t).Client(Options{Token: "offline", AuthURL: auth.URL})
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, c.GetJSON(context.Background(), api.URL, &v))
	assert.Equal(t, []string{"Bearer bearer-1", "Bearer bearer-2"}, seen)

	// a second rejection after the refresh is final
	seen = nil
	c2, err := testFactory(t).Client(Options{Token: "offline", AuthURL: auth.URL})
	require.NoError(t, err)
	err = c2.GetJSON(context.Background(), api.URL, &v)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Len(t, seen, 2)
}

func TestGet_StaticCredentials(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := testFactory(t)
	var v map[string]any
	c, err := f.Client(Options{Token: "abc"})
	require.NoError(t, err)
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, &v))
	c, err = f.Client(Options{Username: "u", Password: "p"})
	require.NoError(t, err)
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, &v))

	assert.Equal(t, "Token abc", got[0])
	assert.Equal(t, "Basic dTpw", got[1])
}

func TestTokenRefresher_InvalidateKeepsNewerToken(t *testing.T) {
	cache := NewMemoryTokenCache()
	r := NewTokenRefresher(cache, nil)
	ctx := context.Background()
	key := tokenKey("https://sso", "offline")
	require.NoError(t, cache.Set(ctx, key, "fresh", time.Minute))

	require.NoError(t, r.Invalidate(ctx, "https://sso", "offline", "stale"))
	tok, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", tok)

	require.NoError(t, r.Invalidate(ctx, "https://sso", "offline", "fresh"))
	_, ok, _ = cache.Get(ctx, key)
	assert.False(t, ok)
}
