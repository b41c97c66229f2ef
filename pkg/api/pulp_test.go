package api

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ansible/content-repository/pkg/jobs"
	"github.com/ansible/content-repository/pkg/signing"
	"github.com/ansible/content-repository/pkg/tarball"
	"github.com/ansible/content-repository/pkg/tarball/tarballtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reposPath = "/pulp/api/v3/repositories/ansible/ansible/"

func TestRepositoryCRUD(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, reposPath, map[string]any{
		"name": "staging", "description": "incoming", "pulp_labels": map[string]string{"env": "test"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	href := created["pulp_href"].(string)
	assert.Equal(t, reposPath+created["id"].(string)+"/", href)
	assert.Equal(t, href+"versions/0/", created["latest_version_href"])

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, reposPath, map[string]any{"name": "staging"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, reposPath, map[string]any{}).Code)

	rec = e.do(t, http.MethodPatch, href, map[string]any{"description": "reviewed", "private": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "reviewed", decode(t, rec)["description"])

	rec = e.do(t, http.MethodGet, href, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, true, got["private"])
	assert.Equal(t, map[string]any{"env": "test"}, got["pulp_labels"])

	rec = e.do(t, http.MethodGet, reposPath+"?name=staging", nil)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, reposPath+"missing/", nil).Code)
}

func TestRemotes(t *testing.T) {
	e := setup(t)
	const remotes = "/pulp/api/v3/remotes/ansible/collection/"

	rec := e.do(t, http.MethodPost, remotes, map[string]any{
		"name": "community", "url": "https://galaxy.ansible.com/api/", "token": "secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	remote := decode(t, rec)
	assert.NotContains(t, remote, "token")
	assert.Equal(t, true, remote["sync_dependencies"])

	rec = e.do(t, http.MethodPatch, remote["pulp_href"].(string), map[string]any{"policy": "on_demand"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "on_demand", decode(t, rec)["policy"])

	rec = e.do(t, http.MethodPatch, remote["pulp_href"].(string), map[string]any{"policy": "streamed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	repo := e.published(t, "published")
	rec = e.do(t, http.MethodPost, reposPath+repo.ID+"/sync/", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a repository without a remote cannot sync")
}

func TestMarkShowsInContentSummary(t *testing.T) {
	e := setup(t)
	repo := e.published(t, "published")
	e.upload(t, "published", tarballtest.Collection{})
	cv, err := e.deps.Store.GetCollectionVersion(context.Background(), "testing", "k8s_demo_collection", "0.0.3")
	require.NoError(t, err)

	task := e.finish(t, e.do(t, http.MethodPost, reposPath+repo.ID+"/mark/", map[string]any{
		"content_units": []string{cv.Href()}, "value": "certified",
	}))
	require.Equal(t, jobs.TaskStateCompleted, task.State, task.Error)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, reposPath+repo.ID+"/mark/", map[string]any{}).Code)

	rec := e.do(t, http.MethodGet, reposPath+repo.ID+"/versions/2/", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode(t, rec)["content_summary"].(map[string]any)
	assert.Equal(t, map[string]any{"count": float64(1)}, summary["added"].(map[string]any)["ansible.collection_mark"])
	assert.Equal(t, map[string]any{"count": float64(1)}, summary["present"].(map[string]any)["ansible.collection_version"])
	assert.Empty(t, summary["removed"])

	rec = e.do(t, http.MethodGet, galaxy("published", "v3/collections/testing/k8s_demo_collection/versions/"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"certified"}, decode(t, rec)["data"].([]any)[0].(map[string]any)["marks"])
}

func TestCopyCollectionVersion(t *testing.T) {
	e := setup(t)
	src := e.published(t, "staging")
	dst := e.published(t, "published")
	e.upload(t, "staging", tarballtest.Collection{})
	cv, err := e.deps.Store.GetCollectionVersion(context.Background(), "testing", "k8s_demo_collection", "0.0.3")
	require.NoError(t, err)

	task := e.finish(t, e.do(t, http.MethodPost, reposPath+src.ID+"/copy_collection_version/", map[string]any{
		"collection_versions":      []string{cv.Href()},
		"destination_repositories": []string{reposPath + dst.ID + "/"},
	}))
	require.Equal(t, jobs.TaskStateCompleted, task.State, task.Error)

	rec := e.do(t, http.MethodGet, galaxy("published", "v3/collections/"), nil)
	assert.EqualValues(t, 1, decode(t, rec)["meta"].(map[string]any)["count"])

	rec = e.do(t, http.MethodPost, reposPath+src.ID+"/copy_collection_version/", map[string]any{
		"collection_versions": []string{cv.Href()},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContentGuardedDownload(t *testing.T) {
	e := setup(t)
	rec := e.do(t, http.MethodPost, reposPath, map[string]any{"name": "private"})
	require.Equal(t, http.StatusCreated, rec.Code)
	repoHref := decode(t, rec)["pulp_href"].(string)

	rec = e.do(t, http.MethodPost, "/pulp/api/v3/contentguards/core/content_redirect/", map[string]any{"name": "redirect"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	guard := decode(t, rec)
	assert.NotContains(t, guard, "secret")

	rec = e.do(t, http.MethodPost, "/pulp/api/v3/distributions/ansible/ansible/", map[string]any{
		"name": "private", "base_path": "private", "repository": repoHref, "content_guard": guard["pulp_href"],
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, origin+galaxy("private", ""), decode(t, rec)["client_url"])

	_, data := e.upload(t, "private", tarballtest.Collection{})
	rec = e.do(t, http.MethodGet, galaxy("private", "v3/collections/testing/k8s_demo_collection/versions/0.0.3/"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	downloadURL := decode(t, rec)["download_url"].(string)
	assert.Contains(t, downloadURL, "/v3/plugin/ansible/content/private/collections/artifacts/")

	rec = e.do(t, http.MethodGet, strings.TrimPrefix(downloadURL, origin), nil)
	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, location.Query().Get("validate_token"))

	rec = e.do(t, http.MethodGet, location.RequestURI(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, data, rec.Body.Bytes())

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, location.Path, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, location.Path+"?validate_token=bogus", nil).Code)
}

func TestUploadSignature(t *testing.T) {
	e := setup(t)
	ent, err := openpgp.NewEntity("galaxy", "", "galaxy@example.com", nil)
	require.NoError(t, err)
	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, ent.Serialize(w))
	require.NoError(t, w.Close())

	repo := e.published(t, "published")
	rec := e.do(t, http.MethodPatch, reposPath+repo.ID+"/", map[string]any{"gpgkey": pub.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, data := e.upload(t, "published", tarballtest.Collection{})
	cv, err := e.deps.Store.GetCollectionVersion(context.Background(), "testing", "k8s_demo_collection", "0.0.3")
	require.NoError(t, err)

	manifest, err := tarball.CanonicalManifest(bytes.NewReader(data))
	require.NoError(t, err)
	sign := func(ent *openpgp.Entity) []byte {
		var sig bytes.Buffer
		require.NoError(t, openpgp.ArmoredDetachSign(&sig, ent, bytes.NewReader(manifest), nil))
		return sig.Bytes()
	}
	fields := map[string]string{"signed_collection": cv.Href(), "repository": reposPath + repo.ID + "/"}
	const sigs = "/pulp/api/v3/content/ansible/collection_signatures/"

	stranger, err := openpgp.NewEntity("stranger", "", "stranger@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, e.post(t, sigs, "sig.asc", sign(stranger), fields).Code)

	rec = e.post(t, sigs, "sig.asc", sign(ent), fields)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, cv.Href(), body["signed_collection"])
	assert.Equal(t, []any{reposPath + repo.ID + "/versions/2/"}, body["created_resources"])

	rec = e.do(t, http.MethodGet, galaxy("published", "v3/collections/testing/k8s_demo_collection/versions/0.0.3/"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	signatures := decode(t, rec)["signatures"].([]any)
	require.Len(t, signatures, 1)
	assert.Equal(t, body["pubkey_fingerprint"], signatures[0].(map[string]any)["pubkey_fingerprint"])
}

func TestOrphanCleanup(t *testing.T) {
	e := setup(t)
	task := e.finish(t, e.do(t, http.MethodPost, "/pulp/api/v3/orphans/cleanup/", map[string]any{"orphan_protection_time": 0}))
	assert.Equal(t, jobs.TaskStateCompleted, task.State, task.Error)

	rec := e.do(t, http.MethodPost, "/pulp/api/v3/orphans/cleanup/", map[string]any{"orphan_protection_time": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignThenSearchBySignature(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	repo := e.published(t, "published")
	e.upload(t, "published", tarballtest.Collection{Version: "1.0.0"})
	e.upload(t, "published", tarballtest.Collection{Namespace: "other", Name: "thing", Version: "1.0.0"})
	signed, err := e.deps.Store.GetCollectionVersion(ctx, "testing", "k8s_demo_collection", "1.0.0")
	require.NoError(t, err)

	ent, err := openpgp.NewEntity("galaxy", "", "galaxy@example.com", nil)
	require.NoError(t, err)
	var key bytes.Buffer
	w, err := armor.Encode(&key, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, ent.SerializePrivate(w, nil))
	require.NoError(t, w.Close())
	svc := &signing.Service{Name: "galaxy", Type: signing.TypeKey, PrivateKey: key.String()}
	require.NoError(t, e.deps.Signing.Create(ctx, svc))

	rec := e.do(t, http.MethodPost, reposPath+repo.ID+"/sign/", map[string]any{
		"content_units":   []string{signed.Href()},
		"signing_service": "/pulp/api/v3/signing-services/" + svc.ID + "/",
	})
	task := e.finish(t, rec)
	require.Equal(t, jobs.TaskStateCompleted, task.State, task.Error)

	search := galaxy("published", "v3/plugin/ansible/search/collection-versions/")
	names := func(query string) []string {
		t.Helper()
		rec := e.do(t, http.MethodGet, search+"?"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out []string
		for _, h := range decode(t, rec)["data"].([]any) {
			cv := h.(map[string]any)["collection_version"].(map[string]any)
			out = append(out, cv["namespace"].(string)+"."+cv["name"].(string))
		}
		return out
	}

	assert.Equal(t, []string{"testing.k8s_demo_collection"}, names("signed=true&repository_name=published"))
	assert.Equal(t, []string{"other.thing"}, names("signed=false&repository_name=published"))
	assert.Equal(t, []string{"testing.k8s_demo_collection"}, names("is_signed=true"))
	assert.Empty(t, names("deprecated=true"))
	assert.Empty(t, names("highest=false"))
	assert.Empty(t, names("signed=true&repository_name=elsewhere"))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, search+"?signed=perhaps", nil).Code)
}
