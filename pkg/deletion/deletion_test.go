package deletion

import (
	"bytes"
	"context"
	"testing"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/database"
	"github.com/ansible/content-repository/pkg/importer"
	"github.com/ansible/content-repository/pkg/index"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/ansible/content-repository/pkg/tarball/tarballtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	engine    *repository.Engine
	store     *content.Store
	artifacts *artifact.Service
	orch      *Orchestrator
	repo      *repository.Repository
}

func setup(t *testing.T) *env {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, artifact.AutoMigrate(db))
	require.NoError(t, content.AutoMigrate(db))
	require.NoError(t, repository.AutoMigrate(db))
	require.NoError(t, index.AutoMigrate(db))
	blobs, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ix := index.New(nil)
	e := &env{
		engine:    repository.NewEngine(db, ix, nil),
		store:     content.NewStore(db, nil),
		artifacts: artifact.NewService(db, blobs, t.TempDir(), nil),
	}
	e.orch = New(e.engine, e.store, e.artifacts, ix, nil, nil)
	e.repo = &repository.Repository{Name: "published"}
	require.NoError(t, e.engine.CreateRepository(context.Background(), e.repo))
	return e
}

func (e *env) upload(t *testing.T, repo *repository.Repository, c tarballtest.Collection) *content.CollectionVersion {
	t.Helper()
	ctx := repository.WithReserved(context.Background(), repo.ID)
	res, err := importer.New(e.engine, e.store, e.artifacts, nil).
		Import(ctx, bytes.NewReader(tarballtest.Build(t, c)), importer.Request{RepositoryID: repo.ID})
	require.NoError(t, err)
	return res.CollectionVersion
}

func (e *env) latestCVs(t *testing.T, repo *repository.Repository) []string {
	t.Helper()
	r, err := e.engine.GetRepository(context.Background(), repo.ID)
	require.NoError(t, err)
	v, err := e.engine.LatestVersion(context.Background(), r)
	require.NoError(t, err)
	ids, err := e.engine.ContentIDs(context.Background(), v, content.TypeCollectionVersion)
	require.NoError(t, err)
	return ids
}

func TestDelete_DependencyConflict(t *testing.T) {
	e := setup(t)
	a100 := e.upload(t, e.repo, tarballtest.Collection{Namespace: "foo", Name: "a", Version: "1.0.0"})
	b := e.upload(t, e.repo, tarballtest.Collection{Namespace: "foo", Name: "b", Version: "1.0.0",
		Dependencies: map[string]string{"foo.a": ">=1.0.0"}})

	err := e.orch.DeleteCollectionVersion(context.Background(), a100.ID)
	require.ErrorIs(t, err, ErrDependencyConflict)
	var conflict *DependencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Dependents, 1)
	assert.Equal(t, "foo.b-1.0.0", conflict.Dependents[0].CollectionVersion)
	assert.Equal(t, "published", conflict.Dependents[0].Repository)
	assert.ElementsMatch(t, []string{a100.ID, b.ID}, e.latestCVs(t, e.repo))

	a101 := e.upload(t, e.repo, tarballtest.Collection{Namespace: "foo", Name: "a", Version: "1.0.1"})
	require.NoError(t, e.orch.DeleteCollectionVersion(context.Background(), a100.ID))
	assert.ElementsMatch(t, []string{a101.ID, b.ID}, e.latestCVs(t, e.repo))

	_, err = e.store.GetCollectionVersionByID(context.Background(), a100.ID)
	assert.ErrorIs(t, err, content.ErrNotFound)
	_, err = e.artifacts.FindBySha256(context.Background(), a100.Sha256)
	assert.ErrorIs(t, err, artifact.ErrNotFound, "the orphaned tarball is cleaned up")

	highest, err := e.store.GetCollectionVersionByID(context.Background(), a101.ID)
	require.NoError(t, err)
	assert.True(t, highest.IsHighest)
}

func TestDelete_CollectionFromEveryRepository(t *testing.T) {
	e := setup(t)
	other := &repository.Repository{Name: "staging"}
	require.NoError(t, e.engine.CreateRepository(context.Background(), other))

	v1 := e.upload(t, e.repo, tarballtest.Collection{Version: "1.0.0"})
	v2 := e.upload(t, e.repo, tarballtest.Collection{Version: "2.0.0"})
	keep := e.upload(t, other, tarballtest.Collection{Namespace: "keep", Name: "me", Version: "1.0.0"})
	ctx := repository.WithReserved(context.Background(), other.ID)
	_, err := e.engine.Modify(ctx, other.ID, func(ctx context.Context, d *repository.Draft) error {
		return d.Add(ctx, v1.ID)
	})
	require.NoError(t, err)

	require.NoError(t, e.orch.DeleteCollection(context.Background(), "testing", "k8s_demo_collection"))
	assert.Empty(t, e.latestCVs(t, e.repo))
	assert.Equal(t, []string{keep.ID}, e.latestCVs(t, other))

	_, err = e.store.GetCollection(context.Background(), "testing", "k8s_demo_collection")
	assert.ErrorIs(t, err, content.ErrNotFound)

	// the first version of the repository no longer lists the deleted unit
	first, err := e.engine.VersionByNumber(context.Background(), e.repo.ID, 1)
	require.NoError(t, err)
	ids, err := e.engine.ContentIDs(context.Background(), first)
	require.NoError(t, err)
	assert.NotContains(t, ids, v1.ID)
	assert.NotContains(t, ids, v2.ID)

	err = e.orch.DeleteCollection(context.Background(), "testing", "k8s_demo_collection")
	assert.ErrorIs(t, err, content.ErrNotFound)
}

func TestDelete_DependentsInOtherRepositoriesOnly(t *testing.T) {
	e := setup(t)
	a := e.upload(t, e.repo, tarballtest.Collection{Namespace: "foo", Name: "a", Version: "1.0.0"})
	// the dependent lives in a repository that does not hold foo.a
	other := &repository.Repository{Name: "staging"}
	require.NoError(t, e.engine.CreateRepository(context.Background(), other))
	e.upload(t, other, tarballtest.Collection{Namespace: "foo", Name: "b", Version: "1.0.0",
		Dependencies: map[string]string{"foo.a": "*"}})

	require.NoError(t, e.orch.DeleteCollectionVersion(context.Background(), a.ID))
}

func TestHolding(t *testing.T) {
	e := setup(t)
	other := &repository.Repository{Name: "staging"}
	require.NoError(t, e.engine.CreateRepository(context.Background(), other))
	e.upload(t, e.repo, tarballtest.Collection{Version: "1.0.0"})
	e.upload(t, other, tarballtest.Collection{Version: "2.0.0"})

	repos, err := e.orch.Holding(context.Background(), "testing", "k8s_demo_collection", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{e.repo.ID, other.ID}, repos)

	repos, err = e.orch.Holding(context.Background(), "testing", "k8s_demo_collection", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID}, repos)

	_, err = e.orch.Holding(context.Background(), "testing", "missing", "")
	assert.ErrorIs(t, err, content.ErrNotFound)
}
