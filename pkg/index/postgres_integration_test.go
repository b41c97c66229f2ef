//go:build integration

package index

import (
	"context"
	"testing"
	"time"

	"github.com/ansible/content-repository/pkg/content"
	"github.com/ansible/content-repository/pkg/database"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestIndex_Postgres(t *testing.T) {
	ctx := context.Background()
	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("galaxy"),
		postgres.WithUsername("galaxy"),
		postgres.WithPassword("galaxy"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pg) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := database.Open(database.Config{Type: "postgres", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, content.AutoMigrate(db))
	require.NoError(t, repository.AutoMigrate(db))
	require.NoError(t, AutoMigrate(db))

	ix := New(nil)
	engine := repository.NewEngine(db, ix, nil)
	store := content.NewStore(db, nil)

	repo := &repository.Repository{Name: "published"}
	require.NoError(t, engine.CreateRepository(ctx, repo))
	rctx := repository.WithReserved(ctx, repo.ID)
	require.NoError(t, engine.CreateDistribution(ctx, &repository.Distribution{BasePath: "published", RepositoryID: &repo.ID}))

	var ids []string
	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0-rc.1"} {
		cv := &content.CollectionVersion{Namespace: "testing", Name: "k8s_demo_collection", Version: v}
		require.NoError(t, store.CreateCollectionVersion(ctx, cv, []string{"k8s"}))
		ids = append(ids, cv.ID)
	}
	_, err = engine.Modify(rctx, repo.ID, func(ctx context.Context, d *repository.Draft) error {
		return d.Add(ctx, ids...)
	})
	require.NoError(t, err)

	hits, total, err := NewSearcher(db).Search(ctx, Query{Highest: boolPtr(true), Keywords: "k8s"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, hits, 1)
	assert.Equal(t, "1.1.0", hits[0].CollectionVersion.Version)
}
