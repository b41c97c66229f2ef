package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ansible/content-repository/pkg/config"
	"github.com/ansible/content-repository/pkg/logging"
	"github.com/ansible/content-repository/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.DSN = "file:" + filepath.Join(dir, "galaxy.db") + "?_pragma=busy_timeout(5000)"
	cfg.Storage.Path = filepath.Join(dir, "data")
	cfg.Storage.TmpDir = t.TempDir()
	return cfg
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "worker", "migrate", "config", "healthcheck"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestApp_WiresAPI(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logging.New("error", "json"))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv, err := a.handler()
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	require.NoError(t, checkReady(ts.Client(), ts.URL+"/readyz"))
	assert.Error(t, checkReady(ts.Client(), ts.URL+"/pulp/api/v3/repositories/ansible/ansible/missing/"))

	require.NoError(t, a.engine.CreateRepository(ctx, &repository.Repository{Name: "published"}))
	resp, err := ts.Client().Get(ts.URL + "/pulp/api/v3/repositories/ansible/ansible/?name=published")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMigrate_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, logging.New("error", "json"))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NoError(t, migrate(context.Background(), a.db, a.locker, a.logger))
	require.NoError(t, a.indexer.Rebuild(context.Background(), a.db))
}

func TestApp_UnknownStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = "tape"
	_, err := newApp(context.Background(), cfg, logging.New("error", "json"))
	assert.Error(t, err)
}
