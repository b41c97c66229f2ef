package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/authz"
	"github.com/ansible/content-repository/pkg/ha"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "galaxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 2*time.Second, cfg.Tasks.PollInterval)
	assert.Equal(t, authz.AuthzModeNone, cfg.Authz.Mode)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := writeFile(t, `
server:
  listen: ":9000"
  content_origin: https://galaxy.example.com
database:
  type: postgres
  dsn: host=db
tasks:
  concurrency: 8
  poll_interval: 500ms
cache:
  ttl: 1m
authz:
  mode: cel
  policy: authenticated
orphan_protection_time: 2h
`)
	t.Setenv("GALAXY_DATABASE_DSN", "host=override")
	t.Setenv("GALAXY_SIGNING_REQUIRE_VERIFICATION", "true")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--workers", "2", "--log-format", "json"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "host=override", cfg.Database.DSN, "environment beats the file")
	assert.Equal(t, 2, cfg.Tasks.Concurrency, "flags beat the file")
	assert.Equal(t, 500*time.Millisecond, cfg.Tasks.PollInterval)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.True(t, cfg.Signing.RequireVerification)
	assert.Equal(t, authz.AuthzModeCEL, cfg.Authz.Mode)
	assert.Equal(t, "authenticated", cfg.Authz.Policy)
	assert.Equal(t, 2*time.Hour, cfg.OrphanProtectionTime)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "https://galaxy.example.com", cfg.APIConfig().ContentOrigin)
}

func TestLoad_UnsetFlagsKeepFileValues(t *testing.T) {
	path := writeFile(t, "tasks:\n  concurrency: 6\n")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Tasks.Concurrency)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Type = "oracle"
	cfg.Storage.Type = "s3"
	cfg.Server.ContentOrigin = "galaxy.example.com"
	cfg.Tasks.Concurrency = 0
	cfg.OrphanProtectionTime = -time.Minute
	cfg.Authz.Mode = "ldap"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"database.type", "storage.bucket", "server.content_origin", "tasks.concurrency",
		"orphan_protection_time", "authz.mode", "log.format",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.NoError(t, Default().Validate())
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ha.BackendDatabase, cfg.HAConfig().LockBackend)

	cfg.Redis.URL = "redis://localhost:6379/0"
	cfg.Storage = StorageConfig{Type: "gcs", Bucket: "artifacts", Prefix: "galaxy"}
	assert.Equal(t, ha.BackendRedis, cfg.HAConfig().LockBackend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.HAConfig().RedisURL)

	sc := cfg.StorageConfig()
	assert.Equal(t, artifact.StoreTypeGCS, sc.Type)
	assert.Equal(t, "artifacts", sc.GCS.Bucket)
	assert.Equal(t, "galaxy", sc.GCS.Prefix)

	cfg.Sync.UserAgent = ""
	assert.NotEmpty(t, cfg.DownloadConfig().UserAgent)
}

func TestYAML(t *testing.T) {
	raw, err := Default().YAML()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "content_origin: http://localhost:8080")
	assert.Contains(t, string(raw), "poll_interval: 2s")

	cfg, err := Load(writeFile(t, string(raw)), nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
