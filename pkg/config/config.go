// Package config loads the server and worker configuration from defaults,
// an optional YAML file, GALAXY_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ansible/content-repository/pkg/api"
	"github.com/ansible/content-repository/pkg/artifact"
	"github.com/ansible/content-repository/pkg/authz"
	"github.com/ansible/content-repository/pkg/cache"
	"github.com/ansible/content-repository/pkg/database"
	"github.com/ansible/content-repository/pkg/download"
	"github.com/ansible/content-repository/pkg/ha"
	"github.com/ansible/content-repository/pkg/jobs"
	"github.com/ansible/content-repository/pkg/logging"
	"github.com/ansible/content-repository/pkg/syncer"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. GALAXY_DATABASE_DSN.
const EnvPrefix = "GALAXY"

// Config is the complete process configuration.
type Config struct {
	Server               ServerConfig       `mapstructure:"server" yaml:"server"`
	Database             DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Storage              StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Redis                RedisConfig        `mapstructure:"redis" yaml:"redis"`
	Tasks                jobs.Config        `mapstructure:"tasks" yaml:"tasks"`
	Signing              SigningConfig      `mapstructure:"signing" yaml:"signing"`
	ContentGuard         ContentGuardConfig `mapstructure:"content_guard" yaml:"content_guard"`
	Cache                cache.Config       `mapstructure:"cache" yaml:"cache"`
	Sync                 SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Log                  LogConfig          `mapstructure:"log" yaml:"log"`
	Authz                authz.Config       `mapstructure:"authz" yaml:"authz"`
	OrphanProtectionTime time.Duration      `mapstructure:"orphan_protection_time" yaml:"orphan_protection_time"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	// ContentOrigin is the scheme and host clients download artifacts from.
	ContentOrigin   string        `mapstructure:"content_origin" yaml:"content_origin"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
	// Debug logs every SQL statement.
	Debug bool `mapstructure:"debug" yaml:"debug"`
	// AutoMigrate runs schema migrations when serve or worker starts.
	AutoMigrate bool `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

type StorageConfig struct {
	Type     string `mapstructure:"type" yaml:"type"`
	Path     string `mapstructure:"path" yaml:"path"`
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// TmpDir holds uploads and downloads before they are committed.
	TmpDir string `mapstructure:"tmp_dir" yaml:"tmp_dir"`
}

// RedisConfig enables the shared bearer token cache and redis-backed
// repository reservations when URL is set.
type RedisConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

type SigningConfig struct {
	// Concurrency bounds signing subprocesses per process.
	Concurrency         int  `mapstructure:"concurrency" yaml:"concurrency"`
	RequireVerification bool `mapstructure:"require_verification" yaml:"require_verification"`
}

type ContentGuardConfig struct {
	// TTL is how long a validate_token stays valid.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type SyncConfig struct {
	DownloadConcurrency int           `mapstructure:"download_concurrency" yaml:"download_concurrency"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	UserAgent           string        `mapstructure:"user_agent" yaml:"user_agent"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	db := database.DefaultConfig()
	storage := artifact.DefaultStorageConfig()
	dl := download.DefaultConfig()
	sc := syncer.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ContentOrigin:   "http://localhost:8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Database:     DatabaseConfig{Type: db.Type, DSN: db.DSN, AutoMigrate: true},
		Storage:      StorageConfig{Type: string(storage.Type), Path: storage.DataDir},
		Redis:        RedisConfig{LockTTL: ha.DefaultConfig().LockTTL},
		Tasks:        *jobs.DefaultConfig(),
		Signing:      SigningConfig{Concurrency: 4},
		ContentGuard: ContentGuardConfig{TTL: api.DefaultConfig().GuardTTL},
		Cache:        *cache.DefaultConfig(),
		Sync: SyncConfig{
			DownloadConcurrency: sc.DownloadConcurrency,
			RequestTimeout:      dl.RequestTimeout,
			MaxRetries:          dl.MaxRetries,
			UserAgent:           dl.UserAgent,
		},
		Log:                  LogConfig{Level: "info", Format: "console"},
		Authz:                authz.DefaultConfig(),
		OrphanProtectionTime: 24 * time.Hour,
	}
}

// Load reads the configuration into a fresh viper instance. path may be
// empty; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key of def so that environment variables
// are picked up for keys the config file does not mention.
func setDefaults(v *viper.Viper, def *Config) error {
	raw, err := yaml.Marshal(def)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			if sub, ok := val.(map[string]any); ok {
				walk(prefix+k+".", sub)
				continue
			}
			v.SetDefault(prefix+k, val)
		}
	}
	walk("", tree)
	return nil
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":         "server.listen",
	"content-origin": "server.content_origin",
	"db-type":        "database.type",
	"db-dsn":         "database.dsn",
	"storage-type":   "storage.type",
	"storage-path":   "storage.path",
	"redis-url":      "redis.url",
	"workers":        "tasks.concurrency",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("listen", def.Server.Listen, "address the API server listens on")
	fs.String("content-origin", def.Server.ContentOrigin, "scheme and host used in download URLs")
	fs.String("db-type", def.Database.Type, "database type (sqlite, postgres or mysql)")
	fs.String("db-dsn", "", "database connection string")
	fs.String("storage-type", def.Storage.Type, "artifact storage (fs, s3 or gcs)")
	fs.String("storage-path", def.Storage.Path, "base directory of the fs storage")
	fs.String("redis-url", "", "redis URL for shared token cache and reservations")
	fs.Int("workers", def.Tasks.Concurrency, "concurrent task workers")
	fs.String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
	fs.String("log-format", def.Log.Format, "log format (console, text or json)")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case database.TypeSQLite, database.TypePostgres, database.TypeMySQL:
	default:
		errs = append(errs, fmt.Errorf("database.type: unknown type %q", c.Database.Type))
	}
	switch artifact.StoreType(c.Storage.Type) {
	case artifact.StoreTypeFS:
	case artifact.StoreTypeS3, artifact.StoreTypeGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.bucket is required for %s", c.Storage.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type: unknown type %q", c.Storage.Type))
	}
	if c.Server.ContentOrigin != "" {
		u, err := url.Parse(c.Server.ContentOrigin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.content_origin: %q is not an absolute URL", c.Server.ContentOrigin))
		}
	}
	if c.Tasks.Concurrency < 1 {
		errs = append(errs, errors.New("tasks.concurrency must be at least 1"))
	}
	if c.Signing.Concurrency < 1 {
		errs = append(errs, errors.New("signing.concurrency must be at least 1"))
	}
	if c.OrphanProtectionTime < 0 {
		errs = append(errs, errors.New("orphan_protection_time must not be negative"))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	switch c.Authz.Mode {
	case "", authz.AuthzModeNone, authz.AuthzModeCEL:
	default:
		errs = append(errs, fmt.Errorf("authz.mode: unknown mode %q", c.Authz.Mode))
	}
	return errors.Join(errs...)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) DatabaseConfig() database.Config {
	return database.Config{Type: c.Database.Type, DSN: c.Database.DSN, Debug: c.Database.Debug}
}

func (c *Config) StorageConfig() artifact.StorageConfig {
	return artifact.StorageConfig{
		Type:    artifact.StoreType(c.Storage.Type),
		DataDir: c.Storage.Path,
		S3: artifact.S3StoreConfig{
			Bucket:   c.Storage.Bucket,
			Region:   c.Storage.Region,
			Endpoint: c.Storage.Endpoint,
			Prefix:   c.Storage.Prefix,
		},
		GCS: artifact.GCSStoreConfig{Bucket: c.Storage.Bucket, Prefix: c.Storage.Prefix},
	}
}

// HAConfig selects redis locks when redis is configured and database
// locks otherwise.
func (c *Config) HAConfig() ha.Config {
	cfg := ha.DefaultConfig()
	if c.Redis.URL != "" {
		cfg.LockBackend = ha.BackendRedis
		cfg.RedisURL = c.Redis.URL
	}
	if c.Redis.LockTTL > 0 {
		cfg.LockTTL = c.Redis.LockTTL
	}
	return cfg
}

func (c *Config) APIConfig() api.Config {
	return api.Config{ContentOrigin: c.Server.ContentOrigin, GuardTTL: c.ContentGuard.TTL}
}

func (c *Config) DownloadConfig() download.Config {
	cfg := download.DefaultConfig()
	if c.Storage.TmpDir != "" {
		cfg.TmpDir = c.Storage.TmpDir
	}
	cfg.RequestTimeout = c.Sync.RequestTimeout
	cfg.MaxRetries = c.Sync.MaxRetries
	if c.Sync.UserAgent != "" {
		cfg.UserAgent = c.Sync.UserAgent
	}
	return cfg
}

func (c *Config) SyncerConfig() syncer.Config {
	cfg := syncer.DefaultConfig()
	if c.Sync.DownloadConcurrency > 0 {
		cfg.DownloadConcurrency = c.Sync.DownloadConcurrency
	}
	return cfg
}
