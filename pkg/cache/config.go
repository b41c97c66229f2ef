package cache

import "time"

// Config configures the galaxy response cache.
type Config struct {
	// Enabled controls whether responses are cached at all.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MaxEntries bounds the number of cached responses across all
	// distributions.
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`

	// TTL is how long a response is served from the cache when no index
	// change invalidates it first.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		MaxEntries: 1000,
		TTL:        5 * time.Minute,
	}
}
