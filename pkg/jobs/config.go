package jobs

import (
	"time"
)

// Config controls task queue and worker behavior.
type Config struct {
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency"`       // Max concurrent workers. Default 3.
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`   // How often idle workers poll. Default 2s.
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout" yaml:"claim_timeout"`   // Max time a task can be "running" before it is failed. Default 6h.
	RetentionDays int           `mapstructure:"retention_days" yaml:"retention_days"` // How long to keep finished tasks. Default 7.
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`               // Whether this process runs workers. Default true.
}

// DefaultConfig returns the default task configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:   3,
		PollInterval:  2 * time.Second,
		ClaimTimeout:  6 * time.Hour,
		RetentionDays: 7,
		Enabled:       true,
	}
}
