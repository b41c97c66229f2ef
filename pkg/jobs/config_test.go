package jobs

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Concurrency != 3 {
		t.Errorf("expected Concurrency 3, got %d", cfg.Concurrency)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected PollInterval 2s, got %v", cfg.PollInterval)
	}
	if cfg.ClaimTimeout != 6*time.Hour {
		t.Errorf("expected ClaimTimeout 6h, got %v", cfg.ClaimTimeout)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("expected RetentionDays 7, got %d", cfg.RetentionDays)
	}
	if !cfg.Enabled {
		t.Error("expected Enabled to be true")
	}
}
