package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SIGNING_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 5 {
		t.Errorf("WorkerCount = %d, want 5", cfg.WorkerCount)
	}
	if cfg.MaxDeliveries != 3 {
		t.Errorf("MaxDeliveries = %d, want 3", cfg.MaxDeliveries)
	}
	if cfg.AccessRefTTL != time.Hour {
		t.Errorf("AccessRefTTL = %s, want 1h", cfg.AccessRefTTL)
	}
	if cfg.VisibilityTimeout <= cfg.GenerationTimeout {
		t.Errorf("default visibility timeout %s does not clear generation timeout %s",
			cfg.VisibilityTimeout, cfg.GenerationTimeout)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	t.Setenv("SIGNING_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing SIGNING_SECRET")
	}
}

func TestLoadRejectsShortVisibilityTimeout(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "30s")
	t.Setenv("GENERATION_TIMEOUT", "5m")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when visibility timeout is below generation timeout")
	}
}

func TestLoadRejectsShortJobTTL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("JOB_TTL", "1m")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when job TTL cannot cover all attempts")
	}
}
