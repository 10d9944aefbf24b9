package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config represents application configuration loaded from environment variables.
//
// The three retention windows are deliberately independent: the job record
// TTL governs how long polling can see a job, the access-reference TTL
// bounds a minted artifact link, and the artifact retention window governs
// how long the blob itself survives so references can be re-minted.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`
	Port   string `env:"PORT" envDefault:"8080"`

	DatabaseURL string `env:"DATABASE_URL"`
	StoragePath string `env:"STORAGE_PATH" envDefault:"./storage"`

	QueueDriver   string `env:"QUEUE_DRIVER" envDefault:"redis"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RabbitURL     string `env:"RABBITMQ_URL"`

	QueueName         string        `env:"QUEUE_NAME" envDefault:"generation"`
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"6m"`
	MaxDeliveries     int           `env:"QUEUE_MAX_DELIVERIES" envDefault:"3"`

	WorkerCount       int           `env:"WORKER_COUNT" envDefault:"5"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"5m"`

	JobTTL            time.Duration `env:"JOB_TTL" envDefault:"30m"`
	AccessRefTTL      time.Duration `env:"ACCESS_REF_TTL" envDefault:"1h"`
	ArtifactRetention time.Duration `env:"ARTIFACT_RETENTION" envDefault:"2160h"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	// IdempotencyReuse allows a key to create a fresh job once its prior
	// job record has expired. When false, expired keys stay burned until
	// the sweep physically deletes the old record.
	IdempotencyReuse bool `env:"IDEMPOTENCY_REUSE" envDefault:"true"`

	SigningSecret  string `env:"SIGNING_SECRET"`
	MaxPromptBytes int    `env:"MAX_PROMPT_BYTES" envDefault:"16384"`

	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	GeminiBaseURL string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"`

	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RateLimitPerMin  int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
}

// Load parses configuration from the environment and validates the
// relationships between the timing knobs.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("SIGNING_SECRET is required")
	}

	// A dequeued message must stay invisible for the whole generation
	// attempt, or a second worker receives it while the first is still
	// working.
	if cfg.VisibilityTimeout <= cfg.GenerationTimeout {
		return nil, fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT (%s) must exceed GENERATION_TIMEOUT (%s)",
			cfg.VisibilityTimeout, cfg.GenerationTimeout)
	}

	// A completed job must remain pollable after the slowest possible run.
	minJobTTL := cfg.GenerationTimeout * time.Duration(cfg.MaxDeliveries)
	if cfg.JobTTL < minJobTTL {
		return nil, fmt.Errorf("JOB_TTL (%s) must cover %d attempts of GENERATION_TIMEOUT (%s)",
			cfg.JobTTL, cfg.MaxDeliveries, cfg.GenerationTimeout)
	}

	if cfg.MaxDeliveries < 1 {
		return nil, fmt.Errorf("QUEUE_MAX_DELIVERIES must be at least 1")
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1")
	}

	return &cfg, nil
}
