package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"genjobs/internal/config"
	"genjobs/internal/generator"
	"genjobs/internal/infra"
	"genjobs/internal/jobstore"
	"genjobs/internal/observability"
	"genjobs/internal/queue"
	"genjobs/internal/resultstore"
	"genjobs/internal/sweep"
	"genjobs/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store jobstore.Store
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: db connection failed")
		}
		defer pool.Close()

		pg := jobstore.NewPostgres(pool, cfg.IdempotencyReuse)
		if err := pg.InitSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("worker: failed to initialize schema")
		}
		store = pg
	} else {
		logger.Warn().Msg("worker: DATABASE_URL not set, using in-memory job store")
		store = jobstore.NewMemory(cfg.IdempotencyReuse)
	}

	q, reaper, closeQueue, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.QueueDriver).Msg("worker: failed to configure queue")
	}
	defer closeQueue()

	results, err := resultstore.NewFileStore(cfg.StoragePath, cfg.ArtifactRetention)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	geminiAPIKey := strings.TrimSpace(cfg.GeminiAPIKey)
	gen, err := generator.NewGemini(generator.Options{
		APIKey:     geminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure gemini client")
	}
	if geminiAPIKey == "" {
		logger.Warn().Str("model", cfg.GeminiModel).Msg("worker: gemini api key missing, using synthetic generation")
	}

	observability.StartMetricsServer(cfg.MetricsAddr, logger)

	pool := worker.New(store, q, results, gen, worker.Options{
		Workers:           cfg.WorkerCount,
		MaxAttempts:       cfg.MaxDeliveries,
		GenerationTimeout: cfg.GenerationTimeout,
	}, logger)
	sweeper := sweep.New(store, results, q, reaper, sweep.Options{
		Interval:          cfg.SweepInterval,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxDeliveries:     cfg.MaxDeliveries,
	}, logger)

	logger.Info().Int("workers", cfg.WorkerCount).Msg("worker: started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func buildQueue(cfg *config.Config) (queue.Queue, sweep.Reaper, func(), error) {
	opts := queue.Options{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxDeliveries:     cfg.MaxDeliveries,
	}

	switch cfg.QueueDriver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		q := queue.NewRedis(rdb, opts)
		// Redis visibility timeouts are enforced by the sweep loop.
		return q, q, func() { _ = rdb.Close() }, nil
	case "rabbitmq":
		q, err := queue.NewRabbit(cfg.RabbitURL, opts)
		if err != nil {
			return nil, nil, nil, err
		}
		// The broker's retry-queue TTL handles redelivery; no reaper.
		return q, nil, q.Close, nil
	case "memory":
		q := queue.NewMemory(opts)
		return q, nil, q.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}
