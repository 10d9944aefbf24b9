package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"genjobs/internal/config"
	"genjobs/internal/gateway"
	"genjobs/internal/generator"
	"genjobs/internal/http/handlers"
	"genjobs/internal/http/httpapi"
	"genjobs/internal/infra"
	"genjobs/internal/jobstore"
	"genjobs/internal/queue"
	"genjobs/internal/resultstore"
	"genjobs/internal/status"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// Job store: Postgres when configured, in-memory otherwise so the
	// service stays runnable on a laptop without a database.
	var store jobstore.Store
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()

		pg := jobstore.NewPostgres(pool, cfg.IdempotencyReuse)
		if err := pg.InitSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize schema")
		}
		store = pg
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory job store")
		store = jobstore.NewMemory(cfg.IdempotencyReuse)
	}

	q, closeQueue, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.QueueDriver).Msg("failed to configure queue")
	}
	defer closeQueue()

	results, err := resultstore.NewFileStore(cfg.StoragePath, cfg.ArtifactRetention)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure result storage")
	}
	minter := resultstore.NewTokenMinter(cfg.SigningSecret, cfg.AccessRefTTL)

	app := &handlers.App{
		Gateway: gateway.New(store, q, generator.InputValidator(cfg.MaxPromptBytes), cfg.JobTTL, logger),
		Status:  status.New(store, results, minter),
		Results: results,
		Minter:  minter,
		Queue:   q,
		Logger:  logger,
	}

	router := httpapi.NewRouter(app, httpapi.Options{RateLimitPerMin: cfg.RateLimitPerMin})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func buildQueue(cfg *config.Config) (queue.Queue, func(), error) {
	opts := queue.Options{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxDeliveries:     cfg.MaxDeliveries,
	}

	switch cfg.QueueDriver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		return queue.NewRedis(rdb, opts), func() { _ = rdb.Close() }, nil
	case "rabbitmq":
		q, err := queue.NewRabbit(cfg.RabbitURL, opts)
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	case "memory":
		q := queue.NewMemory(opts)
		return q, q.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}
