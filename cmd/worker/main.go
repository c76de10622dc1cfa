package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/catalog-ingest/internal/bootstrap"
	"github.com/kursadbilgin/catalog-ingest/internal/config"
	"github.com/kursadbilgin/catalog-ingest/internal/handler"
	"github.com/kursadbilgin/catalog-ingest/internal/observability"
	"github.com/kursadbilgin/catalog-ingest/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.QueueDriver != config.QueueDriverRabbitMQ {
		logger.Fatal("worker requires QUEUE_DRIVER=rabbitmq", zap.String("queueDriver", cfg.QueueDriver))
	}

	deps, err := bootstrap.Open(cfg, logger)
	if err != nil {
		logger.Fatal("dependency initialization failed", zap.Error(err))
	}
	defer deps.Close() //nolint:errcheck

	worker, err := deps.NewIngestWorker()
	if err != nil {
		logger.Fatal("ingest worker initialization failed", zap.Error(err))
	}
	sweeper, err := deps.NewRetentionSweeper()
	if err != nil {
		logger.Fatal("retention sweeper initialization failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Health and metrics endpoints only; uploads are served by the api.
	ops := fiber.New(transport.ServerConfig(logger, fiber.DefaultBodyLimit))
	handler.RegisterHealthRoutes(ops, deps.SQL, deps.Redis, deps.Rabbit)
	ops.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	if sweeper != nil {
		g.Go(func() error { return sweeper.Start(groupCtx) })
	}
	g.Go(func() error { return ops.Listen(fmt.Sprintf(":%d", cfg.APIPort)) })
	g.Go(func() error {
		<-groupCtx.Done()
		return ops.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("catalog-ingest worker started", zap.Int("concurrency", cfg.WorkerConcurrency))

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
	}
	logger.Info("catalog-ingest worker stopped")
}
