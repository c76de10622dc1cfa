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
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/catalog-ingest/internal/bootstrap"
	"github.com/kursadbilgin/catalog-ingest/internal/config"
	"github.com/kursadbilgin/catalog-ingest/internal/handler"
	"github.com/kursadbilgin/catalog-ingest/internal/observability"
	"github.com/kursadbilgin/catalog-ingest/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	multipartSlack  = 1 << 20
)

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

	deps, err := bootstrap.Open(cfg, logger)
	if err != nil {
		logger.Fatal("dependency initialization failed", zap.Error(err))
	}
	defer deps.Close() //nolint:errcheck

	uploads, err := deps.NewUploadService()
	if err != nil {
		logger.Fatal("upload service initialization failed", zap.Error(err))
	}
	watcher, err := deps.NewStatusWatcher()
	if err != nil {
		logger.Fatal("status watcher initialization failed", zap.Error(err))
	}

	appConfig := transport.ServerConfig(logger, int(cfg.UploadMaxBytes)+multipartSlack)
	appConfig.AppName = "catalog-ingest"
	app := fiber.New(appConfig)
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New())
	app.Use(deps.Metrics.HTTPMiddleware())

	var broker handler.BrokerHealth
	if deps.Rabbit != nil {
		broker = deps.Rabbit
	}
	handler.RegisterHealthRoutes(app, deps.SQL, deps.Redis, broker)
	app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))

	if err := handler.RegisterJobRoutes(app, uploads, watcher, logger); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("catalog-ingest api started", zap.String("addr", addr))
		return app.Listen(addr)
	})

	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down api")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if deps.InProcessWorkers() {
		worker, err := deps.NewIngestWorker()
		if err != nil {
			logger.Fatal("ingest worker initialization failed", zap.Error(err))
		}
		sweeper, err := deps.NewRetentionSweeper()
		if err != nil {
			logger.Fatal("retention sweeper initialization failed", zap.Error(err))
		}

		logger.Info("running ingest workers in-process", zap.Int("concurrency", cfg.WorkerConcurrency))
		g.Go(func() error { return worker.Start(groupCtx) })
		if sweeper != nil {
			g.Go(func() error { return sweeper.Start(groupCtx) })
		}
	}

	if err := g.Wait(); err != nil {
		logger.Error("api stopped with error", zap.Error(err))
	}
}
