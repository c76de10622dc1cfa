// Package bootstrap wires the shared infrastructure used by the api and
// worker binaries.
package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/kursadbilgin/catalog-ingest/internal/config"
	"github.com/kursadbilgin/catalog-ingest/internal/infra/postgresql"
	"github.com/kursadbilgin/catalog-ingest/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/catalog-ingest/internal/infra/redis"
	"github.com/kursadbilgin/catalog-ingest/internal/observability"
	"github.com/kursadbilgin/catalog-ingest/internal/queue"
	"github.com/kursadbilgin/catalog-ingest/internal/repository"
	"github.com/kursadbilgin/catalog-ingest/internal/service"
	"github.com/kursadbilgin/catalog-ingest/internal/storage"
	"github.com/kursadbilgin/catalog-ingest/internal/webhook"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	memoryQueueBuffer = 1024
	retentionPageSize = 100
)

type Deps struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	DB       *gorm.DB
	SQL      *sql.DB
	Redis    *goredis.Client
	Jobs     repository.JobStore
	Products repository.ProductStore
	Files    *storage.LocalStore

	// Rabbit is nil when the in-process queue is used.
	Rabbit    *queue.RabbitMQ
	Publisher queue.Publisher
	Consumer  queue.Consumer
	Notifier  service.JobNotifier
}

// Open connects to postgres and redis, applies migrations and builds the
// queue for the configured driver. Close releases everything Open acquired.
func Open(cfg *config.Config, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Deps{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}

	if err := d.openStores(); err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := d.openQueue(); err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := d.openNotifier(); err != nil {
		_ = d.Close()
		return nil, err
	}

	return d, nil
}

func (d *Deps) openStores() error {
	pool := postgresql.DefaultPoolConfig()
	if want := d.Config.WorkerConcurrency*2 + 5; want > pool.MaxOpenConns {
		pool.MaxOpenConns = want
	}

	db, err := postgresql.NewPostgres(d.Config.DatabaseDSN, pool, d.Logger)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	d.DB = db

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	d.SQL = sqlDB

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	rdb, err := infraredis.NewRedis(d.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	d.Redis = rdb

	jobs, err := infraredis.NewCachedJobStore(repository.NewGormJobRepo(db), rdb, d.Config.JobCacheTTL, d.Logger)
	if err != nil {
		return err
	}
	d.Jobs = jobs
	d.Products = repository.NewGormProductRepo(db)

	files, err := storage.NewLocalStore(d.Config.UploadRoot)
	if err != nil {
		return fmt.Errorf("upload storage initialization failed: %w", err)
	}
	d.Files = files

	return nil
}

func (d *Deps) openQueue() error {
	switch d.Config.QueueDriver {
	case config.QueueDriverMemory:
		mq := queue.NewMemoryQueue(memoryQueueBuffer, d.Logger)
		d.Publisher = mq
		d.Consumer = mq
	default:
		rabbit, err := queue.NewRabbitMQ(d.Config.RabbitMQURL, d.Logger)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		d.Rabbit = rabbit
		d.Publisher = queue.NewRabbitMQPublisher(rabbit)
		d.Consumer = queue.NewRabbitMQConsumer(rabbit, 1, d.Logger)
	}
	return nil
}

func (d *Deps) openNotifier() error {
	if d.Config.JobWebhookURL == "" {
		return nil
	}
	notifier, err := webhook.NewJobNotifier(d.Config.JobWebhookURL, d.Logger)
	if err != nil {
		return fmt.Errorf("job webhook initialization failed: %w", err)
	}
	d.Notifier = notifier
	return nil
}

// InProcessWorkers reports whether ingest workers must run inside the api
// process because the queue does not leave it.
func (d *Deps) InProcessWorkers() bool {
	return d.Config.QueueDriver == config.QueueDriverMemory
}

func (d *Deps) NewUploadService() (*service.UploadService, error) {
	svc, err := service.NewUploadService(
		d.Jobs,
		d.Publisher,
		d.Files,
		d.Config.UploadMaxBytes,
		d.Config.UploadChunkBytes,
		d.Logger,
	)
	if err != nil {
		return nil, err
	}
	svc.SetMetrics(d.Metrics)

	if d.Config.UploadRateLimitPerSec > 0 {
		limiter, err := infraredis.NewUploadRateLimiter(d.Redis, d.Config.UploadRateLimitPerSec)
		if err != nil {
			return nil, err
		}
		svc.SetRateLimiter(limiter)
	}
	return svc, nil
}

func (d *Deps) NewIngestWorker() (*service.IngestWorker, error) {
	worker, err := service.NewIngestWorker(
		d.Jobs,
		d.Products,
		d.Consumer,
		d.Files,
		d.Config.WorkerConcurrency,
		d.Config.IngestBatchSize,
		d.Config.IngestCommitEvery,
		d.Logger,
	)
	if err != nil {
		return nil, err
	}
	worker.SetMetrics(d.Metrics)
	if d.Notifier != nil {
		worker.SetNotifier(d.Notifier)
	}
	return worker, nil
}

func (d *Deps) NewStatusWatcher() (*service.StatusWatcher, error) {
	watcher, err := service.NewStatusWatcher(d.Jobs, d.Config.StatusPollInterval, d.Logger)
	if err != nil {
		return nil, err
	}
	watcher.SetMetrics(d.Metrics)
	return watcher, nil
}

// NewRetentionSweeper returns nil when JOB_RETENTION disables retention.
func (d *Deps) NewRetentionSweeper() (*service.RetentionSweeper, error) {
	if d.Config.JobRetention <= 0 {
		return nil, nil
	}
	return service.NewRetentionSweeper(
		d.Jobs,
		d.Files,
		d.Config.JobRetention,
		d.Config.RetentionScanInterval,
		retentionPageSize,
		d.Logger,
	)
}

// Close releases connections in reverse order of acquisition.
func (d *Deps) Close() error {
	var errs []error
	switch {
	case d.Rabbit != nil:
		errs = append(errs, d.Rabbit.Close())
	case d.Publisher != nil:
		errs = append(errs, d.Publisher.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	if d.SQL != nil {
		errs = append(errs, d.SQL.Close())
	}
	return errors.Join(errs...)
}
