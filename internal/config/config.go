package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	QueueDriverRabbitMQ = "rabbitmq"
	QueueDriverMemory   = "memory"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	QueueDriver string `env:"QUEUE_DRIVER,default=rabbitmq"`

	UploadRoot            string `env:"UPLOAD_ROOT,default=uploads/csv"`
	UploadMaxBytes        int64  `env:"UPLOAD_MAX_BYTES,default=209715200"`
	UploadChunkBytes      int    `env:"UPLOAD_CHUNK_BYTES,default=8192"`
	UploadRateLimitPerSec int    `env:"UPLOAD_RATE_LIMIT_PER_SEC,default=5"`
	IngestBatchSize       int    `env:"INGEST_BATCH_SIZE,default=1000"`
	IngestCommitEvery     int    `env:"INGEST_COMMIT_EVERY,default=5000"`
	WorkerConcurrency     int    `env:"WORKER_CONCURRENCY,default=4"`
	JobWebhookURL         string `env:"JOB_WEBHOOK_URL"`

	StatusPollInterval    time.Duration `env:"STATUS_POLL_INTERVAL,default=5s"`
	JobCacheTTL           time.Duration `env:"JOB_CACHE_TTL,default=1h"`
	JobRetention          time.Duration `env:"JOB_RETENTION,default=168h"`
	RetentionScanInterval time.Duration `env:"RETENTION_SCAN_INTERVAL,default=1h"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.QueueDriver = strings.ToLower(strings.TrimSpace(cfg.QueueDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("invalid config: DATABASE_DSN is empty")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("invalid config: REDIS_URL is empty")
	}

	switch c.QueueDriver {
	case QueueDriverRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("invalid config: RABBITMQ_URL is required when QUEUE_DRIVER=%s", QueueDriverRabbitMQ)
		}
	case QueueDriverMemory:
	default:
		return fmt.Errorf("invalid config: unknown QUEUE_DRIVER %q", c.QueueDriver)
	}

	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("invalid config: UPLOAD_MAX_BYTES must be positive")
	}
	if c.UploadChunkBytes <= 0 {
		return fmt.Errorf("invalid config: UPLOAD_CHUNK_BYTES must be positive")
	}
	if c.IngestBatchSize <= 0 {
		return fmt.Errorf("invalid config: INGEST_BATCH_SIZE must be positive")
	}
	if c.IngestCommitEvery < c.IngestBatchSize {
		return fmt.Errorf("invalid config: INGEST_COMMIT_EVERY (%d) must be >= INGEST_BATCH_SIZE (%d)",
			c.IngestCommitEvery, c.IngestBatchSize)
	}
	if c.StatusPollInterval <= 0 {
		return fmt.Errorf("invalid config: STATUS_POLL_INTERVAL must be positive")
	}
	return nil
}
