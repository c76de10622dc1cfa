package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"github.com/kursadbilgin/catalog-ingest/internal/observability"
	"github.com/kursadbilgin/catalog-ingest/internal/queue"
	"github.com/kursadbilgin/catalog-ingest/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	DefaultCommitEvery   = 5000
)

// JobNotifier is told about every job that reaches a terminal state.
type JobNotifier interface {
	NotifyTerminal(ctx context.Context, job *domain.Job) error
}

// IngestWorker consumes ingest messages and loads each file into the
// product store in batches. One worker owns a job from claim to terminal
// write.
type IngestWorker struct {
	jobs        repository.JobStore
	products    repository.ProductStore
	consumer    queue.Consumer
	files       FileStore
	notifier    JobNotifier
	metrics     *observability.Metrics
	logger      *zap.Logger
	concurrency int
	batchSize   int
	commitEvery int
	now         func() time.Time
}

// ingestRun tracks counters for a single job. flushed counts rows sent to
// the store, committed counts rows made durable.
type ingestRun struct {
	jobID     string
	path      string
	started   time.Time
	total     int
	flushed   int
	committed int
	skipped   int
}

func NewIngestWorker(
	jobs repository.JobStore,
	products repository.ProductStore,
	consumer queue.Consumer,
	files FileStore,
	concurrency int,
	batchSize int,
	commitEvery int,
	logger *zap.Logger,
) (*IngestWorker, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if products == nil {
		return nil, fmt.Errorf("product store is required")
	}
	if files == nil {
		return nil, fmt.Errorf("file store is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if batchSize <= 0 {
		batchSize = domain.DefaultBatchCapacity
	}
	if commitEvery <= 0 {
		commitEvery = DefaultCommitEvery
	}
	if commitEvery < batchSize {
		commitEvery = batchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IngestWorker{
		jobs:        jobs,
		products:    products,
		consumer:    consumer,
		files:       files,
		logger:      logger,
		concurrency: concurrency,
		batchSize:   batchSize,
		commitEvery: commitEvery,
		now:         time.Now,
	}, nil
}

func (s *IngestWorker) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *IngestWorker) SetNotifier(notifier JobNotifier) {
	if s == nil {
		return
	}
	s.notifier = notifier
}

// Start runs the configured number of consumers until ctx is canceled.
func (s *IngestWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.IngestQueue),
			)

			err := s.consumer.Consume(groupCtx, queue.IngestQueue, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (s *IngestWorker) processMessage(ctx context.Context, msg queue.IngestMessage) error {
	ctx = observability.WithJobID(ctx, msg.JobID)
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(s.logger, ctx)

	claimed, err := s.jobs.Claim(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("job not found during claim, skipping")
			return nil
		}
		return fmt.Errorf("failed to claim job: %w: %w", err, queue.ErrRequeue)
	}

	// Duplicate delivery or a job that already finished.
	if !claimed {
		logger.Info("job is not queued, skipping")
		return nil
	}

	// A claimed job runs to a terminal state even while the worker shuts down.
	_, err = s.Run(context.WithoutCancel(ctx), msg.JobID, msg.FilePath)
	return err
}

// Run ingests filePath for a job that is already running and writes its
// terminal outcome. The returned error is the job-fatal cause, if any.
func (s *IngestWorker) Run(ctx context.Context, jobID string, filePath string) (*domain.TerminalOutcome, error) {
	ctx = observability.WithJobID(ctx, jobID)
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("filePath", filePath))

	s.metrics.IncWorkerInFlight()
	defer s.metrics.DecWorkerInFlight()

	run := &ingestRun{jobID: jobID, path: filePath, started: s.now()}
	logger.Info("ingestion started")

	err := s.ingest(ctx, run, logger)
	s.metrics.AddRowsSkipped(run.skipped)
	if err != nil {
		return s.fail(ctx, run, err, logger)
	}
	return s.complete(ctx, run, logger)
}

func (s *IngestWorker) ingest(ctx context.Context, run *ingestRun, logger *zap.Logger) error {
	f, err := os.Open(run.path)
	if err != nil {
		return domain.NewJobFailure(domain.FailureIO, fmt.Errorf("open file: %w", err))
	}
	defer f.Close() //nolint:errcheck // read-only file

	total, err := countDataRows(f)
	if err != nil {
		return err
	}
	run.total = total
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return domain.NewJobFailure(domain.FailureIO, fmt.Errorf("rewind file: %w", err))
	}

	reader := newCSVReader(f)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		logger.Info("file is empty")
		return nil
	}
	if err != nil {
		return classifyReadError(err)
	}
	cols := resolveColumns(header)
	if missing := cols.missing(); len(missing) > 0 {
		logger.Warn("header is missing required columns, rows will be skipped", zap.Strings("missing", missing))
	}

	session, err := s.products.BeginBulk(ctx)
	if err != nil {
		return domain.NewJobFailure(domain.FailureStore, err)
	}

	if err := s.load(ctx, reader.Read, cols, session, run, logger); err != nil {
		if rbErr := session.Rollback(); rbErr != nil {
			logger.Warn("failed to roll back uncommitted products", zap.Error(rbErr))
		}
		return err
	}
	return nil
}

func (s *IngestWorker) load(
	ctx context.Context,
	next func() ([]string, error),
	cols productColumns,
	session repository.BulkSession,
	run *ingestRun,
	logger *zap.Logger,
) error {
	batch := domain.NewProductBatch(s.batchSize)
	row := 1

	for {
		record, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return classifyReadError(err)
		}
		row++

		product, err := cols.product(record)
		if err != nil {
			run.skipped++
			logger.Warn("skipping invalid row", zap.Int("row", row), zap.Error(err))
			continue
		}

		if err := batch.Add(product); err != nil {
			return domain.NewJobFailure(domain.FailureUnknown, err)
		}
		if !batch.Full() {
			continue
		}

		if err := s.flush(ctx, session, batch, run); err != nil {
			return err
		}
		if run.flushed-run.committed >= s.commitEvery {
			if err := s.commit(ctx, session, run, logger); err != nil {
				return err
			}
		}
	}

	if err := s.flush(ctx, session, batch, run); err != nil {
		return err
	}
	return s.commit(ctx, session, run, logger)
}

func (s *IngestWorker) flush(ctx context.Context, session repository.BulkSession, batch *domain.ProductBatch, run *ingestRun) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := session.Insert(ctx, batch.Items()); err != nil {
		return domain.NewJobFailure(domain.FailureStore, err)
	}
	run.flushed += batch.Len()
	batch.Reset()
	return nil
}

// commit makes flushed rows durable and publishes a progress snapshot.
func (s *IngestWorker) commit(ctx context.Context, session repository.BulkSession, run *ingestRun, logger *zap.Logger) error {
	if run.flushed == run.committed {
		return nil
	}
	if err := session.Commit(); err != nil {
		return domain.NewJobFailure(domain.FailureStore, err)
	}
	s.metrics.AddRowsInserted(run.flushed - run.committed)
	run.committed = run.flushed

	progress := domain.NewProgress(run.committed, run.total, s.now().Sub(run.started))
	if err := s.jobs.SetProgress(ctx, run.jobID, progress); err != nil {
		return domain.NewJobFailure(domain.FailureStore, fmt.Errorf("publish progress: %w", err))
	}

	logger.Info("batch committed",
		zap.Int("inserted", progress.Inserted),
		zap.Int("total", progress.Total),
		zap.Float64("percent", progress.Percent),
		zap.Float64("throughput", progress.Throughput),
	)
	return nil
}

func (s *IngestWorker) complete(ctx context.Context, run *ingestRun, logger *zap.Logger) (*domain.TerminalOutcome, error) {
	archivePath, err := s.files.Archive(run.path, true)
	if err != nil {
		logger.Error("failed to move file to processed archive", zap.Error(err))
		archivePath = run.path
	}

	now := s.now()
	elapsed := now.Sub(run.started)
	outcome := domain.CompletedOutcome(domain.JobResult{
		Inserted:         run.committed,
		Skipped:          run.skipped,
		TotalRows:        run.total,
		ElapsedSeconds:   math.Round(elapsed.Seconds()*100) / 100,
		RecordsPerSecond: domain.NewProgress(run.committed, run.total, elapsed).Throughput,
		ArchivePath:      archivePath,
		CompletedAt:      now.UTC(),
	})

	if err := s.jobs.SetTerminal(ctx, run.jobID, outcome); err != nil {
		logger.Error("failed to record job completion", zap.Error(err))
		return &outcome, domain.NewJobFailure(domain.FailureStore, fmt.Errorf("record completion: %w", err))
	}

	s.metrics.ObserveJobFinished(domain.JobStateCompleted.String(), "", elapsed)
	logger.Info("ingestion completed",
		zap.Int("inserted", run.committed),
		zap.Int("skipped", run.skipped),
		zap.Int("totalRows", run.total),
		zap.String("archivePath", archivePath),
	)

	s.notify(ctx, run.jobID, logger)
	return &outcome, nil
}

func (s *IngestWorker) fail(ctx context.Context, run *ingestRun, cause error, logger *zap.Logger) (*domain.TerminalOutcome, error) {
	class := domain.ClassifyFailure(cause)

	archivePath, err := s.files.Archive(run.path, false)
	if err != nil {
		logger.Warn("failed to move file to errors archive", zap.Error(err))
		archivePath = ""
	}

	now := s.now()
	outcome := domain.FailedOutcome(domain.JobError{
		Message:               cause.Error(),
		Class:                 class,
		InsertedBeforeFailure: run.committed,
		ArchivePath:           archivePath,
		FailedAt:              now.UTC(),
	})

	if err := s.jobs.SetTerminal(ctx, run.jobID, outcome); err != nil {
		logger.Error("failed to record job failure", zap.Error(err))
	}

	s.metrics.ObserveJobFinished(domain.JobStateFailed.String(), class.String(), now.Sub(run.started))
	logger.Error("ingestion failed",
		zap.String("class", class.String()),
		zap.Int("insertedBeforeFailure", run.committed),
		zap.Error(cause),
	)

	s.notify(ctx, run.jobID, logger)
	return &outcome, cause
}

func (s *IngestWorker) notify(ctx context.Context, jobID string, logger *zap.Logger) {
	if s.notifier == nil {
		return
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		logger.Warn("failed to load job for notification", zap.Error(err))
		return
	}
	if err := s.notifier.NotifyTerminal(ctx, job); err != nil {
		logger.Warn("job webhook delivery failed", zap.Error(err))
	}
}
