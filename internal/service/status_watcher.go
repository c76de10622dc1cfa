package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"github.com/kursadbilgin/catalog-ingest/internal/observability"
	"github.com/kursadbilgin/catalog-ingest/internal/repository"
	"go.uber.org/zap"
)

const DefaultStatusPollInterval = 5 * time.Second

// StatusMessage is one update pushed to a status subscriber. Completed is
// only set on the final message, which also carries Result or Error.
type StatusMessage struct {
	JobID            string            `json:"jobId"`
	State            domain.JobState   `json:"state"`
	Ready            bool              `json:"ready"`
	TimestampSeconds int64             `json:"timestampSeconds"`
	Completed        bool              `json:"completed"`
	Progress         *domain.Progress  `json:"progress,omitempty"`
	Result           *domain.JobResult `json:"result,omitempty"`
	Error            *domain.JobError  `json:"error,omitempty"`
}

func NewStatusMessage(job *domain.Job, at time.Time) StatusMessage {
	msg := StatusMessage{
		JobID:            job.ID,
		State:            job.State,
		Ready:            job.IsTerminal(),
		TimestampSeconds: at.Unix(),
	}

	if job.IsTerminal() {
		msg.Completed = true
		msg.Result = job.Result
		msg.Error = job.Error
		return msg
	}

	if job.State == domain.JobStateRunning {
		progress := job.Progress
		msg.Progress = &progress
	}
	return msg
}

// StatusWatcher relays job snapshots to a subscriber at a fixed interval.
type StatusWatcher struct {
	jobs     repository.JobStore
	interval time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewStatusWatcher(jobs repository.JobStore, interval time.Duration, logger *zap.Logger) (*StatusWatcher, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if interval <= 0 {
		interval = DefaultStatusPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatusWatcher{
		jobs:     jobs,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (w *StatusWatcher) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Get returns the current snapshot of a job.
func (w *StatusWatcher) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return w.jobs.Get(ctx, jobID)
}

// Watch sends one message per interval until the job is terminal, send
// fails or ctx is canceled. An unknown job returns domain.ErrNotFound
// before anything is sent.
func (w *StatusWatcher) Watch(ctx context.Context, jobID string, send func(StatusMessage) error) error {
	if send == nil {
		return fmt.Errorf("send function is required")
	}

	w.metrics.IncStatusSubscribers()
	defer w.metrics.DecStatusSubscribers()

	logger := w.logger.With(zap.String("jobId", jobID))
	logger.Debug("status subscriber attached")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		done, err := w.push(ctx, jobID, send)
		if err != nil || done {
			logger.Debug("status subscriber detached", zap.Bool("terminal", done), zap.Error(err))
			return err
		}

		select {
		case <-ctx.Done():
			logger.Debug("status subscriber disconnected")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *StatusWatcher) push(ctx context.Context, jobID string, send func(StatusMessage) error) (bool, error) {
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	msg := NewStatusMessage(job, w.now())
	if err := send(msg); err != nil {
		return false, fmt.Errorf("failed to send status: %w", err)
	}
	return msg.Completed, nil
}
