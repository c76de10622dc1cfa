package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
)

// JobEvent is the body posted when a job reaches a terminal state.
type JobEvent struct {
	JobID      string            `json:"jobId"`
	State      string            `json:"state"`
	FileName   string            `json:"fileName"`
	FinishedAt time.Time         `json:"finishedAt"`
	Result     *domain.JobResult `json:"result,omitempty"`
	Error      *domain.JobError  `json:"error,omitempty"`
}

func NewJobEvent(job *domain.Job) JobEvent {
	event := JobEvent{
		JobID:    job.ID,
		State:    job.State.String(),
		FileName: job.FileName,
		Result:   job.Result,
		Error:    job.Error,
	}
	if job.FinishedAt != nil {
		event.FinishedAt = job.FinishedAt.UTC()
	} else {
		event.FinishedAt = job.UpdatedAt.UTC()
	}
	return event
}

// JobNotifier posts terminal job events to a single configured endpoint.
type JobNotifier struct {
	client      *resty.Client
	endpoint    string
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

func NewJobNotifier(endpoint string, logger *zap.Logger) (*JobNotifier, error) {
	client := resty.New()
	client.SetTimeout(defaultTimeout)

	return NewJobNotifierWithClient(endpoint, client, logger)
}

func NewJobNotifierWithClient(endpoint string, client *resty.Client, logger *zap.Logger) (*JobNotifier, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTimeout)
	}
	// Retries are driven here so each attempt is classified and logged.
	client.SetRetryCount(0)

	return &JobNotifier{
		client:      client,
		endpoint:    trimmedEndpoint,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		logger:      logger,
	}, nil
}

// NotifyTerminal delivers the event for a finished job, retrying transient
// failures with exponential backoff.
func (n *JobNotifier) NotifyTerminal(ctx context.Context, job *domain.Job) error {
	if n == nil || n.client == nil {
		return fmt.Errorf("notifier is not initialized")
	}
	if job == nil || !job.IsTerminal() {
		return fmt.Errorf("%w: only terminal jobs are notified", domain.ErrValidation)
	}

	event := NewJobEvent(job)
	backoff := n.backoff

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		lastErr = n.post(ctx, event)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == n.maxAttempts {
			break
		}

		n.logger.Debug("webhook delivery failed, retrying",
			zap.String("jobId", job.ID),
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", backoff),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return lastErr
}

func (n *JobNotifier) post(ctx context.Context, event JobEvent) error {
	response, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Job-ID", event.JobID).
		SetBody(event).
		Post(n.endpoint)
	if err != nil {
		return &DeliveryError{
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &DeliveryError{Message: "empty response", Transient: true}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return &DeliveryError{
		StatusCode: statusCode,
		Message:    errorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func errorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("endpoint returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
