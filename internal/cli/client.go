package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"github.com/kursadbilgin/catalog-ingest/internal/service"
)

const (
	uploadPath      = "/v1/products/csv"
	jobPathFormat   = "/v1/jobs/%s"
	watchPathFormat = "/v1/jobs/%s/ws"
	uploadFormName  = "file"
)

// UploadResult mirrors the 202 body returned by the upload endpoint.
type UploadResult struct {
	JobID    string `json:"jobId"`
	Message  string `json:"message"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
}

// JobView mirrors the job status body.
type JobView struct {
	ID         string            `json:"id"`
	FileName   string            `json:"fileName"`
	FileSize   int64             `json:"fileSize"`
	State      string            `json:"state"`
	Progress   domain.Progress   `json:"progress"`
	Result     *domain.JobResult `json:"result,omitempty"`
	Error      *domain.JobError  `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type errorBody struct {
	Error string `json:"error"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return nil
}

type Client struct {
	http   *resty.Client
	wsBase string
	dialer *websocket.Dialer
}

func NewClient(server string, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(server), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q: host is required", server)
	}

	ws := *base
	switch base.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", server)
	}

	client := resty.New().
		SetBaseURL(base.String()).
		SetTimeout(timeout)

	return &Client{
		http:   client,
		wsBase: ws.String(),
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
	}, nil
}

// Upload posts the file at path as a multipart upload.
func (c *Client) Upload(ctx context.Context, path string) (*UploadResult, error) {
	response, err := c.http.R().
		SetContext(ctx).
		SetFile(uploadFormName, path).
		SetResult(&UploadResult{}).
		SetError(&errorBody{}).
		Post(uploadPath)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	if response.IsError() {
		return nil, apiError(response)
	}
	return response.Result().(*UploadResult), nil
}

func (c *Client) Status(ctx context.Context, jobID string) (*JobView, error) {
	response, err := c.http.R().
		SetContext(ctx).
		SetResult(&JobView{}).
		SetError(&errorBody{}).
		Get(fmt.Sprintf(jobPathFormat, url.PathEscape(jobID)))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if response.IsError() {
		return nil, apiError(response)
	}
	return response.Result().(*JobView), nil
}

// Watch streams status messages for a job until it reaches a terminal state,
// the server closes the stream or ctx is done.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(service.StatusMessage) error) error {
	target := c.wsBase + fmt.Sprintf(watchPathFormat, url.PathEscape(jobID))
	conn, response, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if response != nil {
			return &APIError{StatusCode: response.StatusCode, Message: response.Status}
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close() //nolint:errcheck // best-effort

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var msg service.StatusMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return closeError(jobID, err)
		}
		if err := fn(msg); err != nil {
			return err
		}
		if msg.Completed {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		}
	}
}

func closeError(jobID string, err error) error {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return fmt.Errorf("read status for job %s: %w", jobID, err)
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure:
		return nil
	case websocket.ClosePolicyViolation:
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	default:
		return fmt.Errorf("status stream for job %s closed: %w", jobID, err)
	}
}

func apiError(response *resty.Response) error {
	out := &APIError{StatusCode: response.StatusCode()}
	if body, ok := response.Error().(*errorBody); ok && body != nil {
		out.Message = body.Error
	}
	if out.Message == "" {
		out.Message = strings.TrimSpace(response.String())
	}
	return out
}
