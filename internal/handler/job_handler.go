package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"github.com/kursadbilgin/catalog-ingest/internal/observability"
	"github.com/kursadbilgin/catalog-ingest/internal/service"
	"go.uber.org/zap"
)

const (
	uploadFormField       = "file"
	uploadAcceptedMessage = "File uploaded successfully. Processing started."
)

type UploadService interface {
	Accept(ctx context.Context, req service.UploadRequest) (*service.UploadReceipt, error)
}

type StatusService interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	Watch(ctx context.Context, jobID string, send func(service.StatusMessage) error) error
}

type JobHandler struct {
	uploads UploadService
	status  StatusService
	logger  *zap.Logger
}

func NewJobHandler(uploads UploadService, status StatusService, logger *zap.Logger) (*JobHandler, error) {
	if uploads == nil {
		return nil, fmt.Errorf("upload service is required")
	}
	if status == nil {
		return nil, fmt.Errorf("status service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{uploads: uploads, status: status, logger: logger}, nil
}

func RegisterJobRoutes(router fiber.Router, uploads UploadService, status StatusService, logger *zap.Logger) error {
	h, err := NewJobHandler(uploads, status, logger)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/products/csv", h.UploadCSV)
	v1.Get("/jobs/:id", h.GetJob)
	v1.Use("/jobs/:id/ws", requireWebSocketUpgrade)
	v1.Get("/jobs/:id/ws", websocket.New(h.WatchJob))

	return nil
}

type uploadResponse struct {
	JobID    string `json:"jobId"`
	Message  string `json:"message"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
}

type jobResponse struct {
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

func (h *JobHandler) UploadCSV(c *fiber.Ctx) error {
	part, err := uploadPart(c)
	if err != nil {
		return err
	}
	defer part.Close() //nolint:errcheck // drains the rest of the part

	receipt, err := h.uploads.Accept(requestContext(c), service.UploadRequest{
		FileName:     part.FileName(),
		DeclaredSize: declaredPartSize(part),
		Body:         part,
		ClientKey:    c.IP(),
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(uploadResponse{
		JobID:    receipt.JobID,
		Message:  uploadAcceptedMessage,
		FileName: receipt.FileName,
		Size:     receipt.Size,
	})
}

// uploadPart walks the multipart body until the file field. The part reads
// straight from the request stream, so nothing but the copy buffer of the
// file store holds upload bytes.
func uploadPart(c *fiber.Ctx) (*multipart.Part, error) {
	boundary := string(c.Request().Header.MultipartFormBoundary())
	if boundary == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "multipart form with a file field is required")
	}

	var body io.Reader = bytes.NewReader(c.Body())
	if stream := c.Context().RequestBodyStream(); stream != nil {
		body = stream
	}

	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fiber.NewError(fiber.StatusBadRequest, "file is required")
		}
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "failed to read uploaded file")
		}
		if part.FormName() == uploadFormField {
			return part, nil
		}
		_ = part.Close()
	}
}

// declaredPartSize returns the part's own Content-Length, or -1 when the
// client did not send one. Browsers usually do not.
func declaredPartSize(part *multipart.Part) int64 {
	raw := strings.TrimSpace(part.Header.Get(fiber.HeaderContentLength))
	if raw == "" {
		return -1
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return -1
	}
	return size
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.status.Get(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(toJobResponse(job))
}

// WatchJob streams status messages until the job is terminal or the client
// goes away. The read loop only exists to notice the disconnect.
func (h *JobHandler) WatchJob(conn *websocket.Conn) {
	jobID := strings.TrimSpace(conn.Params("id"))
	logger := h.logger.With(zap.String("jobId", jobID), zap.String("remoteIp", conn.IP()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err := h.status.Watch(ctx, jobID, func(msg service.StatusMessage) error {
		return conn.WriteJSON(msg)
	})

	closeCode, reason := websocket.CloseNormalClosure, ""
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		closeCode, reason = websocket.ClosePolicyViolation, "job not found"
	default:
		if ctx.Err() == nil {
			logger.Warn("status stream ended with error", zap.Error(err))
		}
		closeCode, reason = websocket.CloseInternalServerErr, "status unavailable"
	}

	if ctx.Err() == nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason))
	}
}

func requireWebSocketUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:         job.ID,
		FileName:   job.FileName,
		FileSize:   job.FileSize,
		State:      job.State.String(),
		Progress:   job.Progress,
		Result:     job.Result,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnsupportedFileType):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrFileTooLarge):
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
