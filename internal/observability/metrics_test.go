package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsIngestCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.ObserveUpload("accepted", 2048)
	metrics.ObserveUpload("too_large", 999)
	metrics.ObserveJobFinished("completed", "", 3*time.Second)
	metrics.ObserveJobFinished("FAILED", "StoreError", time.Second)
	metrics.AddRowsInserted(5000)
	metrics.AddRowsSkipped(3)
	metrics.AddRowsSkipped(0)
	metrics.IncWorkerInFlight()
	metrics.DecWorkerInFlight()
	metrics.IncStatusSubscribers()

	if got := testutil.ToFloat64(metrics.uploadsTotal.WithLabelValues("accepted")); got != 1 {
		t.Fatalf("uploads_total{accepted} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.uploadsTotal.WithLabelValues("too_large")); got != 1 {
		t.Fatalf("uploads_total{too_large} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.uploadBytesTotal); got != 2048 {
		t.Fatalf("upload_bytes_total = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(metrics.jobsFinishedTotal.WithLabelValues("completed", "none")); got != 1 {
		t.Fatalf("jobs_finished_total{completed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.jobsFinishedTotal.WithLabelValues("failed", "StoreError")); got != 1 {
		t.Fatalf("jobs_finished_total{failed,StoreError} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.rowsInsertedTotal); got != 5000 {
		t.Fatalf("rows_inserted_total = %v, want 5000", got)
	}
	if got := testutil.ToFloat64(metrics.rowsSkippedTotal); got != 3 {
		t.Fatalf("rows_skipped_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.workerInflight); got != 0 {
		t.Fatalf("worker_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.statusSubscribers); got != 1 {
		t.Fatalf("status_subscribers = %v, want 1", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.ObserveUpload("accepted", 1)
	metrics.ObserveJobFinished("completed", "", time.Second)
	metrics.AddRowsInserted(1)
	metrics.IncWorkerInFlight()
	metrics.DecStatusSubscribers()
	if metrics.Handler() == nil {
		t.Fatal("Handler() should fall back to the default handler")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/v1/jobs/:id", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/v1/jobs/abc", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/v1/jobs/:id", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Post("/v1/products/csv", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("POST", "/v1/products/csv", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("POST", "/v1/products/csv", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
