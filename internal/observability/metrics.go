package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "catalog_ingest"

// Metrics stores Prometheus collectors used by the API, the ingest workers
// and the status channel.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	uploadsTotal        *prometheus.CounterVec
	uploadBytesTotal    prometheus.Counter
	jobsFinishedTotal   *prometheus.CounterVec
	rowsInsertedTotal   prometheus.Counter
	rowsSkippedTotal    prometheus.Counter
	ingestDuration      *prometheus.HistogramVec
	workerInflight      prometheus.Gauge
	statusSubscribers   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "uploads_total",
				Help:      "Upload attempts grouped by outcome.",
			},
			[]string{"outcome"},
		),
		uploadBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upload_bytes_total",
				Help:      "Bytes written to disk for accepted uploads.",
			},
		),
		jobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_finished_total",
				Help:      "Ingestion jobs that reached a terminal state, by state and failure class.",
			},
			[]string{"state", "class"},
		),
		rowsInsertedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rows_inserted_total",
				Help:      "Product rows committed to the store.",
			},
		),
		rowsSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rows_skipped_total",
				Help:      "Rows skipped because they failed validation.",
			},
		),
		ingestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "ingest_duration_seconds",
				Help:      "Wall time of ingestion jobs grouped by terminal state.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"state"},
		),
		workerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "worker_inflight",
				Help:      "Ingestion jobs currently being processed.",
			},
		),
		statusSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "status_subscribers",
				Help:      "Open job status subscriptions.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.uploadsTotal,
		m.uploadBytesTotal,
		m.jobsFinishedTotal,
		m.rowsInsertedTotal,
		m.rowsSkippedTotal,
		m.ingestDuration,
		m.workerInflight,
		m.statusSubscribers,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

// ObserveUpload counts an upload attempt. Bytes are only added for accepted uploads.
func (m *Metrics) ObserveUpload(outcome string, bytes int64) {
	if m == nil {
		return
	}
	label := normalizeLabel(outcome)
	m.uploadsTotal.WithLabelValues(label).Inc()
	if label == "accepted" && bytes > 0 {
		m.uploadBytesTotal.Add(float64(bytes))
	}
}

func (m *Metrics) ObserveJobFinished(state string, class string, duration time.Duration) {
	if m == nil {
		return
	}
	stateLabel := normalizeLabel(state)
	classLabel := strings.TrimSpace(class)
	if classLabel == "" {
		classLabel = "none"
	}
	m.jobsFinishedTotal.WithLabelValues(stateLabel, classLabel).Inc()

	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.ingestDuration.WithLabelValues(stateLabel).Observe(seconds)
}

func (m *Metrics) AddRowsInserted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsInsertedTotal.Add(float64(n))
}

func (m *Metrics) AddRowsSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsSkippedTotal.Add(float64(n))
}

func (m *Metrics) IncWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Inc()
}

func (m *Metrics) DecWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Dec()
}

func (m *Metrics) IncStatusSubscribers() {
	if m == nil {
		return
	}
	m.statusSubscribers.Inc()
}

func (m *Metrics) DecStatusSubscribers() {
	if m == nil {
		return
	}
	m.statusSubscribers.Dec()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
