package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection
type Collector struct {
	// API Metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec

	// Cycle Metrics
	CyclesTotal          *prometheus.CounterVec
	CycleDuration        prometheus.Histogram
	AdmissionsTotal      *prometheus.CounterVec
	ExecutorQueueDepth   prometheus.Gauge
	ObservationsParsed   prometheus.Counter
	ParseErrorsTotal     *prometheus.CounterVec
	GapsFilledTotal      prometheus.Counter
	SourceRefetchesTotal prometheus.Counter
	SourceRequestsTotal  *prometheus.CounterVec
	ForecastKelvin       prometheus.Gauge
	TrainingLoss         prometheus.Gauge
	ModelSnapshotsTotal  prometheus.Counter
	StorageOpsTotal      *prometheus.CounterVec
	EventsPublishedTotal *prometheus.CounterVec

	// Database Metrics
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec
}

// NewCollector registers every metric on reg. Pass prometheus.DefaultRegisterer
// in binaries and a fresh prometheus.NewRegistry() in tests.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests by endpoint, method, and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		APIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"endpoint"},
		),

		APIErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors by type",
			},
			[]string{"error_type", "endpoint"},
		),

		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Forecast cycles finished by terminal status",
			},
			[]string{"status"},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of one fetch-parse-repair-forecast-persist cycle",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		),

		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Trigger requests by admission outcome",
			},
			[]string{"outcome"},
		),

		ExecutorQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executor_queue_depth",
				Help:      "Cycles waiting for the background executor",
			},
		),

		ObservationsParsed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observations_parsed_total",
				Help:      "Observations decoded from source reports",
			},
		),

		ParseErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Source reports dropped during parsing by reason",
			},
			[]string{"reason"},
		),

		GapsFilledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gaps_filled_total",
				Help:      "Synthetic observations inserted by gap repair",
			},
		),

		SourceRefetchesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_refetches_total",
				Help:      "Widened source fetches triggered by gap repair",
			},
		),

		SourceRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_requests_total",
				Help:      "Requests to the report source by outcome",
			},
			[]string{"status"},
		),

		ForecastKelvin: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "forecast_kelvin",
				Help:      "Most recent one-step-ahead temperature forecast",
			},
		),

		TrainingLoss: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "training_loss",
				Help:      "Mean squared error of the latest fine-tuning step (normalized units)",
			},
		),

		ModelSnapshotsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_snapshots_total",
				Help:      "Model artifacts written to storage",
			},
		),

		StorageOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Blob storage operations by kind and outcome",
			},
			[]string{"op", "status"},
		),

		EventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Forecast events handed to the publisher by outcome",
			},
			[]string{"status"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer
func (c *Collector) NewTimer(histogram prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram,
	}
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordAPIRequest increments API request counter
func (c *Collector) RecordAPIRequest(endpoint, method, status string) {
	c.APIRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// RecordAPIError increments API error counter
func (c *Collector) RecordAPIError(errorType, endpoint string) {
	c.APIErrorsTotal.WithLabelValues(errorType, endpoint).Inc()
}

// RecordCycle counts a finished cycle ("succeeded" or "failed").
func (c *Collector) RecordCycle(status string) {
	c.CyclesTotal.WithLabelValues(status).Inc()
}

// RecordAdmission counts a trigger outcome ("sent" or "skipped").
func (c *Collector) RecordAdmission(outcome string) {
	c.AdmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordParseError counts a dropped source report.
func (c *Collector) RecordParseError(reason string) {
	c.ParseErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordSourceRequest counts a source request outcome.
func (c *Collector) RecordSourceRequest(status string) {
	c.SourceRequestsTotal.WithLabelValues(status).Inc()
}

// RecordStorageOp counts a blob storage call.
func (c *Collector) RecordStorageOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StorageOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}
