package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"miniquant/internal/database"
)

const namespace = "miniquant"

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
	apiErrorsTotal       *prometheus.CounterVec
	activeConnections    prometheus.Gauge

	sweepCellsTotal *prometheus.CounterVec
	sweepDuration   *prometheus.HistogramVec
	sweepsTotal     *prometheus.CounterVec
	activeSweeps    prometheus.Gauge
	robustnessScore *prometheus.GaugeVec

	barSyncTotal  *prometheus.CounterVec
	barsSynced    prometheus.Counter
	dbConnections *prometheus.GaugeVec
}

// NewMetrics creates the metrics on a dedicated registry that also carries
// the Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
			[]string{"method", "endpoint"},
		),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "websocket_connections_active",
				Help: "Number of active WebSocket connections",
			},
		),
		sweepCellsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_cells_total",
				Help:      "Grid cells evaluated, by strategy and outcome",
			},
			[]string{"strategy", "status"},
		),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Wall time of a grid search",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"strategy"},
		),
		sweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Grid searches by terminal status",
			},
			[]string{"status"},
		),
		activeSweeps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sweeps",
				Help:      "Grid searches currently running",
			},
		),
		robustnessScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "robustness_score",
				Help:      "Robustness score of the latest diagnosed sweep",
			},
			[]string{"strategy"},
		),
		barSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bar_sync_codes_total",
				Help:      "Codes processed by bar sync, by outcome",
			},
			[]string{"status"},
		),
		barsSynced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bars_synced_total",
				Help:      "Daily bars written by bar sync",
			},
		),
		dbConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database pool connections by state",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.apiErrorsTotal,
		m.activeConnections,
		m.sweepCellsTotal,
		m.sweepDuration,
		m.sweepsTotal,
		m.activeSweeps,
		m.robustnessScore,
		m.barSyncTotal,
		m.barsSynced,
		m.dbConnections,
	)

	return m
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsMiddleware creates a Prometheus metrics middleware
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorType := "client_error"
			if c.Writer.Status() >= 500 {
				errorType = "server_error"
			}
			m.apiErrorsTotal.WithLabelValues(path, errorType).Inc()
		}
	}
}

// RecordCell counts one evaluated grid cell
func (m *Metrics) RecordCell(strategy, status string) {
	m.sweepCellsTotal.WithLabelValues(strategy, status).Inc()
}

// SweepStarted increments the active sweep gauge
func (m *Metrics) SweepStarted() {
	m.activeSweeps.Inc()
}

// SweepFinished records a terminal sweep
func (m *Metrics) SweepFinished(strategy, status string, elapsed time.Duration) {
	m.activeSweeps.Dec()
	m.sweepsTotal.WithLabelValues(status).Inc()
	m.sweepDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// SetRobustnessScore records the latest diagnosis score of a strategy
func (m *Metrics) SetRobustnessScore(strategy string, score float64) {
	m.robustnessScore.WithLabelValues(strategy).Set(score)
}

// RecordBarSync records the outcome of one bar sync run
func (m *Metrics) RecordBarSync(synced, failed, bars int) {
	m.barSyncTotal.WithLabelValues("synced").Add(float64(synced))
	m.barSyncTotal.WithLabelValues("failed").Add(float64(failed))
	m.barsSynced.Add(float64(bars))
}

// SetActiveConnections sets the number of active WebSocket connections
func (m *Metrics) SetActiveConnections(count float64) {
	m.activeConnections.Set(count)
}

// ObservePool is a database.DB monitor callback
func (m *Metrics) ObservePool(stats *database.PoolStats) {
	m.dbConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	m.dbConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	m.dbConnections.WithLabelValues("idle").Set(float64(stats.Idle))
}
