// Package telemetry provides Prometheus metrics for the scoring service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the service metrics and the registry they live on.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	enabled          bool
	registry         *prometheus.Registry

	batches          *prometheus.CounterVec
	images           *prometheus.CounterVec
	imagesAccepted   *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	generations      *prometheus.HistogramVec
	generationErrors *prometheus.CounterVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets custom buckets for latency histograms.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.histogramBuckets = buckets
		}
	}
}

// WithMetricsEnabled enables or disables collection.
func WithMetricsEnabled(enabled bool) Option {
	return func(m *Manager) {
		m.enabled = enabled
	}
}

// WithRegistry sets the registry metrics are registered on.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates a manager on a private registry unless WithRegistry is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "vqa",
		histogramBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		enabled:          true,
		registry:         prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.batches = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "batches_total",
		Help:      "Scoring requests by model and outcome",
	}, []string{"model", "outcome"})

	m.images = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "images_total",
		Help:      "Images scored",
	}, []string{"model"})

	m.imagesAccepted = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "images_accepted_total",
		Help:      "Images accepted",
	}, []string{"model"})

	m.batchDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "batch_duration_seconds",
		Help:      "Server-side processing time of one scoring request",
		Buckets:   m.histogramBuckets,
	}, []string{"model"})

	m.generations = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "model",
		Name:      "generation_duration_seconds",
		Help:      "Latency of one batched generation call",
		Buckets:   m.histogramBuckets,
	}, []string{"model"})

	m.generationErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "model",
		Name:      "generation_errors_total",
		Help:      "Failed generation calls",
	}, []string{"model"})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   m.histogramBuckets,
	}, []string{"method", "route"})
}

// Registry returns the gatherer backing Handler.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBatch records one finished scoring request.
func (m *Manager) RecordBatch(model string, images, accepted int, elapsed time.Duration, err error) {
	if m == nil || !m.enabled {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.batches.WithLabelValues(model, outcome).Inc()
	if err != nil {
		return
	}
	m.images.WithLabelValues(model).Add(float64(images))
	m.imagesAccepted.WithLabelValues(model).Add(float64(accepted))
	m.batchDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

// ObserveGeneration records one generation call.
func (m *Manager) ObserveGeneration(model string, _ int, elapsed time.Duration, err error) {
	if m == nil || !m.enabled {
		return
	}
	if err != nil {
		m.generationErrors.WithLabelValues(model).Inc()
		return
	}
	m.generations.WithLabelValues(model).Observe(elapsed.Seconds())
}

// GinMiddleware records request counts and latency per route template.
func (m *Manager) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil || !m.enabled {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
