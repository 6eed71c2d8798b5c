package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	invalidateTotal    *prometheus.CounterVec
	invalidateDuration *prometheus.HistogramVec
	invalidateInFlight prometheus.Gauge
	invalidatedFiles   *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	invalidateTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "invalidations_total",
			Help:      "Total processed fragment invalidation events by status.",
		},
		[]string{"service", "status"},
	)
	invalidateDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "invalidation_duration_seconds",
			Help:      "Invalidation handling duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	invalidateInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "invalidations_in_flight",
			Help:      "Number of in-flight invalidation events.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	invalidatedFiles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "invalidated_files_total",
			Help:      "Files whose fragment snapshots were evicted.",
		},
		[]string{"service"},
	)

	registry.MustRegister(invalidateTotal, invalidateDuration, invalidateInFlight, invalidatedFiles)

	return &WorkerMetrics{
		registry:           registry,
		invalidateTotal:    invalidateTotal,
		invalidateDuration: invalidateDuration,
		invalidateInFlight: invalidateInFlight,
		invalidatedFiles:   invalidatedFiles,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartInvalidation() {
	m.invalidateInFlight.Inc()
}

func (m *WorkerMetrics) FinishInvalidation(service string, files int, duration time.Duration, err error) {
	m.invalidateInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	} else {
		m.invalidatedFiles.WithLabelValues(service).Add(float64(files))
	}

	m.invalidateTotal.WithLabelValues(service, status).Inc()
	m.invalidateDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}
