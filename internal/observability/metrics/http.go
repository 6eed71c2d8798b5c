package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/cache/scoredcache"
)

const namespace = "docqa"

var knownPaths = map[string]struct{}{
	"/v1/retrieve":       {},
	"/v1/answers/rerank": {},
	"/healthz":           {},
	"/metrics":           {},
}

type HTTPServerMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	channelHits       *prometheus.HistogramVec
	channelDegraded   *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	rerankBatches     *prometheus.CounterVec
	rerankBatchSize   *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	breakerTransition *prometheus.CounterVec
	contextCitations  *prometheus.HistogramVec
}

var (
	_ ports.PipelineObserver     = (*HTTPServerMetrics)(nil)
	_ scoredcache.LookupObserver = (*HTTPServerMetrics)(nil)
)

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	channelHits := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "channel_hits",
			Help:      "Hits returned per retrieval channel call.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"service", "channel"},
	)
	channelDegraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "channel_degraded_total",
			Help:      "Retrieval channel calls that failed and were skipped.",
		},
		[]string{"service", "channel"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "stage"},
	)
	rerankBatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rerank",
			Name:      "batches_total",
			Help:      "Cross-encoder batches by stage and status.",
		},
		[]string{"service", "stage", "status"},
	)
	rerankBatchSize := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rerank",
			Name:      "batch_size",
			Help:      "Texts per cross-encoder batch.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"service", "stage"},
	)
	cacheLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Scored cache lookups by cache and result.",
		},
		[]string{"service", "cache", "result"},
	)
	breakerTransition := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by operation.",
		},
		[]string{"service", "operation", "to"},
	)
	contextCitations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "context_citations",
			Help:      "Citations per assembled context.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"service", "endpoint"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		channelHits,
		channelDegraded,
		stageDuration,
		rerankBatches,
		rerankBatchSize,
		cacheLookups,
		breakerTransition,
		contextCitations,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		service:           service,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		channelHits:       channelHits,
		channelDegraded:   channelDegraded,
		stageDuration:     stageDuration,
		rerankBatches:     rerankBatches,
		rerankBatchSize:   rerankBatchSize,
		cacheLookups:      cacheLookups,
		breakerTransition: breakerTransition,
		contextCitations:  contextCitations,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			m.service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}

func (m *HTTPServerMetrics) ObserveChannel(channel string, hits int, degraded bool) {
	if degraded {
		m.channelDegraded.WithLabelValues(m.service, channel).Inc()
		return
	}
	m.channelHits.WithLabelValues(m.service, channel).Observe(float64(hits))
}

func (m *HTTPServerMetrics) ObserveStage(stage string, seconds float64) {
	m.stageDuration.WithLabelValues(m.service, stage).Observe(seconds)
}

func (m *HTTPServerMetrics) ObserveRerankBatch(stage string, size int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.rerankBatches.WithLabelValues(m.service, stage, status).Inc()
	m.rerankBatchSize.WithLabelValues(m.service, stage).Observe(float64(size))
}

func (m *HTTPServerMetrics) ObserveCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(m.service, cache, result).Inc()
}

// ObserveBreakerState matches resilience.StateObserver.
func (m *HTTPServerMetrics) ObserveBreakerState(operation, _, to string) {
	m.breakerTransition.WithLabelValues(m.service, operation, to).Inc()
}

func (m *HTTPServerMetrics) RecordContext(endpoint string, citations int) {
	m.contextCitations.WithLabelValues(m.service, endpoint).Observe(float64(citations))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
