// Package metrics provides the gateway's Prometheus metrics collection.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every metric the gateway records, grouped by subsystem.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerTokensUsed      *prometheus.CounterVec

	queueDepth     *prometheus.GaugeVec
	queueRejected  *prometheus.CounterVec
	workerActive   prometheus.Gauge

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec

	memoryDecisions *prometheus.CounterVec
	memoryErrors    *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector builds a Collector registered against its own registry, so
// multiple instances (e.g. one per test) never collide on global state.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	factory := promauto.With(reg)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests"},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)

	c.providerRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "provider_requests_total", Help: "Total upstream provider requests"},
		[]string{"provider", "model", "status"},
	)
	c.providerRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "provider_request_duration_seconds", Help: "Upstream provider request duration", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}},
		[]string{"provider", "model"},
	)
	c.providerTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "provider_tokens_total", Help: "Total tokens used"},
		[]string{"provider", "model", "type"},
	)

	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Current queue depth per level"},
		[]string{"level"},
	)
	c.queueRejected = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "queue_rejected_total", Help: "Total requests rejected by the queue"},
		[]string{"reason"},
	)
	c.workerActive = factory.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "worker_active", Help: "Currently active chat workers"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_hits_total", Help: "Total cache hits"},
		[]string{"partition"},
	)
	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_misses_total", Help: "Total cache misses"},
		[]string{"partition"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "breaker_state", Help: "0=closed 1=open 2=half_open"},
		[]string{"key"},
	)
	c.breakerTrips = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "breaker_trips_total", Help: "Total breaker trips to open"},
		[]string{"key"},
	)

	c.memoryDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "memory_decisions_total", Help: "Deduplicator decisions"},
		[]string{"decision"},
	)
	c.memoryErrors = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "memory_errors_total", Help: "Memory pipeline errors (never surfaced to chat callers)"},
		[]string{"stage"},
	)

	return c
}

// Registry exposes the underlying registry for an HTTP exporter handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusBucket(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (c *Collector) RecordProviderRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.providerRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.providerRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.providerTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.providerTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func (c *Collector) SetQueueDepth(level string, depth int) {
	c.queueDepth.WithLabelValues(level).Set(float64(depth))
}

func (c *Collector) RecordQueueRejected(reason string) {
	c.queueRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) SetWorkerActive(n int) {
	c.workerActive.Set(float64(n))
}

func (c *Collector) RecordCacheHit(partition string)  { c.cacheHits.WithLabelValues(partition).Inc() }
func (c *Collector) RecordCacheMiss(partition string) { c.cacheMisses.WithLabelValues(partition).Inc() }

func (c *Collector) SetBreakerState(key string, state int) {
	c.breakerState.WithLabelValues(key).Set(float64(state))
}

func (c *Collector) RecordBreakerTrip(key string) {
	c.breakerTrips.WithLabelValues(key).Inc()
}

func (c *Collector) RecordMemoryDecision(decision string) {
	c.memoryDecisions.WithLabelValues(decision).Inc()
}

func (c *Collector) RecordMemoryError(stage string) {
	c.memoryErrors.WithLabelValues(stage).Inc()
}

func statusBucket(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
