package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
	CacheOperationDelete CacheOperation = "delete"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupStale indicates an entry existed but was past the offline tolerance window.
	CacheLookupStale CacheLookupOutcome = "stale"
	// CacheLookupInvalid indicates the stored payload failed schema validation.
	CacheLookupInvalid CacheLookupOutcome = "invalid"
	CacheLookupError   CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	CacheStoreError  CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for intercepted traffic and worker events.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	lifecycle *prometheus.CounterVec
	events    *prometheus.CounterVec
	clients   prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swgate",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by route and the tier that answered them.",
	}, []string{"route", "source"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swgate",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route", "source"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the worker.",
	}, []string{"cache", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swgate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"cache", "operation", "result"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swgate",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Worker version state transitions.",
	}, []string{"state"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swgate",
		Name:      "events_total",
		Help:      "Dispatched worker events by kind and result.",
	}, []string{"kind", "result"})

	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swgate",
		Name:      "clients_connected",
		Help:      "Controlled clients currently connected.",
	})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, cacheLatency, lifecycle, events, clients)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		lifecycle:       lifecycle,
		events:          events,
		clients:         clients,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records which tier answered an intercepted request.
func (r *Recorder) ObserveFetch(route, source string, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	sourceLabel := normalizeLabel(source)
	r.fetchRequests.WithLabelValues(routeLabel, sourceLabel).Inc()
	r.fetchLatency.WithLabelValues(routeLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(cache string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(cache), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(cache string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(cache), CacheOperationStore, resultLabel, duration)
}

// ObserveCacheDelete records a generation removal during activation.
func (r *Recorder) ObserveCacheDelete(cache string, err error) {
	if r == nil {
		return
	}
	result := "deleted"
	if err != nil {
		result = "error"
	}
	r.observeCache(normalizeLabel(cache), CacheOperationDelete, result, 0)
}

func (r *Recorder) observeCache(cache string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(cache, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(cache, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveLifecycle counts a version entering state.
func (r *Recorder) ObserveLifecycle(state string) {
	if r == nil {
		return
	}
	r.lifecycle.WithLabelValues(normalizeLabel(state)).Inc()
}

// ObserveEvent counts a dispatched event. result is "ok", "error" or "unhandled".
func (r *Recorder) ObserveEvent(kind, result string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

// SetClients publishes the number of connected controlled clients.
func (r *Recorder) SetClients(n int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
