package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Accepted observations by outcome (created, updated). Watch for: created spikes after an eviction storm.
	ObservationsUpsertedTotal *prometheus.CounterVec

	// Stations removed for staleness. Watch for: steady growth = content servers dying.
	ObservationsEvictedTotal prometheus.Counter

	// Snapshot flushes by status (success, error). Watch for: any error.
	PersistFlushTotal *prometheus.CounterVec

	// Snapshot flush latency. Watch for: growth with store size, slow backend.
	PersistFlushDuration prometheus.Histogram

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Requests sent by aggregation clients, by method and status label.
	ClientRequestsTotal *prometheus.CounterVec

	// Client retry attempts. Watch for: high retries = unstable aggregation server.
	ClientRetriesTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 half-open, 2 open).
	CircuitBreakerState *prometheus.GaugeVec

	stateGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ObservationsUpsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationsUpsertedTotal",
			Help: "Total number of accepted observations by outcome",
		},
		[]string{"outcome"},
	)
	ObservationsEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "observationsEvictedTotal",
			Help: "Total number of stations evicted for staleness",
		},
	)
	PersistFlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistFlushTotal",
			Help: "Total number of snapshot flushes by status",
		},
		[]string{"status"},
	)
	PersistFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persistFlushDurationSeconds",
			Help:    "Snapshot flush latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	ClientRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregationClientRequestsTotal",
			Help: "Total number of requests sent to the aggregation server",
		},
		[]string{"method", "status"},
	)
	ClientRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregationClientRetriesTotal",
			Help: "Total number of retry attempts against the aggregation server",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"component"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ObservationsUpsertedTotal, ObservationsEvictedTotal,
		PersistFlushTotal, PersistFlushDuration,
		RateLimitDeniedTotal,
		ClientRequestsTotal, ClientRetriesTotal, CircuitBreakerState,
	)
}

// RegisterStateGauges exposes the store size and the server's logical clock.
// Call once from main after the store and clock exist; later calls are ignored.
func RegisterStateGauges(storeEntries func() int, logicalTime func() int64) {
	stateGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "storeEntries",
					Help: "Stations currently held in the observation store",
				},
				func() float64 { return float64(storeEntries()) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "logicalClockTime",
					Help: "Current Lamport clock value of the aggregation server",
				},
				func() float64 { return float64(logicalTime()) },
			),
		)
	})
}

// RecordFlush records the outcome and latency of one snapshot flush.
func RecordFlush(err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PersistFlushTotal.WithLabelValues(status).Inc()
	PersistFlushDuration.Observe(elapsed.Seconds())
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
