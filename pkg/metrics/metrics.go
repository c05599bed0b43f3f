// Package metrics defines the Prometheus collectors for the blocking service
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
)

// Metrics holds all Prometheus collectors. It implements index.Observer.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	RecordInsertsTotal   *prometheus.CounterVec
	InsertLatency        prometheus.Histogram
	LookupLatency        prometheus.Histogram
	CandidatesPerLookup  prometheus.Histogram
	IndexRecords         prometheus.Gauge
	IndexBuckets         prometheus.Gauge
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	KafkaMessagesTotal   *prometheus.CounterVec
	BlockEventsTotal     *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

var _ index.Observer = (*Metrics)(nil)

// New creates all collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests independent of the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		RecordInsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lsh_record_inserts_total",
				Help: "Record inserts by outcome (indexed, degenerate, duplicate, error).",
			},
			[]string{"outcome"},
		),
		InsertLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lsh_insert_latency_seconds",
				Help:    "Signature computation plus bucket update latency.",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),
		LookupLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lsh_lookup_latency_seconds",
				Help:    "Candidate lookup latency.",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),
		CandidatesPerLookup: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lsh_candidates_per_lookup",
				Help:    "Number of candidates returned per lookup.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 500},
			},
		),
		IndexRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lsh_index_records",
				Help: "Number of records in the bucket index.",
			},
		),
		IndexBuckets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lsh_index_buckets",
				Help: "Number of non-empty buckets in the index.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of candidate cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of candidate cache misses.",
			},
		),
		KafkaMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_ingest_messages_total",
				Help: "Consumed record-ingest messages by status.",
			},
			[]string{"status"},
		),
		BlockEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "block_events_total",
				Help: "Candidate block events by status (published, dropped, failed).",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RecordInsertsTotal,
		m.InsertLatency,
		m.LookupLatency,
		m.CandidatesPerLookup,
		m.IndexRecords,
		m.IndexBuckets,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.KafkaMessagesTotal,
		m.BlockEventsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveInsert implements index.Observer.
func (m *Metrics) ObserveInsert(outcome index.InsertOutcome, d time.Duration) {
	m.RecordInsertsTotal.WithLabelValues(string(outcome)).Inc()
	m.InsertLatency.Observe(d.Seconds())
}

// ObserveLookup implements index.Observer.
func (m *Metrics) ObserveLookup(candidates int, d time.Duration) {
	m.LookupLatency.Observe(d.Seconds())
	m.CandidatesPerLookup.Observe(float64(candidates))
}

// SetIndexStats refreshes the index gauges.
func (m *Metrics) SetIndexStats(st index.Stats) {
	m.IndexRecords.Set(float64(st.Records))
	m.IndexBuckets.Set(float64(st.Buckets))
}

// Handler returns the Prometheus scrape HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
