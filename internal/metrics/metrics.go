// Package metrics defines the gateway's Prometheus metric registry,
// grounded on the teacher's internal/interfaces/http/metrics.go
// MetricsRegistry (same construct-then-MustRegister shape, same
// StepTimer-style helper pattern), renamed from scan/regime-pipeline
// metrics to the source/circuit/cache/consensus metrics this gateway
// actually produces.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every Prometheus collector the gateway exposes on
// /metrics/prometheus.
type Registry struct {
	SourceUp            *prometheus.GaugeVec
	SourceLatencyMS      *prometheus.HistogramVec
	CircuitState        *prometheus.GaugeVec
	CircuitTrips        *prometheus.CounterVec
	RateLimitThrottled   *prometheus.CounterVec
	CacheHits           *prometheus.CounterVec
	CacheMisses         *prometheus.CounterVec
	ValidationRejects   *prometheus.CounterVec
	AggregationDuration *prometheus.HistogramVec
	ConsensusScore      *prometheus.GaugeVec
	FailoverEvents      *prometheus.CounterVec
	ActiveSourcesPerFeed *prometheus.GaugeVec
}

// NewRegistry builds and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		SourceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oracle_source_up",
				Help: "1 if the exchange adapter's WebSocket is open, 0 otherwise",
			},
			[]string{"source"},
		),
		SourceLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oracle_source_latency_ms",
				Help:    "Arrival latency of price updates per source",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
			[]string{"source"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oracle_circuit_state",
				Help: "Circuit breaker state per source (0=closed, 1=open, 2=half-open)",
			},
			[]string{"source"},
		),
		CircuitTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_circuit_trips_total",
				Help: "Total number of times a source's circuit breaker opened",
			},
			[]string{"source"},
		),
		RateLimitThrottled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_rate_limit_throttled_total",
				Help: "Total number of REST calls delayed by the rate limiter",
			},
			[]string{"source"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_cache_hits_total",
				Help: "Total cache hits by cache name",
			},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_cache_misses_total",
				Help: "Total cache misses by cache name",
			},
			[]string{"cache"},
		),
		ValidationRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_validation_rejects_total",
				Help: "Total updates rejected by the validator, by tier",
			},
			[]string{"tier"},
		),
		AggregationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oracle_aggregation_duration_seconds",
				Help:    "Time to compute an AggregatedPrice",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"feed"},
		),
		ConsensusScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oracle_consensus_score",
				Help: "Most recent consensus score per feed",
			},
			[]string{"feed"},
		),
		FailoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_failover_events_total",
				Help: "Total failover completions/failures by feed and outcome",
			},
			[]string{"feed", "outcome"},
		),
		ActiveSourcesPerFeed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oracle_active_sources",
				Help: "Current number of active sources per feed",
			},
			[]string{"feed"},
		),
	}

	reg.MustRegister(
		r.SourceUp,
		r.SourceLatencyMS,
		r.CircuitState,
		r.CircuitTrips,
		r.RateLimitThrottled,
		r.CacheHits,
		r.CacheMisses,
		r.ValidationRejects,
		r.AggregationDuration,
		r.ConsensusScore,
		r.FailoverEvents,
		r.ActiveSourcesPerFeed,
	)

	return r
}

// AggregationTimer times one aggregation call, adapted from the
// teacher's StepTimer helper.
type AggregationTimer struct {
	reg   *Registry
	feed  string
	start time.Time
}

// StartAggregationTimer begins timing an aggregation for feed.
func (r *Registry) StartAggregationTimer(feedName string) *AggregationTimer {
	return &AggregationTimer{reg: r, feed: feedName, start: time.Now()}
}

// Stop records the elapsed duration against AggregationDuration.
func (t *AggregationTimer) Stop() {
	t.reg.AggregationDuration.WithLabelValues(t.feed).Observe(time.Since(t.start).Seconds())
}
