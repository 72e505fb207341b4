// Package metrics provides Prometheus metrics for consult.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for consult.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Conversation metrics
	ConversationsStarted *prometheus.CounterVec
	ConversationsEnded   *prometheus.CounterVec
	StageTransitions     *prometheus.CounterVec
	TimeoutWarnings      prometheus.Counter

	// Cache metrics
	CacheQueries   prometheus.Counter
	CacheHits      *prometheus.CounterVec
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	// Pattern metrics
	PatternMatches  *prometheus.CounterVec
	ScorerFallbacks prometheus.Counter
	ScorerDuration  prometheus.Histogram

	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// New creates all metrics on a fresh registry. Separate registries keep
// tests and multiple cores in one process from colliding.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.ConversationsStarted = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_conversations_started_total",
			Help: "Total number of conversations created",
		},
		[]string{"doctor_id"},
	)

	m.ConversationsEnded = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_conversations_ended_total",
			Help: "Total number of conversations ended, by end type",
		},
		[]string{"end_type"},
	)

	m.StageTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_stage_transitions_total",
			Help: "Total number of stage transitions, by target stage",
		},
		[]string{"to"},
	)

	m.TimeoutWarnings = f.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_timeout_warnings_total",
			Help: "Total number of response-timeout warnings issued",
		},
	)

	m.CacheQueries = f.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_cache_queries_total",
			Help: "Total number of response cache lookups",
		},
	)

	m.CacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_cache_hits_total",
			Help: "Total number of response cache hits, by match kind",
		},
		[]string{"kind"},
	)

	m.CacheMisses = f.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	m.CacheEvictions = f.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_cache_evictions_total",
			Help: "Total number of cache entries removed by maintenance",
		},
	)

	m.PatternMatches = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_pattern_matches_total",
			Help: "Total number of pattern match results returned, by scoring path",
		},
		[]string{"path"},
	)

	m.ScorerFallbacks = f.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_scorer_fallbacks_total",
			Help: "Total number of remote scorer failures that fell back to local scoring",
		},
	)

	m.ScorerDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consult_scorer_duration_seconds",
			Help:    "Duration of remote semantic-similarity calls in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	m.OperationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_operations_total",
			Help: "Total number of core operations",
		},
		[]string{"operation", "status"},
	)

	m.OperationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consult_operation_duration_seconds",
			Help:    "Duration of core operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConversationStarted counts a created conversation.
func (m *Metrics) RecordConversationStarted(doctorID string) {
	if m == nil {
		return
	}
	m.ConversationsStarted.WithLabelValues(doctorID).Inc()
}

// RecordConversationEnded counts an ended conversation.
func (m *Metrics) RecordConversationEnded(endType string) {
	if m == nil {
		return
	}
	m.ConversationsEnded.WithLabelValues(endType).Inc()
}

// RecordTransition counts a stage transition.
func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(to).Inc()
}

// RecordTimeoutWarning counts a response-timeout warning.
func (m *Metrics) RecordTimeoutWarning() {
	if m == nil {
		return
	}
	m.TimeoutWarnings.Inc()
}

// RecordCacheLookup counts a lookup and its outcome. kind is "exact",
// "approximate", or empty for a miss.
func (m *Metrics) RecordCacheLookup(kind string) {
	if m == nil {
		return
	}
	m.CacheQueries.Inc()
	if kind == "" {
		m.CacheMisses.Inc()
		return
	}
	m.CacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheEvictions counts entries removed by maintenance.
func (m *Metrics) RecordCacheEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

// RecordPatternMatch counts a returned match by scoring path.
func (m *Metrics) RecordPatternMatch(path string) {
	if m == nil {
		return
	}
	m.PatternMatches.WithLabelValues(path).Inc()
}

// RecordScorerCall observes a remote scorer call and counts fallbacks.
func (m *Metrics) RecordScorerCall(duration time.Duration, fellBack bool) {
	if m == nil {
		return
	}
	m.ScorerDuration.Observe(duration.Seconds())
	if fellBack {
		m.ScorerFallbacks.Inc()
	}
}

// RecordOperation records a core operation with its status.
func (m *Metrics) RecordOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
