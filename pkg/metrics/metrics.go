// Package metrics exposes prometheus collectors for the build stages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name
const Namespace = "neurosource"

// DefaultStageBuckets spans sub-second inverse builds to hour-long BEM solves
var DefaultStageBuckets = []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 1800, 3600}

// Metrics holds the pipeline collectors
type Metrics struct {
	registry *prometheus.Registry

	StageDuration    *prometheus.HistogramVec
	StageErrors      *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	ExcludedSources  *prometheus.CounterVec
	BlocksComputed   prometheus.Counter
	BlocksRestored   prometheus.Counter
	ReweightingSteps prometheus.Histogram
}

// New registers the collectors on reg. A nil registry gets a fresh one so tests
// and concurrent pipelines never collide on the global default.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage.",
			Buckets:   DefaultStageBuckets,
		}, []string{"stage"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stage_errors_total",
			Help:      "Failed stage runs by error kind.",
		}, []string{"stage", "kind"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_hits_total",
			Help:      "BEM solution cache hits.",
		}, []string{"backend"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_misses_total",
			Help:      "BEM solution cache misses.",
		}, []string{"backend"}),
		ExcludedSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "excluded_sources_total",
			Help:      "Sources dropped from a forward or beamformer build.",
		}, []string{"stage"}),
		BlocksComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "forward_blocks_computed_total",
			Help:      "Gain blocks computed from scratch.",
		}),
		BlocksRestored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "forward_blocks_restored_total",
			Help:      "Gain blocks loaded from a checkpoint.",
		}),
		ReweightingSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "eloreta_iterations",
			Help:      "Reweighting iterations per eLORETA build.",
			Buckets:   prometheus.LinearBuckets(1, 5, 10),
		}),
	}
	reg.MustRegister(m.StageDuration, m.StageErrors, m.CacheHits, m.CacheMisses,
		m.ExcludedSources, m.BlocksComputed, m.BlocksRestored, m.ReweightingSteps)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records the duration since start. Safe on a nil receiver.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// StageFailed counts a failed stage run
func (m *Metrics) StageFailed(stage, kind string) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(stage, kind).Inc()
}

// CacheAccess counts a cache lookup
func (m *Metrics) CacheAccess(backend string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(backend).Inc()
	} else {
		m.CacheMisses.WithLabelValues(backend).Inc()
	}
}

// Excluded counts sources dropped by a stage
func (m *Metrics) Excluded(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExcludedSources.WithLabelValues(stage).Add(float64(n))
}

// Block counts a finished forward block
func (m *Metrics) Block(restored bool) {
	if m == nil {
		return
	}
	if restored {
		m.BlocksRestored.Inc()
	} else {
		m.BlocksComputed.Inc()
	}
}

// Reweighting records an eLORETA iteration count
func (m *Metrics) Reweighting(iterations int) {
	if m == nil {
		return
	}
	m.ReweightingSteps.Observe(float64(iterations))
}
