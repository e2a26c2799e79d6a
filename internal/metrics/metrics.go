// Package metrics exposes Prometheus instrumentation for the engine and
// the weight store. All collectors hang off an injected registry; nothing
// registers globally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rampart-ai/rampart/internal/engine"
)

// Metrics implements engine.RunObserver and weightstore.Observer.
type Metrics struct {
	registry *prometheus.Registry

	classifications  *prometheus.CounterVec
	detectorOutcomes *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	runOutcomes      *prometheus.CounterVec

	weightReads   *prometheus.CounterVec
	weightFlushes prometheus.Counter
	flushErrors   prometheus.Counter
	flushedRows   prometheus.Counter
}

// New builds the collectors and registers them on registry. A nil
// registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rampart",
			Name:      "classifications_total",
			Help:      "Classification decisions by policy and class.",
		}, []string{"policy", "classification"}),
		detectorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rampart",
			Name:      "detector_outcomes_total",
			Help:      "Detector run outcomes by detector and status.",
		}, []string{"detector", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rampart",
			Name:      "run_duration_seconds",
			Help:      "End-to-end engine run duration.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"policy"}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rampart",
			Name:      "run_outcomes_total",
			Help:      "Engine run outcomes (early_exited, completed, exhausted, fail_safe).",
		}, []string{"outcome"}),
		weightReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rampart",
			Name:      "weight_store_reads_total",
			Help:      "Weight store reads by result.",
		}, []string{"result"}),
		weightFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rampart",
			Name:      "weight_store_flushes_total",
			Help:      "Weight store flush cycles.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rampart",
			Name:      "weight_store_flush_errors_total",
			Help:      "Weight store flush cycles that failed.",
		}),
		flushedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rampart",
			Name:      "weight_store_flushed_entries_total",
			Help:      "Entries persisted by successful flushes.",
		}),
	}

	registry.MustRegister(
		m.classifications,
		m.detectorOutcomes,
		m.runDuration,
		m.runOutcomes,
		m.weightReads,
		m.weightFlushes,
		m.flushErrors,
		m.flushedRows,
	)
	return m
}

// Registry returns the registry the collectors are registered on, for the
// /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDetectorOutcome implements engine.RunObserver.
func (m *Metrics) ObserveDetectorOutcome(detector string, status engine.OutcomeStatus) {
	m.detectorOutcomes.WithLabelValues(detector, status.String()).Inc()
}

// ObserveRun implements engine.RunObserver.
func (m *Metrics) ObserveRun(policy string, classification engine.Classification, outcome engine.RunOutcome, elapsed time.Duration) {
	m.classifications.WithLabelValues(policy, classification.String()).Inc()
	m.runOutcomes.WithLabelValues(outcome.String()).Inc()
	m.runDuration.WithLabelValues(policy).Observe(elapsed.Seconds())
}

// ObserveCacheRead implements weightstore.Observer.
func (m *Metrics) ObserveCacheRead(hit bool) {
	if hit {
		m.weightReads.WithLabelValues("hit").Inc()
	} else {
		m.weightReads.WithLabelValues("miss").Inc()
	}
}

// ObserveFlush implements weightstore.Observer.
func (m *Metrics) ObserveFlush(batch int, err error) {
	m.weightFlushes.Inc()
	if err != nil {
		m.flushErrors.Inc()
		return
	}
	m.flushedRows.Add(float64(batch))
}
