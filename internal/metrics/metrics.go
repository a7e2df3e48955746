// Package metrics defines the Prometheus metrics exported by the GPU scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "pipelines_gpu_"

// Admission outcomes.
const (
	OutcomePlaced     = "placed"
	OutcomeReclaimed  = "reclaimed"
	OutcomeOverQuota  = "over_quota"
	OutcomeNoCapacity = "no_capacity"
	OutcomeInvalid    = "invalid"
	OutcomeError      = "error"
)

// Solver problems.
const (
	ProblemReclaim     = "reclaim"
	ProblemConsolidate = "consolidate"
)

// Metrics holds the scheduler collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	admissions          *prometheus.CounterVec
	evictions           prometheus.Counter
	releases            *prometheus.CounterVec
	solveDuration       *prometheus.HistogramVec
	consolidationPasses *prometheus.CounterVec
	consolidationMoves  *prometheus.CounterVec
	freeCapacity        *prometheus.GaugeVec
}

// New registers the scheduler collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "admissions_total",
				Help: "Number of resource requests by outcome",
			},
			[]string{"outcome"},
		),
		evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: metricsPrefix + "evictions_total",
				Help: "Number of low-priority jobs evicted to reclaim capacity",
			},
		),
		releases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "releases_total",
				Help: "Number of job completions, by whether an allocation was released",
			},
			[]string{"released"},
		),
		solveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "solve_duration_seconds",
				Help:    "Time spent in the optimization backend",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"problem", "status"},
		),
		consolidationPasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "consolidation_passes_total",
				Help: "Number of consolidation passes by result",
			},
			[]string{"result"},
		),
		consolidationMoves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "consolidation_moves_total",
				Help: "Number of job moves proposed and applied by consolidation",
			},
			[]string{"stage"},
		),
		freeCapacity: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricsPrefix + "node_free_capacity",
				Help: "Free GPU capacity per node after the last consolidation pass",
			},
			[]string{"node"},
		),
	}
}

func (m *Metrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) RecordRelease(released bool) {
	if m == nil {
		return
	}
	label := "false"
	if released {
		label = "true"
	}
	m.releases.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordSolve(problem, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.solveDuration.WithLabelValues(problem, status).Observe(duration.Seconds())
}

func (m *Metrics) RecordConsolidation(result string, proposed, applied int) {
	if m == nil {
		return
	}
	m.consolidationPasses.WithLabelValues(result).Inc()
	m.consolidationMoves.WithLabelValues("proposed").Add(float64(proposed))
	m.consolidationMoves.WithLabelValues("applied").Add(float64(applied))
}

func (m *Metrics) SetFreeCapacity(node string, free float64) {
	if m == nil {
		return
	}
	m.freeCapacity.WithLabelValues(node).Set(free)
}
