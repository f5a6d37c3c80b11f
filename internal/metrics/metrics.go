// Package metrics defines Prometheus metrics for the kernel.
//
// Metric naming follows Prometheus conventions:
//   - jobmesh_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all kernel metrics; the API serves it on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// JobsTotal counts jobs by kind and terminal status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_jobs_total",
			Help: "Total jobs by kind and terminal status.",
		},
		[]string{"kind", "status"},
	)

	// JobDurationSeconds is a histogram of worker-reported job duration.
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobmesh_job_duration_seconds",
			Help:    "Duration of jobs in seconds as reported by workers.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	// DispatchesTotal counts dispatch attempts by source.
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_dispatches_total",
			Help: "Total jobs handed to the transport, by source.",
		},
		[]string{"source"},
	)

	// ThrottlesTotal counts admissions denied by the rate limiter.
	ThrottlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_throttles_total",
			Help: "Total dispatch admissions denied, by source.",
		},
		[]string{"source"},
	)

	// DedupesTotal counts jobs short-circuited by idempotency key.
	DedupesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_dedupes_total",
			Help: "Total jobs deduplicated via idempotency key.",
		},
	)

	// ChainsClosedTotal counts chain closures by terminal state.
	ChainsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_chains_closed_total",
			Help: "Total chains closed, by terminal state.",
		},
		[]string{"state"},
	)

	// SpecsDispatchedTotal counts specs materialised into jobs.
	SpecsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmesh_specs_dispatched_total",
			Help: "Total chain specs materialised into jobs.",
		},
	)

	// GuardViolationsTotal counts rejected follow-up batches by reason.
	GuardViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_guard_violations_total",
			Help: "Total follow-up batches rejected by chain guards.",
		},
		[]string{"reason"},
	)

	// SettlementsTotal counts ledger settlements by outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_settlements_total",
			Help: "Total settlement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// WorkersOnline is the number of eligible workers.
	WorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmesh_workers_online",
			Help: "Number of workers currently known and not offline.",
		},
	)

	// ActiveJobs is the number of jobs currently in working.
	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobmesh_active_jobs",
			Help: "Number of jobs currently dispatched and unreaped.",
		},
	)
)

func init() {
	Registry.MustRegister(
		JobsTotal,
		JobDurationSeconds,
		DispatchesTotal,
		ThrottlesTotal,
		DedupesTotal,
		ChainsClosedTotal,
		SpecsDispatchedTotal,
		GuardViolationsTotal,
		SettlementsTotal,
		WorkersOnline,
		ActiveJobs,
	)
}

// RecordJobFinished records metrics for a job that reached a terminal state.
func RecordJobFinished(kind, status string, duration time.Duration) {
	JobsTotal.WithLabelValues(kind, status).Inc()
	if duration > 0 {
		JobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordDispatch records one job handed to the transport.
func RecordDispatch(source string) {
	DispatchesTotal.WithLabelValues(source).Inc()
}

// RecordThrottle records one denied admission.
func RecordThrottle(source string) {
	ThrottlesTotal.WithLabelValues(source).Inc()
}

// RecordChainClosed records a chain reaching a terminal state.
func RecordChainClosed(state string) {
	ChainsClosedTotal.WithLabelValues(state).Inc()
}

// RecordGuardViolation records a rejected follow-up batch.
func RecordGuardViolation(reason string) {
	GuardViolationsTotal.WithLabelValues(reason).Inc()
}

// RecordSettlement records a settlement attempt outcome
// ("settled", "duplicate", "failed").
func RecordSettlement(outcome string) {
	SettlementsTotal.WithLabelValues(outcome).Inc()
}
