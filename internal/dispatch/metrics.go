// Prometheus instrumentation for the dispatch loop. Labels stay
// low-cardinality: platform and outcome only, never tenant or job IDs.
package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	// publishAttempts counts finished publish attempts by platform and
	// three-way outcome.
	publishAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_publish_attempts_total",
			Help: "Completed publish attempts by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	// jobsSkipped counts jobs a scan looked at but did not dispatch, by the
	// reason admission stopped.
	jobsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_skipped_total",
			Help: "Jobs skipped during a scan, by reason (rate_limited, quota_denied, quota_error, claim_lost).",
		},
		[]string{"reason"},
	)

	// staleReclaims counts PUBLISHING rows reclaimed after a worker died
	// mid-attempt.
	staleReclaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_stale_reclaims_total",
			Help: "Publish jobs reclaimed from a stale PUBLISHING state.",
		},
	)

	// inflight gauges publish calls currently outstanding.
	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_inflight_publishes",
			Help: "Publish calls currently in flight.",
		},
	)

	// scanDuration records how long one full scan cycle takes, including
	// waiting for its dispatched jobs.
	scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_scan_duration_seconds",
			Help:    "Duration of dispatch scan cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// jobsByStatus gauges the job table, refreshed at the start of each scan.
	jobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "publish_jobs_by_status",
			Help: "Publish jobs currently in each lifecycle status.",
		},
		[]string{"status"},
	)

	// oldestDueAge gauges scan-loop lag: how long the oldest overdue
	// scheduled job has been waiting.
	oldestDueAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_oldest_due_age_seconds",
			Help: "Age of the oldest overdue scheduled job in seconds.",
		},
	)
)

func init() {
	prometheus.MustRegister(publishAttempts, jobsSkipped, staleReclaims, inflight, scanDuration,
		jobsByStatus, oldestDueAge)
}
