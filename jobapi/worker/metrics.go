package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpo",
			Subsystem: "worker",
			Name:      "jobs_claimed_total",
			Help:      "Number of jobs claimed from the queue.",
		},
		[]string{"job_type"},
	)
	jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpo",
			Subsystem: "worker",
			Name:      "jobs_completed_total",
			Help:      "Number of jobs released as completed.",
		},
		[]string{"job_type"},
	)
	jobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpo",
			Subsystem: "worker",
			Name:      "jobs_failed_total",
			Help:      "Number of jobs released as failed.",
		},
		[]string{"job_type"},
	)
	staleJobsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vpo",
			Subsystem: "worker",
			Name:      "stale_jobs_recovered_total",
			Help:      "Number of orphaned running jobs reset to queued at startup.",
		},
	)
	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vpo",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock execution time per job.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"job_type"},
	)
)

func init() {
	prometheus.MustRegister(
		jobsClaimed, jobsCompleted, jobsFailed,
		staleJobsRecovered, jobDurationSeconds,
	)
}
