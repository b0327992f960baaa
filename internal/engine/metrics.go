package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redteam_job_transitions_total",
			Help: "Total number of job status transitions.",
		},
		[]string{"status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redteam_job_duration_seconds",
			Help:    "Job execution duration in seconds, by terminal status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "redteam_jobs_in_flight",
			Help: "Number of job executions currently dispatched.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobTransitionsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(jobsInFlight)
}

func observeTransition(status string, durationMS *int64) {
	jobTransitionsTotal.WithLabelValues(status).Inc()
	if durationMS != nil {
		jobDuration.WithLabelValues(status).Observe(float64(*durationMS) / 1000)
	}
}
