package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsDispatched  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_dispatched_total", Help: "Jobs handed to a runner"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_completed_total", Help: "Jobs whose analysis completed"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_failed_total", Help: "Jobs whose analysis failed"})
	JobsRejected    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_rejected_total", Help: "Jobs skipped because the subject was already in flight"})
	ReportErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_report_write_errors_total", Help: "Report files that could not be written"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_jobs_inflight", Help: "Jobs currently running"})
	JobDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "analysis_job_duration_seconds", Help: "Wall time per job", Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600}})
	ThrottleWaiting = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_jobs_throttled", Help: "Jobs waiting for a credential token"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsDispatched,
			JobsCompleted,
			JobsFailed,
			JobsRejected,
			ReportErrors,
			InFlightGauge,
			JobDuration,
			ThrottleWaiting,
		)
	})
	return promhttp.Handler()
}
