// Package metrics exposes Prometheus collectors for the engine, transfer
// coordinator, and sweeper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "somaworkflow_jobs_by_status",
			Help: "Current number of non-terminal jobs in each status",
		},
		[]string{"status"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "somaworkflow_jobs_submitted_total",
			Help: "Total number of jobs submitted to the DRM adapter",
		},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "somaworkflow_jobs_failed_total",
			Help: "Total number of jobs that ended FAILED, by cause",
		},
		[]string{"cause"},
	)

	SchedulingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "somaworkflow_scheduling_cycle_duration_seconds",
			Help:    "Time taken by one engine scheduling cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	DRMSubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "somaworkflow_drm_submit_duration_seconds",
			Help:    "Time taken for a DRM adapter Submit call, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	DRMRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "somaworkflow_drm_retries_total",
			Help: "Total number of bounded-backoff retries against the DRM adapter",
		},
	)

	TransferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "somaworkflow_transfer_bytes_total",
			Help: "Total bytes moved through the transfer coordinator, by direction",
		},
		[]string{"direction"},
	)

	SweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "somaworkflow_sweep_cycles_total",
			Help: "Total number of expiration sweep cycles completed",
		},
	)

	SweptEntitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "somaworkflow_swept_entities_total",
			Help: "Total number of entities disposed by the sweeper, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(SchedulingCycleDuration)
	prometheus.MustRegister(DRMSubmitDuration)
	prometheus.MustRegister(DRMRetriesTotal)
	prometheus.MustRegister(TransferBytesTotal)
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(SweptEntitiesTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
