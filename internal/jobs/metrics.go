package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lockouts prometheus.Counter
	pruned   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddLockouts counts lockout events written to the audit trail.
func (m *Metrics) AddLockouts(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.lockouts.Add(float64(count))
}

// Lockouts exposes the lockout counter for inspection.
func (m *Metrics) Lockouts() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.lockouts
}

// AddPruned counts rows removed by housekeeping jobs, labelled by table.
func (m *Metrics) AddPruned(kind string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.pruned.WithLabelValues(kind).Add(float64(rows))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	lockouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_login_lockouts_recorded_total",
		Help: "Login lockout events written to the audit trail.",
	})
	pruned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_pruned_rows_total",
		Help: "Rows removed by housekeeping jobs grouped by table.",
	}, []string{"table"})
	registerer.MustRegister(runs, failures, duration, lockouts, pruned)
	return &Metrics{runs: runs, failures: failures, duration: duration, lockouts: lockouts, pruned: pruned}
}
