package backup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mysql-backup-orchestrator/internal/jobs"
)

const metricsNamespace = "backup_orchestrator"

// Metrics is a prometheus.Collector for backup workers. A nil *Metrics
// records nothing.
type Metrics struct {
	jobsFinished  *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	activeWorkers prometheus.Gauge
	artifactBytes prometheus.Histogram
	reaped        *prometheus.CounterVec
}

// NewMetrics returns a new Collector
func NewMetrics() *Metrics {
	return &Metrics{
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backup_jobs_finished_total",
				Help:      "The number of backup jobs that reached a terminal status.",
			}, []string{"type", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "backup_phase_duration_seconds",
				Help:      "The time spent in each backup phase.",
				Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
			}, []string{"phase", "result"},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "backup_active_workers",
				Help:      "The number of backup workers running in this process.",
			},
		),
		artifactBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "backup_artifact_bytes",
				Help:      "The compressed size of completed backup artifacts.",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 10),
			},
		),
		reaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backup_jobs_reaped_total",
				Help:      "The number of stuck backup jobs the reaper finalized.",
			}, []string{"status"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.jobsFinished.Describe(ch)
	m.phaseDuration.Describe(ch)
	m.activeWorkers.Describe(ch)
	m.artifactBytes.Describe(ch)
	m.reaped.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.jobsFinished.Collect(ch)
	m.phaseDuration.Collect(ch)
	m.activeWorkers.Collect(ch)
	m.artifactBytes.Collect(ch)
	m.reaped.Collect(ch)
}

func (m *Metrics) workerStarted() {
	if m != nil {
		m.activeWorkers.Inc()
	}
}

func (m *Metrics) workerStopped() {
	if m != nil {
		m.activeWorkers.Dec()
	}
}

func (m *Metrics) jobFinished(job *jobs.BackupJob) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	if job.Status == jobs.StatusCompleted && job.CompressedSize > 0 {
		m.artifactBytes.Observe(float64(job.CompressedSize))
	}
}

func (m *Metrics) phase(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.phaseDuration.WithLabelValues(name, result).Observe(d.Seconds())
}

func (m *Metrics) jobReaped(status jobs.Status) {
	if m != nil {
		m.reaped.WithLabelValues(string(status)).Inc()
	}
}
