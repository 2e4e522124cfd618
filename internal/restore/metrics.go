package restore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mysql-backup-orchestrator/internal/jobs"
)

const metricsNamespace = "backup_orchestrator"

// Metrics is a prometheus.Collector for restore workers. A nil *Metrics
// records nothing.
type Metrics struct {
	jobsFinished     *prometheus.CounterVec
	strategyAttempts *prometheus.CounterVec
	strategyDuration *prometheus.HistogramVec
	bookkeepingDrops prometheus.Counter
}

// NewMetrics returns a new Collector
func NewMetrics() *Metrics {
	return &Metrics{
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "restore_jobs_finished_total",
				Help:      "The number of restore jobs that reached a terminal status.",
			}, []string{"type", "status"},
		),
		strategyAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "restore_strategy_attempts_total",
				Help:      "The number of dump application attempts per strategy.",
			}, []string{"strategy", "result"},
		),
		strategyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "restore_strategy_duration_seconds",
				Help:      "The time spent applying a dump, per strategy.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			}, []string{"strategy"},
		),
		bookkeepingDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "restore_bookkeeping_dropped_total",
				Help:      "The number of restore status writes given up after retries.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.jobsFinished.Describe(ch)
	m.strategyAttempts.Describe(ch)
	m.strategyDuration.Describe(ch)
	m.bookkeepingDrops.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.jobsFinished.Collect(ch)
	m.strategyAttempts.Collect(ch)
	m.strategyDuration.Collect(ch)
	m.bookkeepingDrops.Collect(ch)
}

func (m *Metrics) jobFinished(t jobs.RestoreType, status jobs.Status) {
	if m != nil {
		m.jobsFinished.WithLabelValues(string(t), string(status)).Inc()
	}
}

func (m *Metrics) strategyAttempt(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.strategyAttempts.WithLabelValues(name, result).Inc()
	m.strategyDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) bookkeepingDropped() {
	if m != nil {
		m.bookkeepingDrops.Inc()
	}
}
