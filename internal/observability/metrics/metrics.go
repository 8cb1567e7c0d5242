package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "appointment_sync"

// SyncMetrics exposes counters/histograms for reconciliation passes.
type SyncMetrics struct {
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	recordsTotal *prometheus.CounterVec
	lastSuccess  prometheus.Gauge
	cleanupTotal prometheus.Counter
	busyRejected prometheus.Counter
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total sync passes by source and result",
		}, []string{"source", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync passes",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 7200},
		}, []string{"source"}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Feed records by pipeline outcome",
		}, []string{"outcome"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sync pass",
		}),
		cleanupTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Appointments removed by the retention job",
		}),
		busyRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "busy_rejections_total",
			Help:      "Sync requests rejected because a pass was already running",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.runsTotal, m.runDuration, m.recordsTotal, m.lastSuccess, m.cleanupTotal, m.busyRejected)
	return m
}

// ObserveRun records the result and duration of one pass.
func (m *SyncMetrics) ObserveRun(source string, success bool, duration time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
		m.lastSuccess.Set(float64(finishedAt.Unix()))
	}
	m.runsTotal.WithLabelValues(source, result).Inc()
	m.runDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// AddRecords counts records reaching a pipeline outcome such as "matched".
func (m *SyncMetrics) AddRecords(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *SyncMetrics) ObserveCleanup(deleted int64) {
	if m == nil || deleted <= 0 {
		return
	}
	m.cleanupTotal.Add(float64(deleted))
}

func (m *SyncMetrics) ObserveBusy() {
	if m == nil {
		return
	}
	m.busyRejected.Inc()
}

// NotifyMetrics exposes counters for reminder delivery.
type NotifyMetrics struct {
	outcomesTotal *prometheus.CounterVec
	retriesTotal  prometheus.Counter
}

func NewNotifyMetrics(reg prometheus.Registerer) *NotifyMetrics {
	m := &NotifyMetrics{
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "outcomes_total",
			Help:      "Reminder delivery outcomes",
		}, []string{"outcome"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "rate_limit_retries_total",
			Help:      "Sends retried after a rate-limit response",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.outcomesTotal, m.retriesTotal)
	return m
}

func (m *NotifyMetrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(outcome).Inc()
}

func (m *NotifyMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}
