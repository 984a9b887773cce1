// Package metrics exposes the engine's prometheus metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orgbackup"

// Job outcome labels
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Recorder owns a registry and the engine's collectors. A nil Recorder
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	archiveBytes     prometheus.Histogram
	recordsTotal     *prometheus.CounterVec
	tablesSkipped    prometheus.Counter
	filesCollected   prometheus.Counter
	cleanupTotal     *prometheus.CounterVec
	queueMessages    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	schedulesPending prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs processed by kind and outcome",
		}, []string{"kind", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"kind"}),
		archiveBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_size_bytes",
			Help:      "Size of completed backup archives",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		recordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records handled by operation",
		}, []string{"operation"}),
		tablesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_skipped_total",
			Help:      "Tables skipped during extraction",
		}),
		filesCollected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_collected_total",
			Help:      "Files copied into backups",
		}),
		cleanupTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_actions_total",
			Help:      "Items removed by the cleanup sweep",
		}, []string{"action"}),
		queueMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Queue messages handled by topic and outcome",
		}, []string{"topic", "outcome"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_breaker_state",
			Help:      "Storage circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"disk"}),
		schedulesPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedules_due",
			Help:      "Schedules found due in the last scheduler pass",
		}),
	}
}

// Registry returns the recorder's registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveJob records the outcome and duration of a job
func (r *Recorder) ObserveJob(kind, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.jobsTotal.WithLabelValues(kind, status).Inc()
	r.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveBackup records the content of a completed backup
func (r *Recorder) ObserveBackup(archiveSize, records int64, files, skippedTables int) {
	if r == nil {
		return
	}
	r.archiveBytes.Observe(float64(archiveSize))
	r.recordsTotal.WithLabelValues("extracted").Add(float64(records))
	r.filesCollected.Add(float64(files))
	r.tablesSkipped.Add(float64(skippedTables))
}

// ObserveRestore records the counts of a completed restore
func (r *Recorder) ObserveRestore(restored, updated, skipped int) {
	if r == nil {
		return
	}
	r.recordsTotal.WithLabelValues("restored").Add(float64(restored))
	r.recordsTotal.WithLabelValues("updated").Add(float64(updated))
	r.recordsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// CleanupAction counts items removed by the cleanup sweep
func (r *Recorder) CleanupAction(action string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.cleanupTotal.WithLabelValues(action).Add(float64(n))
}

// QueueMessage counts a handled queue message
func (r *Recorder) QueueMessage(topic, outcome string) {
	if r == nil {
		return
	}
	r.queueMessages.WithLabelValues(topic, outcome).Inc()
}

// SetBreakerState records the circuit breaker state of a disk
func (r *Recorder) SetBreakerState(disk string, state int) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(disk).Set(float64(state))
}

// SetSchedulesDue records how many schedules the last scheduler pass found due
func (r *Recorder) SetSchedulesDue(n int) {
	if r == nil {
		return
	}
	r.schedulesPending.Set(float64(n))
}
