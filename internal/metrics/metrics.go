// Package metrics holds the Prometheus collectors of the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the daemon exports. Components take a
// *Metrics so tests can register on a private registry.
type Metrics struct {
	JobsStarted       *prometheus.CounterVec
	JobsFinished      *prometheus.CounterVec
	BytesTransferred  *prometheus.CounterVec
	ChunkRetries      *prometheus.CounterVec
	BusyWorkers       prometheus.Gauge
	QueueDepth        prometheus.Gauge
	SchedulerTriggers *prometheus.CounterVec
	RetentionDeletes  *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudbackup_jobs_started_total",
			Help: "Jobs picked up by a worker",
		}, []string{"direction"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudbackup_jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		}, []string{"direction", "state"}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudbackup_bytes_transferred_total",
			Help: "Raw volume bytes committed by transfers",
		}, []string{"direction"}),
		ChunkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudbackup_chunk_retries_total",
			Help: "Chunk transfer attempts that were retried",
		}, []string{"direction"}),
		BusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloudbackup_busy_workers",
			Help: "Workers currently running a job",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloudbackup_queue_depth",
			Help: "Jobs waiting for a worker",
		}),
		SchedulerTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudbackup_scheduler_triggers_total",
			Help: "Backups created by schedule policies",
		}, []string{"policy"}),
		RetentionDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudbackup_retention_deletes_total",
			Help: "Backups removed by retention",
		}, []string{"policy"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		m.JobsStarted,
		m.JobsFinished,
		m.BytesTransferred,
		m.ChunkRetries,
		m.BusyWorkers,
		m.QueueDepth,
		m.SchedulerTriggers,
		m.RetentionDeletes,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// NewForTest registers on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
