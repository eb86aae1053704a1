// Package metrics exposes job lifecycle counters and gauges in Prometheus
// format, scraped from /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates job lifecycle metrics.
type Collector struct {
	registry *prometheus.Registry

	submitted *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	cancelled *prometheus.CounterVec
	duration  *prometheus.HistogramVec

	pending prometheus.Gauge
	running prometheus.Gauge
}

// NewCollector registers all metrics on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiod_jobs_submitted_total",
			Help: "Total number of jobs accepted for processing",
		}, []string{"kind"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiod_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiod_jobs_failed_total",
			Help: "Total number of jobs that ended in failure",
		}, []string{"kind", "code"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiod_jobs_cancelled_total",
			Help: "Total number of jobs cancelled before completion",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiod_job_duration_seconds",
			Help:    "Wall-clock time from claim to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audiod_jobs_pending",
			Help: "Jobs waiting in the admission queue",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audiod_jobs_running",
			Help: "Jobs currently held by a worker",
		}),
	}

	c.registry.MustRegister(
		c.submitted, c.completed, c.failed, c.cancelled,
		c.duration, c.pending, c.running,
	)
	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) JobSubmitted(kind string) {
	c.submitted.WithLabelValues(kind).Inc()
	c.pending.Inc()
}

// JobRequeued accounts for a job put back on the queue during crash recovery.
func (c *Collector) JobRequeued() {
	c.pending.Inc()
}

func (c *Collector) JobClaimed() {
	c.pending.Dec()
	c.running.Inc()
}

func (c *Collector) JobCompleted(kind string, elapsed time.Duration) {
	c.completed.WithLabelValues(kind).Inc()
	c.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
	c.running.Dec()
}

func (c *Collector) JobFailed(kind, code string, elapsed time.Duration) {
	c.failed.WithLabelValues(kind, code).Inc()
	c.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
	c.running.Dec()
}

// JobCancelled accounts for a cancellation. wasRunning selects which gauge
// the job leaves.
func (c *Collector) JobCancelled(kind string, wasRunning bool) {
	c.cancelled.WithLabelValues(kind).Inc()
	if wasRunning {
		c.running.Dec()
	} else {
		c.pending.Dec()
	}
}
