// Package metrics exposes queue activity in prometheus format
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/co5dt/pqueue/app/enums"
)

// Collector keeps queue metrics on its own registry. A nil Collector ignores all calls.
type Collector struct {
	registry *prometheus.Registry

	submitted prometheus.Counter
	started   prometheus.Counter
	finished  *prometheus.CounterVec
	restored  prometheus.Counter
	duration  prometheus.Histogram
	pending   prometheus.Gauge
	running   prometheus.Gauge
	paused    prometheus.Gauge
}

// NewCollector makes collector with all metrics registered
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pqueue_jobs_submitted_total",
			Help: "Total number of jobs accepted into the queue",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pqueue_jobs_started_total",
			Help: "Total number of jobs handed to the executor",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pqueue_jobs_finished_total",
			Help: "Total number of finished jobs by outcome",
		}, []string{"status"}),
		restored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pqueue_jobs_restored_total",
			Help: "Total number of pending jobs restored from the database on startup",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pqueue_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pqueue_jobs_pending",
			Help: "Current number of queued jobs",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pqueue_jobs_running",
			Help: "Current number of running jobs",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pqueue_paused",
			Help: "1 if the queue is paused",
		}),
	}
	c.registry.MustRegister(c.submitted, c.started, c.finished, c.restored, c.duration, c.pending, c.running, c.paused,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return c
}

// Handler returns http handler serving the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Submitted counts accepted submissions
func (c *Collector) Submitted() {
	if c == nil {
		return
	}
	c.submitted.Inc()
}

// Started counts jobs handed to the executor
func (c *Collector) Started() {
	if c == nil {
		return
	}
	c.started.Inc()
}

// Finished counts a finished job and observes its duration
func (c *Collector) Finished(status enums.JobStatus, durationSec float64) {
	if c == nil {
		return
	}
	c.finished.WithLabelValues(status.String()).Inc()
	if durationSec >= 0 {
		c.duration.Observe(durationSec)
	}
}

// Restored counts jobs restored on startup
func (c *Collector) Restored(n int) {
	if c == nil {
		return
	}
	c.restored.Add(float64(n))
}

// SetQueue sets queue gauges
func (c *Collector) SetQueue(pending, running int, paused bool) {
	if c == nil {
		return
	}
	c.pending.Set(float64(pending))
	c.running.Set(float64(running))
	if paused {
		c.paused.Set(1)
		return
	}
	c.paused.Set(0)
}
