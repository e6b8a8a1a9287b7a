// ============================================================================
// Taskpool Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose pool/task metrics for Prometheus monitoring
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization, Saturation,
//   Errors). Provides comprehensive pool observability.
//
// Metric Categories:
//
//   1. Task Counters - Cumulative, monotonically increasing:
//      - taskpool_tasks_enqueued_total: Total enqueued tasks
//      - taskpool_tasks_dispatched_total: Total dispatched tasks
//      - taskpool_tasks_completed_total: Total completed tasks
//      - taskpool_tasks_failed_total: Total failed tasks
//      - taskpool_tasks_crashed_total: Total tasks lost to a worker crash
//
//   2. Performance Metrics (Histogram) - Distribution stats:
//      - taskpool_task_latency_seconds: Task processing latency distribution
//        * Buckets: prometheus.DefBuckets
//        * For SLA monitoring and performance analysis
//
//   3. Status Metrics (Gauge) - Instantaneous values:
//      - taskpool_worker_respawn_seconds: Last worker replacement delay
//      - taskpool_tasks_pending: Current queued tasks
//      - taskpool_tasks_in_flight: Current executing tasks
//      - taskpool_workers_total: Current worker count
//
// Prometheus Query Examples:
//
//   # Tasks per minute
//   rate(taskpool_tasks_completed_total[1m])
//
//   # 95th percentile latency
//   histogram_quantile(0.95, taskpool_task_latency_seconds_bucket)
//
//   # Error rate
//   rate(taskpool_tasks_failed_total[5m]) / rate(taskpool_tasks_dispatched_total[5m])
//
//   # Backlog
//   taskpool_tasks_pending + taskpool_tasks_in_flight
//
// HTTP Endpoint:
//   Exposed via /metrics endpoint, scraped by Prometheus.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for a taskpool.
type Collector struct {
	tasksEnqueued   prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter
	tasksCrashed    prometheus.Counter

	taskLatency      prometheus.Histogram
	workerRespawnGap prometheus.Gauge

	tasksPending  prometheus.Gauge
	tasksInFlight prometheus.Gauge
	workersTotal  prometheus.Gauge
}

// NewCollector creates a new metrics collector and registers it against the
// default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpool_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpool_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to a worker",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpool_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpool_tasks_failed_total",
			Help: "Total number of tasks that returned an error",
		}),
		tasksCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpool_tasks_crashed_total",
			Help: "Total number of tasks lost because their worker exited",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskpool_task_latency_seconds",
			Help:    "Task processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		workerRespawnGap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpool_worker_respawn_seconds",
			Help: "Delay before the last crashed worker was replaced, in seconds",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpool_tasks_pending",
			Help: "Current number of queued tasks",
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpool_tasks_in_flight",
			Help: "Current number of executing tasks",
		}),
		workersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpool_workers_total",
			Help: "Current number of live workers",
		}),
	}

	prometheus.MustRegister(
		c.tasksEnqueued,
		c.tasksDispatched,
		c.tasksCompleted,
		c.tasksFailed,
		c.tasksCrashed,
		c.taskLatency,
		c.workerRespawnGap,
		c.tasksPending,
		c.tasksInFlight,
		c.workersTotal,
	)

	return c
}

// RecordEnqueue records a task enqueue event.
func (c *Collector) RecordEnqueue() { c.tasksEnqueued.Inc() }

// RecordDispatch records a task dispatch event.
func (c *Collector) RecordDispatch() { c.tasksDispatched.Inc() }

// RecordCompleted records a successful task completion with its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latencySeconds)
}

// RecordFailed records a task that returned an error.
func (c *Collector) RecordFailed() { c.tasksFailed.Inc() }

// RecordCrashed records a task lost to a worker crash.
func (c *Collector) RecordCrashed() { c.tasksCrashed.Inc() }

// SetWorkerRespawnGap records the delay before a crashed worker's
// replacement was spawned.
func (c *Collector) SetWorkerRespawnGap(seconds float64) {
	c.workerRespawnGap.Set(seconds)
}

// UpdatePoolStats updates the point-in-time queue/worker gauges.
func (c *Collector) UpdatePoolStats(pending, inFlight, workers int) {
	c.tasksPending.Set(float64(pending))
	c.tasksInFlight.Set(float64(inFlight))
	c.workersTotal.Set(float64(workers))
}

// StartServer starts the Prometheus metrics HTTP server on the given port.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
