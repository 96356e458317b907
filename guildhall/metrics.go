package guildhall

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
	"strconv"
	"time"
)

const metricsNamespace = "guildhall"

// Metrics holds the prometheus collectors for task controllers, the
// API and the discord gateway. Each instance has its own registry.
type Metrics struct {
	registry *prometheus.Registry

	tasksAdded     *prometheus.CounterVec
	tasksSucceeded *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec
	tasksLost      *prometheus.CounterVec
	taskMapSize    *prometheus.GaugeVec
	jobDuration    *prometheus.HistogramVec

	apiRequests    *prometheus.CounterVec
	cooldownDelays prometheus.Counter
	gatewayEvents  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tasks_added_total",
				Help:      "Tasks added to a controller's queue",
			}, []string{"controller"},
		),
		tasksSucceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tasks_succeeded_total",
				Help:      "Tasks which completed successfully",
			}, []string{"controller"},
		),
		tasksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tasks_failed_total",
				Help:      "Tasks which failed their final attempt",
			}, []string{"controller"},
		),
		tasksRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tasks_retried_total",
				Help:      "Failed attempts which were requeued",
			}, []string{"controller"},
		),
		tasksLost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tasks_lost_total",
				Help:      "Jobs processed with no in-memory task context",
			}, []string{"controller"},
		),
		taskMapSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "task_map_size",
				Help:      "In-flight tasks tracked in memory",
			}, []string{"controller"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "job_duration_seconds",
				Help:      "Time from a job's last start to completion",
				Buckets:   prometheus.DefBuckets,
			}, []string{"controller", "state"},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "api_requests_total",
				Help:      "API requests by route and status",
			}, []string{"method", "route", "status"},
		),
		cooldownDelays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cooldown_delays_total",
				Help:      "Commands delayed by the per-user cooldown",
			},
		),
		gatewayEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "gateway_events_total",
				Help:      "Discord gateway events handled",
			}, []string{"event"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasksAdded,
		m.tasksSucceeded,
		m.tasksFailed,
		m.tasksRetried,
		m.tasksLost,
		m.taskMapSize,
		m.jobDuration,
		m.apiRequests,
		m.cooldownDelays,
		m.gatewayEvents,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) taskAdded(controller string, mapSize int) {
	if m == nil {
		return
	}
	m.tasksAdded.WithLabelValues(controller).Inc()
	m.taskMapSize.WithLabelValues(controller).Set(float64(mapSize))
}

func (m *Metrics) taskSucceeded(controller string, job *Job) {
	if m == nil {
		return
	}
	m.tasksSucceeded.WithLabelValues(controller).Inc()
	m.observeJob(controller, job)
}

func (m *Metrics) taskFailed(controller string, job *Job) {
	if m == nil {
		return
	}
	m.tasksFailed.WithLabelValues(controller).Inc()
	m.observeJob(controller, job)
}

func (m *Metrics) taskRetried(controller string) {
	if m == nil {
		return
	}
	m.tasksRetried.WithLabelValues(controller).Inc()
}

func (m *Metrics) taskLost(controller string) {
	if m == nil {
		return
	}
	m.tasksLost.WithLabelValues(controller).Inc()
}

func (m *Metrics) setTaskMapSize(controller string, size int) {
	if m == nil {
		return
	}
	m.taskMapSize.WithLabelValues(controller).Set(float64(size))
}

func (m *Metrics) observeJob(controller string, job *Job) {
	if job == nil || job.StartedAt == nil || job.FinishedAt == nil {
		return
	}
	elapsed := time.Duration(*job.FinishedAt-*job.StartedAt) * time.Millisecond
	m.jobDuration.WithLabelValues(controller, string(job.State)).Observe(elapsed.Seconds())
}

func (m *Metrics) apiRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) cooldownDelayed() {
	if m == nil {
		return
	}
	m.cooldownDelays.Inc()
}

func (m *Metrics) gatewayEvent(event string) {
	if m == nil {
		return
	}
	m.gatewayEvents.WithLabelValues(event).Inc()
}
