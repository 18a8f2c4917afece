// Package metrics exposes the process's Prometheus instrumentation on a
// private registry so tests never collide on the global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contribtracker"

// Metrics holds every collector the application registers.
type Metrics struct {
	registry *prometheus.Registry

	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	StoreLatency     *prometheus.HistogramVec
	BroadcastsTotal  *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SessionsEvicted  prometheus.Counter
	InvitesExpired   prometheus.Counter
	WorkerQueueDepth prometheus.Gauge
	TasksDropped     prometheus.Counter
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache lookups served without touching the store.",
		}, []string{"region"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache lookups that fell through to the store.",
		}, []string{"region"}),
		StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_duration_seconds",
			Help:      "Latency of store operations by name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Fan-out messages sent, by kind.",
		}, []string{"kind"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Currently registered subscriber sessions.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions dropped by the staleness sweep.",
		}),
		InvitesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_expired_total",
			Help:      "Pending invitations evicted after their TTL.",
		}),
		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Tasks waiting in the background worker queue.",
		}),
		TasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_dropped_total",
			Help:      "Tasks rejected because the worker queue was full.",
		}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.StoreLatency, m.BroadcastsTotal,
		m.SessionsActive, m.SessionsEvicted, m.InvitesExpired,
		m.WorkerQueueDepth, m.TasksDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
