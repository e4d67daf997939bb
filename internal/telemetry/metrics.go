package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the daemon's Prometheus surface: queue depth, worker
// throughput, and search latency. Each Metrics owns an isolated
// registry rather than the global DefaultRegisterer, so repeated
// construction (tests, daemon restarts within one process) never
// panics on duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth       *prometheus.GaugeVec
	WorkerProcessed  *prometheus.CounterVec
	WorkerDuration   *prometheus.HistogramVec
	SearchLatency    *prometheus.HistogramVec
	SearchPartial    *prometheus.CounterVec
	ActiveWorkspaces prometheus.Gauge
}

// NewMetrics builds a fresh, isolated registry — never the global
// prometheus.DefaultRegisterer — so multiple daemons in the same test
// binary (or a restarted daemon within one process) never collide on
// duplicate registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sari_queue_depth",
			Help: "Current depth of the coordinator's fair and priority queues.",
		}, []string{"root_id", "lane"}),
		WorkerProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sari_worker_tasks_total",
			Help: "Total files processed by the worker pipeline, by outcome.",
		}, []string{"root_id", "kind"}),
		WorkerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sari_worker_task_duration_seconds",
			Help:    "Time spent processing one file through the worker pipeline.",
			Buckets: prometheus.DefBuckets,
		}, []string{"root_id"}),
		SearchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sari_search_latency_seconds",
			Help:    "Time spent serving one search query, by engine.",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}),
		SearchPartial: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sari_search_partial_total",
			Help: "Total search responses served with partial=true (degraded DB health).",
		}, []string{"root_id"}),
		ActiveWorkspaces: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sari_active_workspaces",
			Help: "Number of workspace roots currently bound in the daemon registry.",
		}),
	}
}

// Handler exposes the registry at /metrics via promhttp, for a daemon
// that chooses to serve metrics over its own loopback listener or a
// side HTTP port.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveWorkerTask records one worker pipeline pass.
func (m *Metrics) ObserveWorkerTask(rootID, kind string, d time.Duration) {
	m.WorkerProcessed.WithLabelValues(rootID, kind).Inc()
	m.WorkerDuration.WithLabelValues(rootID).Observe(d.Seconds())
}

// ObserveSearch records one search query's latency and engine.
func (m *Metrics) ObserveSearch(engine string, partial bool, rootID string, d time.Duration) {
	m.SearchLatency.WithLabelValues(engine).Observe(d.Seconds())
	if partial {
		m.SearchPartial.WithLabelValues(rootID).Inc()
	}
}

// SetQueueDepth records the coordinator's current queue depth for one
// root/lane pair ("fair" or "priority").
func (m *Metrics) SetQueueDepth(rootID, lane string, depth int) {
	m.QueueDepth.WithLabelValues(rootID, lane).Set(float64(depth))
}
