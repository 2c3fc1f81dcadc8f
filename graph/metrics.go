package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible collection for engine
// monitoring. All metrics are namespaced "dashflow".
//
// Exposed series:
//
//	dashflow_runs_total{status}              counter, one per terminal run
//	dashflow_node_latency_seconds{node,result}  histogram of node durations
//	dashflow_active_branches                 gauge of running parallel branches
//	dashflow_checkpoint_saves_total{result}  counter of save attempts
//	dashflow_semaphore_wait_seconds          histogram of permit wait time
//
// Create with NewMetrics and attach via WithMetrics. Nil disables
// collection.
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewMetrics(registry)
//	engine := graph.New(merge, ckpt, bus, graph.WithMetrics[MyState](metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	runs            *prometheus.CounterVec
	nodeLatency     *prometheus.HistogramVec
	activeBranches  prometheus.Gauge
	checkpointSaves *prometheus.CounterVec
	semaphoreWait   prometheus.Histogram
}

// NewMetrics creates and registers the engine metrics with the given
// registry. A nil registry uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashflow",
			Name:      "runs_total",
			Help:      "Terminal runs by status.",
		}, []string{"status"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dashflow",
			Name:      "node_latency_seconds",
			Help:      "Node execution duration.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 60},
		}, []string{"node", "result"}),
		activeBranches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dashflow",
			Name:      "active_branches",
			Help:      "Parallel branches currently executing.",
		}),
		checkpointSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashflow",
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoint save attempts by result.",
		}, []string{"result"}),
		semaphoreWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dashflow",
			Name:      "semaphore_wait_seconds",
			Help:      "Time branches wait for a concurrency permit.",
			Buckets:   []float64{.0001, .001, .01, .1, 1, 10},
		}),
	}
}

func (m *Metrics) observeRun(status Status) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeNode(node, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(node, result).Observe(d.Seconds())
}

func (m *Metrics) branchStarted() {
	if m == nil {
		return
	}
	m.activeBranches.Inc()
}

func (m *Metrics) branchDone() {
	if m == nil {
		return
	}
	m.activeBranches.Dec()
}

func (m *Metrics) observeCheckpoint(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.checkpointSaves.WithLabelValues(result).Inc()
}

func (m *Metrics) observeSemaphoreWait(d time.Duration) {
	if m == nil {
		return
	}
	m.semaphoreWait.Observe(d.Seconds())
}
