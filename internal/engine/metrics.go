package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"

	modeInline   = "inline"
	modePipeline = "pipeline"
)

var (
	nodeExecSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dynexec_node_exec_seconds",
			Help:    "Time from node dispatch to its completion callback, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"executor"},
	)

	nodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynexec_nodes_total",
			Help: "Total number of node completions by executor and status.",
		},
		[]string{"executor", "status"},
	)

	subgraphRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynexec_subgraph_runs_total",
			Help: "Total number of subgraph instances executed, by execution mode.",
		},
		[]string{"mode"},
	)

	readyQueuePushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dynexec_ready_queue_pushes_total",
			Help: "Total number of prepared nodes pushed onto ready queues.",
		},
	)
)

func init() {
	prometheus.MustRegister(nodeExecSeconds)
	prometheus.MustRegister(nodesTotal)
	prometheus.MustRegister(subgraphRunsTotal)
	prometheus.MustRegister(readyQueuePushesTotal)

	for _, mode := range []string{modeInline, modePipeline} {
		subgraphRunsTotal.WithLabelValues(mode)
	}
}
