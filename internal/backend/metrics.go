package backend

import "github.com/prometheus/client_golang/prometheus"

var (
	executorRefs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dynexec_executor_refs",
			Help: "Number of outstanding executor manager handles.",
		},
	)

	kernelLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynexec_kernel_launches_total",
			Help: "Total number of kernels launched onto device streams.",
		},
		[]string{"executor", "op"},
	)
)

func init() {
	prometheus.MustRegister(executorRefs)
	prometheus.MustRegister(kernelLaunchesTotal)
}
