package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// Latency buckets in milliseconds, skewed towards the slow tail an AI
	// provider call actually has.
	latencyBuckets = []float64{
		25, 50, 100,
		250, 500, 1000,
		2500, 5000, 10000,
		30000, 60000,
	}

	GuardedCallsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_calls_total",
			Help: "Total guarded invocations by outcome",
		},
		[]string{"operation_type", "outcome"},
	)

	ViolationsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_violations_total",
			Help: "Safeguard violations by kind",
		},
		[]string{"operation_type", "kind"},
	)

	OperationLatency = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiguard_operation_latency_ms",
			Help:    "Wall-clock latency of the guarded operation in milliseconds",
			Buckets: latencyBuckets,
		},
		[]string{"operation_type"},
	)
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func Registry() *prometheus.Registry {
	return registry
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
