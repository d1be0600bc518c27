package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// OperationDuration tracks state operation latency per RPC.
var OperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "barnowl",
		Subsystem: "state",
		Name:      "operation_duration_seconds",
		Help:      "State operation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"operation", "outcome"},
)

// ProvisionsTotal counts lazy DDL provisioning attempts.
var ProvisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "barnowl",
		Subsystem: "provisioner",
		Name:      "provisions_total",
		Help:      "Schema/table provisioning attempts by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// JanitorSweepsTotal counts TTL janitor sweeps.
var JanitorSweepsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "barnowl",
		Subsystem: "janitor",
		Name:      "sweeps_total",
		Help:      "TTL janitor sweeps by outcome.",
	},
	[]string{"outcome"},
)

// JanitorRowsDeleted counts expired rows removed by the janitor.
var JanitorRowsDeleted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "barnowl",
		Subsystem: "janitor",
		Name:      "expired_rows_deleted_total",
		Help:      "Expired rows deleted by the TTL janitor.",
	},
)

// JanitorSweepDuration tracks how long a single sweep takes.
var JanitorSweepDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "barnowl",
		Subsystem: "janitor",
		Name:      "sweep_duration_seconds",
		Help:      "TTL janitor sweep duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
)

// NewMetricsRegistry creates a Prometheus registry with default and custom collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		OperationDuration,
		ProvisionsTotal,
		JanitorSweepsTotal,
		JanitorRowsDeleted,
		JanitorSweepDuration,
	)
	return reg
}
