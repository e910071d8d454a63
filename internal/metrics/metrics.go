// Package metrics defines the dispatcher/agent's Prometheus collectors
// (spec §7 observability surface): lease latency and outcome counts,
// and node execution duration, registered against the default
// registry so promhttp.Handler() picks them up with no extra wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LeaseAttempts counts Dispatcher.Poll outcomes by queue and result
	// ("leased", "empty", "error"), split by queue ("job", "ephemeral").
	LeaseAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synqx",
		Subsystem: "dispatcher",
		Name:      "lease_attempts_total",
		Help:      "Job/ephemeral lease attempts by queue and outcome.",
	}, []string{"queue", "outcome"})

	// LeaseLatency observes the time spent inside Dispatcher.Poll,
	// including payload construction (spec §4.8 step 4).
	LeaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "synqx",
		Subsystem: "dispatcher",
		Name:      "lease_latency_seconds",
		Help:      "Time spent leasing and building a job payload.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"})

	// NodeDuration observes per-node execution time from the Parallel
	// Runner (spec §4.6), labeled by operator_type and terminal status.
	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "synqx",
		Subsystem: "runner",
		Name:      "node_duration_seconds",
		Help:      "Node execution duration by operator type and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operator_type", "status"})
)
