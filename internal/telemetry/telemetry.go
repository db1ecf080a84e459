package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dim"

var (
	// LeaseTransitions counts lease events: acquired, refreshed, conflict, deleted, released
	LeaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_transitions_total",
			Help:      "Leader lease state transitions",
		},
		[]string{"event"},
	)

	// LeaderUnresponsive counts failed pings of the recorded leader
	LeaderUnresponsive = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leader_unresponsive_total",
			Help:      "Liveness pings of the leader that got no response",
		},
	)

	// Rebalances counts global rebalances by status: ok, error, skipped
	Rebalances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Global rebalances run by the leader",
		},
		[]string{"status"},
	)

	RebalanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebalance_duration_seconds",
			Help:      "Duration of global rebalances",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2, 5, 10},
		},
	)

	DispatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Batches that could not be delivered to a node",
		},
	)

	Reconciliations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Local reconciliations of the managed instance set",
		},
	)

	InstancesManaged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_managed",
			Help:      "Instances currently in the local table",
		},
	)

	// InstancesCreated counts creations by status: ok, error
	InstancesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_created_total",
			Help:      "Instance creations",
		},
		[]string{"status"},
	)

	InstancesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_removed_total",
			Help:      "Instances removed from the local table",
		},
	)

	TeardownFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_failures_total",
			Help:      "Instance disconnections that returned an error",
		},
	)

	ProbeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Instance health probes that failed",
		},
	)
)

// ObserveSince records the time elapsed since start on h
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
