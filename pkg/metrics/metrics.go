package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_ticks_total",
			Help: "Total number of cluster ticks by chosen action",
		},
		[]string{"action"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_tick_duration_seconds",
			Help:    "Wall-clock time spent applying one tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	FaultsEnabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_faults_enabled",
			Help: "Whether a fault injector is enabled (1) or disabled (0)",
		},
		[]string{"fault"},
	)

	// Network metrics
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_messages_sent_total",
			Help: "Total number of messages sent by source host kind",
		},
		[]string{"src"},
	)

	MessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_messages_dropped_total",
			Help: "Total number of messages dropped by the network",
		},
	)

	NetworkInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_network_in_flight",
			Help: "Number of messages currently in flight",
		},
	)

	// API server metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_api_requests_total",
			Help: "Total number of API requests by op and result",
		},
		[]string{"op", "result"},
	)

	EtcdObjects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_etcd_objects",
			Help: "Number of objects stored in etcd by kind",
		},
		[]string{"kind"},
	)

	// Reconcile metrics
	ReconcilePassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_reconcile_passes_total",
			Help: "Total number of finished reconcile passes by controller and result",
		},
		[]string{"controller", "result"},
	)

	ReconcileStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_reconcile_steps_total",
			Help: "Total number of reconcile steps by controller and resulting step",
		},
		[]string{"controller", "step"},
	)

	ReconcilePassTicks = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_reconcile_pass_ticks",
			Help:    "Cluster ticks between start and finish of a reconcile pass",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"controller"},
	)

	ReconcilesScheduled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_reconciles_scheduled",
			Help: "Number of scheduled reconciles by controller",
		},
		[]string{"controller"},
	)

	ReconcilesOngoing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_reconciles_ongoing",
			Help: "Number of ongoing reconciles by controller",
		},
		[]string{"controller"},
	)

	ControllerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_controller_crashes_total",
			Help: "Total number of injected controller crashes",
		},
		[]string{"controller"},
	)

	// Checker metrics
	InvariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_invariant_violations_total",
			Help: "Total number of invariant violations by invariant",
		},
		[]string{"invariant"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(FaultsEnabled)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(NetworkInFlight)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(EtcdObjects)
	prometheus.MustRegister(ReconcilePassesTotal)
	prometheus.MustRegister(ReconcileStepsTotal)
	prometheus.MustRegister(ReconcilePassTicks)
	prometheus.MustRegister(ReconcilesScheduled)
	prometheus.MustRegister(ReconcilesOngoing)
	prometheus.MustRegister(ControllerCrashes)
	prometheus.MustRegister(InvariantViolations)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolGauge converts a toggle into a gauge value
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
