package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Membership metrics
	MembersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slurmsync_members_total",
			Help: "Registered members by role and state",
		},
		[]string{"role", "state"},
	)

	MembersReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slurmsync_members_ready",
			Help: "Active members that acknowledged the current target",
		},
	)

	MembershipEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slurmsync_membership_events_total",
			Help: "Membership events received by action and result",
		},
		[]string{"action", "result"},
	)

	// Configuration and secret metrics
	ConfigVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slurmsync_config_version",
			Help: "Current published configuration version",
		},
	)

	SecretGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slurmsync_secret_generation",
			Help: "Current cluster secret generation",
		},
	)

	SecretGenerationsRetained = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slurmsync_secret_generations_retained",
			Help: "Secret generations still retained, current included",
		},
	)

	SecretRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slurmsync_secret_rotations_total",
			Help: "Total number of secret rotations",
		},
	)

	// Reconciliation metrics
	Converged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slurmsync_converged",
			Help: "Whether every active member acknowledged the current target (1 = converged)",
		},
	)

	Halted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slurmsync_distribution_halted",
			Help: "Whether distribution is halted by an invariant violation (1 = halted)",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slurmsync_reconcile_duration_seconds",
			Help:    "Time taken by one reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	PushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slurmsync_pushes_total",
			Help: "Distribution pushes by payload kind and result",
		},
		[]string{"kind", "result"},
	)

	PushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slurmsync_push_duration_seconds",
			Help:    "Distribution push duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	HandoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slurmsync_controller_handoffs_total",
			Help: "Controller handoffs by outcome",
		},
		[]string{"outcome"},
	)

	InvariantViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slurmsync_invariant_violations_total",
			Help: "Times synthesis found zero or several authoritative controllers",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slurmsync_raft_is_leader",
			Help: "Whether this manager is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slurmsync_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slurmsync_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slurmsync_api_requests_total",
			Help: "Total number of API calls by method and gRPC code",
		},
		[]string{"method", "code"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slurmsync_api_request_duration_seconds",
			Help:    "API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Agent metrics
	BundlesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slurmsync_agent_bundles_total",
			Help: "Bundles received by the agent by payload kind and result",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(MembersTotal)
	prometheus.MustRegister(MembersReady)
	prometheus.MustRegister(MembershipEventsTotal)
	prometheus.MustRegister(ConfigVersion)
	prometheus.MustRegister(SecretGeneration)
	prometheus.MustRegister(SecretGenerationsRetained)
	prometheus.MustRegister(SecretRotationsTotal)
	prometheus.MustRegister(Converged)
	prometheus.MustRegister(Halted)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(PushesTotal)
	prometheus.MustRegister(PushDuration)
	prometheus.MustRegister(HandoffsTotal)
	prometheus.MustRegister(InvariantViolationsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(BundlesAppliedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolGauge sets g to 1 when v is true and 0 otherwise
func BoolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
