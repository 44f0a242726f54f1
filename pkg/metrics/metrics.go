package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgpilot_nodes_total",
			Help: "Total number of nodes by reported state and health",
		},
		[]string{"reported_state", "health"},
	)

	FormationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgpilot_formations_total",
			Help: "Total number of formations",
		},
	)

	GroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgpilot_groups_total",
			Help: "Total number of replication groups",
		},
	)

	// FSM metrics
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgpilot_state_transitions_total",
			Help: "Total number of assigned goal-state transitions by target state",
		},
		[]string{"goal_state"},
	)

	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgpilot_failovers_total",
			Help: "Total number of failovers started by trigger",
		},
		[]string{"trigger"},
	)

	PromotionRefusalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgpilot_promotion_refusals_total",
			Help: "Total number of promotions refused by the data-loss guard",
		},
	)

	FSMDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgpilot_fsm_duration_seconds",
			Help:    "Time taken by one group state machine invocation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodeActiveTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgpilot_node_active_total",
			Help: "Total number of node_active heartbeats processed",
		},
	)

	EventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgpilot_events_total",
			Help: "Total number of events appended to the event log",
		},
	)

	// Health check metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgpilot_health_checks_total",
			Help: "Total number of node health checks by verdict",
		},
		[]string{"verdict"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgpilot_raft_is_leader",
			Help: "Whether this monitor is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgpilot_raft_peers_total",
			Help: "Total number of Raft peers in the monitor cluster",
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgpilot_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgpilot_api_requests_total",
			Help: "Total number of API requests by procedure and status",
		},
		[]string{"procedure", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgpilot_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"procedure"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(FormationsTotal)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(StateTransitionsTotal)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(PromotionRefusalsTotal)
	prometheus.MustRegister(FSMDuration)
	prometheus.MustRegister(NodeActiveTotal)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
