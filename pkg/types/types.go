package types

import (
	"fmt"
	"time"
)

// DefaultClusterTag marks nodes that participate in failover. Nodes tagged
// otherwise are read replicas and must keep candidate priority 0.
const DefaultClusterTag = "default"

// FormationKind defines what kind of postgres topology a formation manages.
type FormationKind string

const (
	FormationKindPgsql FormationKind = "pgsql"
	FormationKindCitus FormationKind = "citus"
)

// NodeKind defines the role a node plays inside its formation.
type NodeKind string

const (
	NodeKindStandalone       NodeKind = "standalone"
	NodeKindCitusCoordinator NodeKind = "coordinator"
	NodeKindCitusWorker      NodeKind = "worker"
)

// NodeHealth is the last verdict of the monitor-side health checks.
type NodeHealth string

const (
	NodeHealthUnknown NodeHealth = "unknown"
	NodeHealthGood    NodeHealth = "good"
	NodeHealthBad     NodeHealth = "bad"
)

// ReplicationState is the canonical state enum shared by reported and goal
// state. It is serialized as these string tags at every boundary.
type ReplicationState string

const (
	StateUnknown            ReplicationState = "unknown"
	StateInit               ReplicationState = "init"
	StateSingle             ReplicationState = "single"
	StateWaitPrimary        ReplicationState = "wait_primary"
	StatePrimary            ReplicationState = "primary"
	StateJoinPrimary        ReplicationState = "join_primary"
	StateApplySettings      ReplicationState = "apply_settings"
	StateDraining           ReplicationState = "draining"
	StateDemoteTimeout      ReplicationState = "demote_timeout"
	StateDemoted            ReplicationState = "demoted"
	StatePrepareMaintenance ReplicationState = "prepare_maintenance"
	StateMaintenance        ReplicationState = "maintenance"
	StateWaitMaintenance    ReplicationState = "wait_maintenance"
	StateCatchingUp         ReplicationState = "catchingup"
	StateSecondary          ReplicationState = "secondary"
	StateReportLSN          ReplicationState = "report_lsn"
	StatePreparePromotion   ReplicationState = "prepare_promotion"
	StateFastForward        ReplicationState = "fast_forward"
	StateStopReplication    ReplicationState = "stop_replication"
	StateWaitStandby        ReplicationState = "wait_standby"
	StateJoinSecondary      ReplicationState = "join_secondary"
	StateDropped            ReplicationState = "dropped"
)

var knownStates = map[ReplicationState]bool{
	StateUnknown: true, StateInit: true, StateSingle: true,
	StateWaitPrimary: true, StatePrimary: true, StateJoinPrimary: true,
	StateApplySettings: true, StateDraining: true, StateDemoteTimeout: true,
	StateDemoted: true, StatePrepareMaintenance: true, StateMaintenance: true,
	StateWaitMaintenance: true, StateCatchingUp: true, StateSecondary: true,
	StateReportLSN: true, StatePreparePromotion: true, StateFastForward: true,
	StateStopReplication: true, StateWaitStandby: true, StateJoinSecondary: true,
	StateDropped: true,
}

// ParseReplicationState validates a wire tag against the canonical enum.
func ParseReplicationState(s string) (ReplicationState, error) {
	state := ReplicationState(s)
	if !knownStates[state] {
		return StateUnknown, fmt.Errorf("unknown replication state %q", s)
	}
	return state, nil
}

// IsWritable reports whether a node in this state may accept writes.
// At most one node per group may be writable at any time.
func (s ReplicationState) IsWritable() bool {
	switch s {
	case StateSingle, StateWaitPrimary, StatePrimary, StateJoinPrimary:
		return true
	}
	return false
}

// IsPrimarySide reports whether this state belongs to the primary half of a
// failover handshake (a node that holds or is giving up the writable role).
func (s ReplicationState) IsPrimarySide() bool {
	switch s {
	case StateSingle, StateWaitPrimary, StatePrimary, StateJoinPrimary,
		StateApplySettings, StateDraining, StateDemoteTimeout,
		StatePrepareMaintenance:
		return true
	}
	return false
}

// IsInMaintenance reports whether the node is in or entering maintenance.
func (s ReplicationState) IsInMaintenance() bool {
	switch s {
	case StatePrepareMaintenance, StateWaitMaintenance, StateMaintenance:
		return true
	}
	return false
}

// IsBeingPromoted reports whether the node is partway through the promotion
// handshake of a failover.
func (s ReplicationState) IsBeingPromoted() bool {
	switch s {
	case StateReportLSN, StateFastForward, StatePreparePromotion,
		StateStopReplication:
		return true
	}
	return false
}

// IsStandbyRole reports whether the node currently follows a primary.
func (s ReplicationState) IsStandbyRole() bool {
	switch s {
	case StateWaitStandby, StateCatchingUp, StateSecondary, StateReportLSN,
		StateJoinSecondary:
		return true
	}
	return false
}

// Formation is a named administrative boundary grouping one or more
// replication groups of the same kind. Kind and DBName are fixed once the
// first node registers.
type Formation struct {
	ID                 string        `json:"id"`
	Kind               FormationKind `json:"kind"`
	DBName             string        `json:"dbname"`
	OptSecondary       bool          `json:"optSecondary"`
	NumberSyncStandbys int           `json:"numberSyncStandbys"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// Node is one managed postgres instance. The monitor owns the row; keepers
// only ever see their assigned goal state.
type Node struct {
	ID        int64  `json:"id"`
	Formation string `json:"formation"`
	GroupID   int    `json:"groupId"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`

	SystemIdentifier uint64   `json:"systemIdentifier"`
	NodeKind         NodeKind `json:"nodeKind"`
	ClusterTag       string   `json:"clusterTag"`

	ReportedState ReplicationState `json:"reportedState"`
	GoalState     ReplicationState `json:"goalState"`
	ReportedLSN   LSN              `json:"reportedLsn"`
	ReportedTLI   int              `json:"reportedTli"`
	PGIsRunning   bool             `json:"pgIsRunning"`
	SyncState     string           `json:"syncState"`

	Health          NodeHealth `json:"health"`
	ReportTime      time.Time  `json:"reportTime"`
	HealthCheckTime time.Time  `json:"healthCheckTime"`
	StateChangeTime time.Time  `json:"stateChangeTime"`

	CandidatePriority int  `json:"candidatePriority"`
	ReplicationQuorum bool `json:"replicationQuorum"`

	// PriorityBoost is the internal election adjustment: +101 on a node an
	// operator is promoting, -100 on a primary an operator is failing over
	// from. It never shows up in CandidatePriority, which stays the value
	// the operator set.
	PriorityBoost int `json:"priorityBoost,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ElectionPriority is the priority elections actually compare: the
// operator-set candidate priority plus the transient internal boost.
func (n *Node) ElectionPriority() int {
	return n.CandidatePriority + n.PriorityBoost
}

// Addr returns the host:port pair keepers are reachable on.
func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// IsWritable reports whether this node is the writable member of its group,
// counting a node as writable while either side of its state says so.
func (n *Node) IsWritable() bool {
	return n.ReportedState.IsWritable() || n.GoalState.IsWritable()
}

// IsInMaintenance reports whether either side of the node state is in
// maintenance.
func (n *Node) IsInMaintenance() bool {
	return n.ReportedState.IsInMaintenance() || n.GoalState.IsInMaintenance()
}

// Event is one row of the append-only state transition log.
type Event struct {
	ID                int64            `json:"id"`
	Time              time.Time        `json:"time"`
	Formation         string           `json:"formation"`
	GroupID           int              `json:"groupId"`
	NodeID            int64            `json:"nodeId"`
	NodeName          string           `json:"nodeName"`
	Host              string           `json:"host"`
	Port              int              `json:"port"`
	ReportedState     ReplicationState `json:"reportedState"`
	GoalState         ReplicationState `json:"goalState"`
	ReportedLSN       LSN              `json:"reportedLsn"`
	ReportedTLI       int              `json:"reportedTli"`
	CandidatePriority int              `json:"candidatePriority"`
	ReplicationQuorum bool             `json:"replicationQuorum"`
	Description       string           `json:"description"`
}

// NodeState is one row of current_state: both states plus the replication
// fields operators care about.
type NodeState struct {
	Node      *Node `json:"node"`
	IsPrimary bool  `json:"isPrimary"`
}
