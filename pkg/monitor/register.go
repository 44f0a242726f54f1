package monitor

import (
	"fmt"

	"github.com/pgpilot/pgpilot/pkg/types"
)

// RegisterNodeRequest carries everything a keeper sends when it first
// contacts the monitor.
type RegisterNodeRequest struct {
	Formation         string
	Host              string
	Port              int
	DBName            string
	Name              string
	SystemIdentifier  uint64
	DesiredNodeID     int64 // -1 for auto
	DesiredGroupID    int   // -1 for auto
	InitialState      types.ReplicationState
	NodeKind          types.NodeKind
	CandidatePriority int
	ReplicationQuorum bool
	ClusterTag        string
}

// NodeAssignment is what the monitor hands back to a keeper: its identity
// and the goal state to converge toward.
type NodeAssignment struct {
	NodeID            int64                  `json:"nodeId"`
	GroupID           int                    `json:"groupId"`
	Name              string                 `json:"name"`
	GoalState         types.ReplicationState `json:"goalState"`
	CandidatePriority int                    `json:"candidatePriority"`
	ReplicationQuorum bool                   `json:"replicationQuorum"`
}

func assignmentFor(node *types.Node) *NodeAssignment {
	return &NodeAssignment{
		NodeID:            node.ID,
		GroupID:           node.GroupID,
		Name:              node.Name,
		GoalState:         node.GoalState,
		CandidatePriority: node.CandidatePriority,
		ReplicationQuorum: node.ReplicationQuorum,
	}
}

// RegisterNode assigns a new node to a group, picks its initial goal state
// and lets the group react, all under the formation lock.
func (m *Monitor) RegisterNode(req *RegisterNodeRequest) (*NodeAssignment, error) {
	if err := m.ensureLeader(); err != nil {
		return nil, err
	}
	if err := validateRegisterRequest(req); err != nil {
		return nil, err
	}

	flock := m.locks.formationLock(req.Formation)
	flock.Lock()
	defer flock.Unlock()

	formation, err := m.ensureFormation(req)
	if err != nil {
		return nil, err
	}

	// Same keeper calling again: registration is idempotent on host:port
	// as long as the caller reuses the node id it was assigned.
	if existing, err := m.store.GetNodeByAddr(req.Host, req.Port); err == nil {
		if req.DesiredNodeID == existing.ID {
			return assignmentFor(existing), nil
		}
		return nil, NewError(ClassInvalidObjectDefinition,
			"%s:%d is already registered as node %d in formation %q",
			req.Host, req.Port, existing.ID, existing.Formation)
	}

	groupID, err := m.pickGroup(formation, req)
	if err != nil {
		return nil, err
	}

	glock := m.locks.groupLock(req.Formation, groupID)
	glock.Lock()
	defer glock.Unlock()

	members, err := m.store.ListGroupNodes(req.Formation, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group nodes: %w", err)
	}

	goal, err := m.initialGoalState(formation, members, req)
	if err != nil {
		return nil, err
	}

	now := m.now()
	clusterTag := req.ClusterTag
	if clusterTag == "" {
		clusterTag = types.DefaultClusterTag
	}
	initial := req.InitialState
	if initial == "" {
		initial = types.StateInit
	}

	node := &types.Node{
		ID:                req.DesiredNodeID,
		Formation:         req.Formation,
		GroupID:           groupID,
		Name:              req.Name,
		Host:              req.Host,
		Port:              req.Port,
		SystemIdentifier:  req.SystemIdentifier,
		NodeKind:          req.NodeKind,
		ClusterTag:        clusterTag,
		ReportedState:     initial,
		GoalState:         goal,
		Health:            types.NodeHealthUnknown,
		ReportTime:        now,
		StateChangeTime:   now,
		CandidatePriority: req.CandidatePriority,
		ReplicationQuorum: req.ReplicationQuorum,
		CreatedAt:         now,
	}
	if node.ID <= 0 {
		node.ID = 0
	}

	if _, err := m.createNode(node); err != nil {
		return nil, err
	}

	if node.Name == "" {
		node.Name = fmt.Sprintf("node_%d", node.ID)
		if err := m.updateNode(node); err != nil {
			return nil, err
		}
	}

	if err := m.emitEvent(node, fmt.Sprintf(
		"registered node %d (%s:%d) in group %d, assigned %s",
		node.ID, node.Host, node.Port, node.GroupID, node.GoalState)); err != nil {
		return nil, err
	}

	// Let the containing group react in the same call: a single primary
	// moves to wait_primary as soon as its first standby registers.
	if err := m.ProceedGroupState(node); err != nil {
		return nil, err
	}

	if err := m.maybeBumpSyncStandbys(formation, groupID); err != nil {
		return nil, err
	}

	registered, err := m.store.GetNode(node.ID)
	if err != nil {
		return nil, err
	}
	return assignmentFor(registered), nil
}

func validateRegisterRequest(req *RegisterNodeRequest) error {
	if req.Formation == "" {
		return NewError(ClassInvalidObjectDefinition, "formation name must not be empty")
	}
	if req.Host == "" || req.Port <= 0 {
		return NewError(ClassInvalidObjectDefinition,
			"node address %q:%d is not valid", req.Host, req.Port)
	}
	if req.CandidatePriority < 0 || req.CandidatePriority > 100 {
		return NewError(ClassInvalidParameterValue,
			"candidate priority %d is outside 0..100", req.CandidatePriority)
	}
	if req.ClusterTag != "" && req.ClusterTag != types.DefaultClusterTag &&
		req.CandidatePriority != 0 {
		return NewError(ClassInvalidParameterValue,
			"read replicas (cluster tag %q) must use candidate priority 0", req.ClusterTag)
	}
	switch req.NodeKind {
	case "", types.NodeKindStandalone, types.NodeKindCitusCoordinator, types.NodeKindCitusWorker:
	default:
		return NewError(ClassInvalidParameterValue, "unknown node kind %q", req.NodeKind)
	}
	return nil
}

// ensureFormation loads the formation, creating it from this registration
// when it does not exist yet, and enforces kind/dbname uniformity.
func (m *Monitor) ensureFormation(req *RegisterNodeRequest) (*types.Formation, error) {
	kind := types.FormationKindPgsql
	if req.NodeKind == types.NodeKindCitusCoordinator || req.NodeKind == types.NodeKindCitusWorker {
		kind = types.FormationKindCitus
	}

	formation, err := m.store.GetFormation(req.Formation)
	if err != nil {
		formation = &types.Formation{
			ID:                 req.Formation,
			Kind:               kind,
			DBName:             req.DBName,
			OptSecondary:       true,
			NumberSyncStandbys: 0,
			CreatedAt:          m.now(),
		}
		if err := m.upsertFormation(formation); err != nil {
			return nil, err
		}
		return formation, nil
	}

	nodes, err := m.store.ListFormationNodes(req.Formation)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		// First node adopts kind and dbname for the formation.
		if formation.Kind != kind || formation.DBName != req.DBName {
			formation.Kind = kind
			formation.DBName = req.DBName
			if err := m.upsertFormation(formation); err != nil {
				return nil, err
			}
		}
		return formation, nil
	}

	if formation.Kind != kind {
		return nil, NewError(ClassInvalidObjectDefinition,
			"node kind %q does not match formation %q of kind %s",
			req.NodeKind, formation.ID, formation.Kind)
	}
	if req.DBName != "" && formation.DBName != req.DBName {
		return nil, NewError(ClassInvalidObjectDefinition,
			"dbname %q does not match formation %q which uses %q",
			req.DBName, formation.ID, formation.DBName)
	}
	return formation, nil
}

// pickGroup chooses the target group id for a registration.
func (m *Monitor) pickGroup(formation *types.Formation, req *RegisterNodeRequest) (int, error) {
	if formation.Kind == types.FormationKindPgsql {
		if req.DesiredGroupID > 0 {
			return 0, NewError(ClassInvalidParameterValue,
				"pgsql formations have a single group 0, cannot use group %d",
				req.DesiredGroupID)
		}
		return 0, nil
	}

	// citus: coordinator lives in group 0, workers in groups >= 1.
	if req.NodeKind == types.NodeKindCitusCoordinator {
		return 0, nil
	}
	if req.DesiredGroupID >= 0 {
		if req.DesiredGroupID == 0 {
			return 0, NewError(ClassInvalidParameterValue,
				"group 0 is reserved for the coordinator")
		}
		return req.DesiredGroupID, nil
	}

	nodes, err := m.store.ListFormationNodes(formation.ID)
	if err != nil {
		return 0, err
	}
	sizes := make(map[int]int)
	maxGroup := 0
	for _, n := range nodes {
		if n.GroupID == 0 {
			continue
		}
		sizes[n.GroupID]++
		if n.GroupID > maxGroup {
			maxGroup = n.GroupID
		}
	}
	for gid := 1; gid <= maxGroup; gid++ {
		if sizes[gid] == 0 {
			return gid, nil
		}
		if sizes[gid] == 1 && formation.OptSecondary {
			return gid, nil
		}
	}
	return maxGroup + 1, nil
}

// initialGoalState applies the registration rules of the group state
// machine: first candidate becomes single, later nodes wait for an
// upstream, and a group mid-failover asks the keeper to retry.
func (m *Monitor) initialGoalState(formation *types.Formation, members []*types.Node, req *RegisterNodeRequest) (types.ReplicationState, error) {
	if len(members) == 0 {
		if req.CandidatePriority == 0 {
			return types.StateUnknown, NewError(ClassInvalidObjectDefinition,
				"cannot register a node with candidate priority 0 as the first node of a group").
				WithHint("register a failover candidate first")
		}
		return types.StateSingle, nil
	}

	if !formation.OptSecondary {
		return types.StateUnknown, NewError(ClassFeatureNotSupported,
			"formation %q does not allow secondary nodes", formation.ID)
	}

	for _, member := range members {
		switch member.GoalState {
		case types.StateDropped:
			continue
		// A current primary, or a standby already elected for promotion,
		// is a future upstream the new node can wait on.
		case types.StateSingle, types.StateWaitPrimary, types.StatePrimary,
			types.StateJoinPrimary, types.StateApplySettings,
			types.StatePreparePromotion, types.StateFastForward,
			types.StateStopReplication:
			return types.StateWaitStandby, nil
		case types.StateReportLSN:
			// An operator-driven promotion may be pending on a group
			// whose candidates all have priority 0; new standbys can
			// still join. An election that is still collecting positions
			// cannot host a new standby yet.
			if member.ElectionPriority() == 0 {
				return types.StateWaitStandby, nil
			}
		}
	}

	return types.StateUnknown, NewError(ClassObjectNotInPrerequisiteState,
		"group %d of formation %q has no primary yet", members[0].GroupID, formation.ID).
		WithHint("retry in a moment").AsRetryable()
}

// maybeBumpSyncStandbys raises number_sync_standbys from 0 to 1 when the
// group goes from one sync-capable standby to two.
func (m *Monitor) maybeBumpSyncStandbys(formation *types.Formation, groupID int) error {
	if formation.NumberSyncStandbys != 0 {
		return nil
	}

	members, err := m.store.ListGroupNodes(formation.ID, groupID)
	if err != nil {
		return err
	}

	syncCapable := 0
	var primary *types.Node
	for _, n := range members {
		if n.GoalState.IsWritable() || n.ReportedState.IsWritable() {
			primary = n
			continue
		}
		if n.ReplicationQuorum && n.GoalState != types.StateDropped {
			syncCapable++
		}
	}
	if syncCapable != 2 {
		return nil
	}

	formation.NumberSyncStandbys = 1
	if err := m.upsertFormation(formation); err != nil {
		return err
	}

	if primary != nil {
		if err := m.emitEvent(primary,
			"two synchronous standbys registered: setting number_sync_standbys to 1"); err != nil {
			return err
		}
		if primary.ReportedState == types.StatePrimary && primary.GoalState == types.StatePrimary {
			return m.setGoalState(primary, types.StateApplySettings,
				"applying new synchronous replication settings")
		}
	}
	return nil
}
