package monitor

import (
	"fmt"

	"github.com/pgpilot/pgpilot/pkg/types"
)

// PerformFailover orchestrates a failover of the given group: the two-node
// handshake with a single standby, the multi-standby election otherwise. In
// the multi-standby case the outgoing primary is disadvantaged in the
// election so it does not win its own succession.
func (m *Monitor) PerformFailover(formationID string, groupID int) error {
	if err := m.ensureLeader(); err != nil {
		return err
	}

	flock := m.locks.formationLock(formationID)
	flock.Lock()
	defer flock.Unlock()

	glock := m.locks.groupLock(formationID, groupID)
	glock.Lock()
	defer glock.Unlock()

	g, err := m.loadGroup(formationID, groupID)
	if err != nil {
		return err
	}

	var primary *types.Node
	for _, n := range g.nodes {
		if n.GoalState.IsWritable() {
			primary = n
		}
	}
	if primary == nil {
		return NewError(ClassObjectNotInPrerequisiteState,
			"group %d of formation %q has no primary to fail over", groupID, formationID)
	}

	candidates := 0
	for _, n := range g.activeMembers() {
		if n.ID == primary.ID {
			continue
		}
		switch n.GoalState {
		case types.StateSecondary, types.StateCatchingUp:
			if n.ElectionPriority() > 0 {
				candidates++
			}
		}
	}
	if candidates == 0 {
		return NewError(ClassObjectNotInPrerequisiteState,
			"group %d of formation %q has no failover candidate", groupID, formationID).
			WithHint("check candidate priorities and node health")
	}

	if len(g.activeMembers()) > 2 {
		primary.PriorityBoost = -failoverPenalty
		if err := m.updateNode(primary); err != nil {
			return err
		}
	}

	g.active = primary
	return m.startFailoverWithTrigger(g, primary, "failover requested by operator", "manual")
}

// PerformPromotion promotes the named node: with a single standby this is
// exactly a failover, otherwise the target's election priority is boosted
// above every user-settable value before the election starts. Returns true
// when a failover is now in progress.
func (m *Monitor) PerformPromotion(formationID, name string) (bool, error) {
	if err := m.ensureLeader(); err != nil {
		return false, err
	}

	node, err := m.store.GetNodeByName(formationID, name)
	if err != nil {
		return false, NewError(ClassUndefinedObject,
			"formation %q has no node named %q", formationID, name)
	}

	if node.GoalState.IsWritable() {
		// Nothing to promote; not an error, but no failover either.
		return false, nil
	}

	switch node.GoalState {
	case types.StateSecondary, types.StateCatchingUp:
	default:
		return false, NewError(ClassObjectNotInPrerequisiteState,
			"node %q is in state %s and cannot be promoted", name, node.GoalState)
	}

	members, err := m.store.ListGroupNodes(node.Formation, node.GroupID)
	if err != nil {
		return false, err
	}
	activeCount := 0
	for _, n := range members {
		if !n.IsInMaintenance() && n.GoalState != types.StateDropped {
			activeCount++
		}
	}

	if activeCount > 2 {
		// The boost also lets operators promote a priority-0 node, which
		// auto-failover would never elect.
		node.PriorityBoost = promotionBoost
		if err := m.updateNode(node); err != nil {
			return false, err
		}
		if err := m.emitEvent(node, fmt.Sprintf(
			"promotion of node %q requested by operator", name)); err != nil {
			return false, err
		}
	}

	if err := m.PerformFailover(node.Formation, node.GroupID); err != nil {
		if node.PriorityBoost > 0 {
			node.PriorityBoost = 0
			_ = m.updateNode(node)
		}
		return false, err
	}
	return true, nil
}

// SetNodeCandidatePriority changes how the node ranks in elections, then
// sends the primary through apply_settings so replication settings reload.
func (m *Monitor) SetNodeCandidatePriority(formationID, name string, priority int) (bool, error) {
	if err := m.ensureLeader(); err != nil {
		return false, err
	}
	if priority < 0 || priority > 100 {
		return false, NewError(ClassInvalidParameterValue,
			"candidate priority %d is outside 0..100", priority)
	}

	node, err := m.store.GetNodeByName(formationID, name)
	if err != nil {
		return false, NewError(ClassUndefinedObject,
			"formation %q has no node named %q", formationID, name)
	}
	if node.ClusterTag != types.DefaultClusterTag && priority != 0 {
		return false, NewError(ClassInvalidParameterValue,
			"read replicas (cluster tag %q) must keep candidate priority 0", node.ClusterTag)
	}

	flock := m.locks.formationLock(formationID)
	flock.Lock()
	defer flock.Unlock()

	glock := m.locks.groupLock(node.Formation, node.GroupID)
	glock.Lock()
	defer glock.Unlock()

	g, err := m.loadGroup(node.Formation, node.GroupID)
	if err != nil {
		return false, err
	}
	primary := g.primaryNode()
	if primary != nil && primary.GoalState == types.StateApplySettings {
		return false, NewError(ClassObjectNotInPrerequisiteState,
			"a replication settings change is already being applied").
			WithHint("retry in a moment").AsRetryable()
	}

	node, err = m.store.GetNode(node.ID)
	if err != nil {
		return false, err
	}
	node.CandidatePriority = priority
	if err := m.updateNode(node); err != nil {
		return false, err
	}
	if err := m.emitEvent(node, fmt.Sprintf(
		"candidate priority of node %q set to %d", name, priority)); err != nil {
		return false, err
	}

	return true, m.reloadReplicationSettings(g)
}

// SetNodeReplicationQuorum flips the node's participation in synchronous
// replication, guarding the number_sync_standbys invariant.
func (m *Monitor) SetNodeReplicationQuorum(formationID, name string, quorum bool) (bool, error) {
	if err := m.ensureLeader(); err != nil {
		return false, err
	}

	node, err := m.store.GetNodeByName(formationID, name)
	if err != nil {
		return false, NewError(ClassUndefinedObject,
			"formation %q has no node named %q", formationID, name)
	}
	if node.ClusterTag != types.DefaultClusterTag && quorum {
		return false, NewError(ClassInvalidParameterValue,
			"read replicas (cluster tag %q) cannot join the replication quorum", node.ClusterTag)
	}

	flock := m.locks.formationLock(formationID)
	flock.Lock()
	defer flock.Unlock()

	glock := m.locks.groupLock(node.Formation, node.GroupID)
	glock.Lock()
	defer glock.Unlock()

	g, err := m.loadGroup(node.Formation, node.GroupID)
	if err != nil {
		return false, err
	}
	primary := g.primaryNode()
	if primary != nil && primary.GoalState == types.StateApplySettings {
		return false, NewError(ClassObjectNotInPrerequisiteState,
			"a replication settings change is already being applied").
			WithHint("retry in a moment").AsRetryable()
	}

	if !quorum {
		after := 0
		for _, n := range g.nodes {
			if n.ID == node.ID || n.GoalState == types.StateDropped {
				continue
			}
			if !n.GoalState.IsWritable() && n.ReplicationQuorum {
				after++
			}
		}
		nss := g.formation.NumberSyncStandbys
		if (after == 0 && nss > 0) || (after > 0 && nss > after-1) {
			return false, NewError(ClassInvalidParameterValue,
				"removing node %q from the quorum would leave %d sync standby(s) for number_sync_standbys %d",
				name, after, nss).
				WithHint("lower number_sync_standbys first")
		}
	}

	node, err = m.store.GetNode(node.ID)
	if err != nil {
		return false, err
	}
	node.ReplicationQuorum = quorum
	if err := m.updateNode(node); err != nil {
		return false, err
	}
	if err := m.emitEvent(node, fmt.Sprintf(
		"replication quorum of node %q set to %t", name, quorum)); err != nil {
		return false, err
	}

	return true, m.reloadReplicationSettings(g)
}

// SetFormationNumberSyncStandbys changes the durability setting of the
// formation within the bounds of the registered quorum standbys.
func (m *Monitor) SetFormationNumberSyncStandbys(formationID string, n int) (bool, error) {
	if err := m.ensureLeader(); err != nil {
		return false, err
	}
	if n < 0 {
		return false, NewError(ClassInvalidParameterValue,
			"number_sync_standbys must not be negative")
	}

	flock := m.locks.formationLock(formationID)
	flock.Lock()
	defer flock.Unlock()

	formation, err := m.store.GetFormation(formationID)
	if err != nil {
		return false, NewError(ClassUndefinedObject, "formation %q is not known", formationID)
	}

	nodes, err := m.store.ListFormationNodes(formationID)
	if err != nil {
		return false, err
	}

	quorumByGroup := make(map[int]int)
	for _, node := range nodes {
		if node.GoalState.IsWritable() || node.GoalState == types.StateDropped {
			continue
		}
		if node.ReplicationQuorum {
			quorumByGroup[node.GroupID]++
		}
	}
	for groupID, count := range quorumByGroup {
		if n > count-1 {
			return false, NewError(ClassInvalidParameterValue,
				"group %d has %d quorum standby(s), number_sync_standbys must stay at most %d",
				groupID, count, count-1)
		}
	}

	formation.NumberSyncStandbys = n
	if err := m.upsertFormation(formation); err != nil {
		return false, err
	}

	for groupID := range quorumByGroup {
		glock := m.locks.groupLock(formationID, groupID)
		glock.Lock()
		g, err := m.loadGroup(formationID, groupID)
		if err == nil {
			err = m.reloadReplicationSettings(g)
		}
		glock.Unlock()
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// reloadReplicationSettings sends a settled primary through apply_settings.
func (m *Monitor) reloadReplicationSettings(g *groupContext) error {
	primary := g.primaryNode()
	if primary == nil || len(g.nodes) == 1 {
		return nil
	}
	if primary.ReportedState == types.StatePrimary && primary.GoalState == types.StatePrimary {
		return m.setGoalState(primary, types.StateApplySettings,
			"applying new replication settings")
	}
	return nil
}

// StartMaintenance takes a node out of rotation under keeper control.
func (m *Monitor) StartMaintenance(nodeID int64) (bool, error) {
	if err := m.ensureLeader(); err != nil {
		return false, err
	}

	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return false, NewError(ClassUndefinedObject, "node %d is not registered", nodeID)
	}

	flock := m.locks.formationLock(node.Formation)
	flock.Lock()
	defer flock.Unlock()

	glock := m.locks.groupLock(node.Formation, node.GroupID)
	glock.Lock()
	defer glock.Unlock()

	g, err := m.loadGroup(node.Formation, node.GroupID)
	if err != nil {
		return false, err
	}
	node = nil
	for _, n := range g.nodes {
		if n.ID == nodeID {
			node = n
		}
	}
	if node == nil {
		return false, NewError(ClassUndefinedObject, "node %d is not registered", nodeID)
	}
	if node.IsInMaintenance() {
		return false, NewError(ClassObjectNotInPrerequisiteState,
			"node %d is already in maintenance", nodeID)
	}

	if node.GoalState.IsWritable() {
		return true, m.startPrimaryMaintenance(g, node)
	}

	switch node.GoalState {
	case types.StateSecondary, types.StateCatchingUp, types.StateWaitStandby:
	default:
		return false, NewError(ClassObjectNotInPrerequisiteState,
			"node %d is in state %s and cannot enter maintenance", nodeID, node.GoalState)
	}

	return true, m.startStandbyMaintenance(g, node)
}

func (m *Monitor) startStandbyMaintenance(g *groupContext, node *types.Node) error {
	primary := g.primaryNode()

	// Losing a sync standby narrows the quorum; warn, but let the
	// operator proceed.
	healthySyncLeft := 0
	for _, n := range g.nodes {
		if n.ID == node.ID || n.GoalState != types.StateSecondary || !n.ReplicationQuorum {
			continue
		}
		if m.oracle.IsHealthy(n) {
			healthySyncLeft++
		}
	}
	if node.ReplicationQuorum && healthySyncLeft <= g.formation.NumberSyncStandbys {
		m.logger.Warn().
			Str("formation", node.Formation).
			Int("group", node.GroupID).
			Int64("node_id", node.ID).
			Int("healthy_sync_left", healthySyncLeft).
			Msg("maintenance leaves fewer healthy sync standbys than number_sync_standbys")
	}

	if node.ReplicationQuorum && healthySyncLeft == 0 &&
		g.formation.NumberSyncStandbys == 0 &&
		primary != nil && primary.GoalState == types.StatePrimary {
		if err := m.setGoalState(primary, types.StateWaitPrimary,
			"last synchronous standby entering maintenance: disabling synchronous replication"); err != nil {
			return err
		}
	}

	return m.setGoalState(node, types.StateWaitMaintenance,
		"maintenance requested by operator")
}

func (m *Monitor) startPrimaryMaintenance(g *groupContext, primary *types.Node) error {
	members := g.activeMembers()
	var standbys []*types.Node
	for _, n := range members {
		if n.ID == primary.ID {
			continue
		}
		switch n.GoalState {
		case types.StateSecondary, types.StateCatchingUp:
			standbys = append(standbys, n)
		}
	}
	if len(standbys) == 0 {
		return NewError(ClassObjectNotInPrerequisiteState,
			"cannot put the primary in maintenance: no standby can take over")
	}

	if len(standbys) == 1 && len(members) == 2 {
		sb := standbys[0]
		if sb.GoalState != types.StateSecondary || !m.oracle.IsHealthy(sb) ||
			sb.ElectionPriority() <= 0 {
			return NewError(ClassObjectNotInPrerequisiteState,
				"cannot put the primary in maintenance: the only standby cannot be promoted")
		}
		if err := m.setGoalState(primary, types.StatePrepareMaintenance,
			"maintenance of the primary requested by operator"); err != nil {
			return err
		}
		return m.setGoalState(sb, types.StatePreparePromotion,
			"promoting the only standby: primary is entering maintenance")
	}

	if err := m.setGoalState(primary, types.StatePrepareMaintenance,
		"maintenance of the primary requested by operator"); err != nil {
		return err
	}

	for _, sb := range standbys {
		if !m.oracle.IsHealthy(sb) && !m.oracle.IsReporting(sb, g.now) {
			continue
		}
		if err := m.setGoalState(sb, types.StateReportLSN,
			"primary is entering maintenance: report the last received LSN"); err != nil {
			return err
		}
	}
	return nil
}

// StopMaintenance puts a node back into rotation. While a failover is still
// settling the node rejoins through report_lsn, otherwise it catches up
// directly.
func (m *Monitor) StopMaintenance(nodeID int64) (bool, error) {
	if err := m.ensureLeader(); err != nil {
		return false, err
	}

	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return false, NewError(ClassUndefinedObject, "node %d is not registered", nodeID)
	}

	flock := m.locks.formationLock(node.Formation)
	flock.Lock()
	defer flock.Unlock()

	glock := m.locks.groupLock(node.Formation, node.GroupID)
	glock.Lock()
	defer glock.Unlock()

	g, err := m.loadGroup(node.Formation, node.GroupID)
	if err != nil {
		return false, err
	}
	node = nil
	for _, n := range g.nodes {
		if n.ID == nodeID {
			node = n
		}
	}
	if node == nil {
		return false, NewError(ClassUndefinedObject, "node %d is not registered", nodeID)
	}
	if node.GoalState != types.StateMaintenance {
		return false, NewError(ClassObjectNotInPrerequisiteState,
			"node %d is not in maintenance", nodeID)
	}

	// Residual failover states (a draining or demoted peer, a candidate
	// mid-promotion) mean the node has to rejoin through report_lsn; the
	// state machine routes it to catchingup once the group settled.
	failoverInProgress := false
	for _, n := range g.nodes {
		if n.ID == node.ID {
			continue
		}
		if n.GoalState.IsBeingPromoted() || n.GoalState == types.StateDraining ||
			n.GoalState == types.StateDemoteTimeout || n.GoalState == types.StateDemoted {
			failoverInProgress = true
		}
	}

	if failoverInProgress {
		return true, m.setGoalState(node, types.StateReportLSN,
			"maintenance is over: rejoining through the running failover")
	}
	return true, m.setGoalState(node, types.StateCatchingUp,
		"maintenance is over: catching up")
}

// RemoveNode removes a node in two phases: the first call assigns dropped
// so the keeper can tear down, the second call (or force) deletes the row.
// Removing a primary starts a failover on the survivors.
func (m *Monitor) RemoveNode(nodeID int64, force bool) (bool, error) {
	if err := m.ensureLeader(); err != nil {
		return false, err
	}
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return false, NewError(ClassUndefinedObject, "node %d is not registered", nodeID)
	}
	return m.removeNode(node, force)
}

// RemoveNodeByAddr is RemoveNode keyed by host:port.
func (m *Monitor) RemoveNodeByAddr(host string, port int, force bool) (bool, error) {
	if err := m.ensureLeader(); err != nil {
		return false, err
	}
	node, err := m.store.GetNodeByAddr(host, port)
	if err != nil {
		return false, NewError(ClassUndefinedObject, "no node registered at %s:%d", host, port)
	}
	return m.removeNode(node, force)
}

func (m *Monitor) removeNode(node *types.Node, force bool) (bool, error) {
	flock := m.locks.formationLock(node.Formation)
	flock.Lock()
	defer flock.Unlock()

	glock := m.locks.groupLock(node.Formation, node.GroupID)
	glock.Lock()
	defer glock.Unlock()

	node, err := m.store.GetNode(node.ID)
	if err != nil {
		return false, nil
	}

	wasPrimary := node.GoalState.IsWritable()

	if node.GoalState != types.StateDropped && !force {
		if err := m.setGoalState(node, types.StateDropped,
			"node removal requested by operator"); err != nil {
			return false, err
		}
	} else {
		if err := m.deleteNode(node.ID); err != nil {
			return false, err
		}
		node.GoalState = types.StateDropped
		if err := m.emitEvent(node, fmt.Sprintf(
			"node %d (%s) was removed", node.ID, node.Name)); err != nil {
			return false, err
		}
	}

	g, err := m.loadGroup(node.Formation, node.GroupID)
	if err != nil {
		return false, err
	}

	if wasPrimary {
		// The group lost its writable member: collect positions from the
		// survivors and elect a successor.
		for _, sb := range g.nodes {
			if sb.ID == node.ID {
				continue
			}
			switch sb.GoalState {
			case types.StateSecondary, types.StateCatchingUp:
				if !m.oracle.IsHealthy(sb) && !m.oracle.IsReporting(sb, g.now) {
					continue
				}
				if err := m.setGoalState(sb, types.StateReportLSN,
					"primary is being removed: report the last received LSN"); err != nil {
					return false, err
				}
			}
		}
	}

	return true, m.clampSyncStandbys(g)
}

// clampSyncStandbys lowers number_sync_standbys when removals leave fewer
// quorum standbys than the setting requires.
func (m *Monitor) clampSyncStandbys(g *groupContext) error {
	quorum := 0
	for _, n := range g.nodes {
		if n.GoalState.IsWritable() || n.GoalState == types.StateDropped {
			continue
		}
		if n.ReplicationQuorum {
			quorum++
		}
	}

	want := g.formation.NumberSyncStandbys
	if quorum == 0 {
		want = 0
	} else if want > quorum-1 {
		want = quorum - 1
	}
	if want == g.formation.NumberSyncStandbys {
		return nil
	}

	g.formation.NumberSyncStandbys = want
	if err := m.upsertFormation(g.formation); err != nil {
		return err
	}
	return m.reloadReplicationSettings(g)
}

// UpdateNodeMetadata lets operators correct a node's name, host or port.
func (m *Monitor) UpdateNodeMetadata(nodeID int64, name, host string, port int) (bool, error) {
	if err := m.ensureLeader(); err != nil {
		return false, err
	}

	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return false, NewError(ClassUndefinedObject, "node %d is not registered", nodeID)
	}

	flock := m.locks.formationLock(node.Formation)
	flock.Lock()
	defer flock.Unlock()

	glock := m.locks.groupLock(node.Formation, node.GroupID)
	glock.Lock()
	defer glock.Unlock()

	node, err = m.store.GetNode(nodeID)
	if err != nil {
		return false, NewError(ClassUndefinedObject, "node %d is not registered", nodeID)
	}

	newHost, newPort := node.Host, node.Port
	if host != "" {
		newHost = host
	}
	if port > 0 {
		newPort = port
	}
	if newHost != node.Host || newPort != node.Port {
		if other, err := m.store.GetNodeByAddr(newHost, newPort); err == nil && other.ID != node.ID {
			return false, NewError(ClassInvalidObjectDefinition,
				"%s:%d is already registered as node %d", newHost, newPort, other.ID)
		}
	}
	if name != "" && name != node.Name {
		if other, err := m.store.GetNodeByName(node.Formation, name); err == nil && other.ID != node.ID {
			return false, NewError(ClassInvalidObjectDefinition,
				"formation %q already has a node named %q", node.Formation, name)
		}
		node.Name = name
	}
	node.Host, node.Port = newHost, newPort

	if err := m.updateNode(node); err != nil {
		return false, err
	}
	return true, m.emitEvent(node, fmt.Sprintf(
		"node %d metadata updated: %s at %s:%d", node.ID, node.Name, node.Host, node.Port))
}

// CreateFormation creates an empty formation.
func (m *Monitor) CreateFormation(id string, kind types.FormationKind, dbname string, optSecondary bool, numberSyncStandbys int) (*types.Formation, error) {
	if err := m.ensureLeader(); err != nil {
		return nil, err
	}
	switch kind {
	case types.FormationKindPgsql, types.FormationKindCitus:
	default:
		return nil, NewError(ClassInvalidParameterValue, "unknown formation kind %q", kind)
	}
	if numberSyncStandbys < 0 {
		return nil, NewError(ClassInvalidParameterValue,
			"number_sync_standbys must not be negative")
	}

	flock := m.locks.formationLock(id)
	flock.Lock()
	defer flock.Unlock()

	if _, err := m.store.GetFormation(id); err == nil {
		return nil, NewError(ClassInvalidObjectDefinition, "formation %q already exists", id)
	}

	formation := &types.Formation{
		ID:                 id,
		Kind:               kind,
		DBName:             dbname,
		OptSecondary:       optSecondary,
		NumberSyncStandbys: numberSyncStandbys,
		CreatedAt:          m.now(),
	}
	if err := m.upsertFormation(formation); err != nil {
		return nil, err
	}
	return formation, nil
}

// DropFormation removes a formation; refused while nodes are registered.
func (m *Monitor) DropFormation(id string) error {
	if err := m.ensureLeader(); err != nil {
		return err
	}

	flock := m.locks.formationLock(id)
	flock.Lock()
	defer flock.Unlock()

	if _, err := m.store.GetFormation(id); err != nil {
		return NewError(ClassUndefinedObject, "formation %q is not known", id)
	}
	nodes, err := m.store.ListFormationNodes(id)
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		return NewError(ClassObjectInUse,
			"formation %q still has %d registered node(s)", id, len(nodes)).
			WithHint("remove the nodes first")
	}
	return m.deleteFormation(id)
}

// loadGroup builds a fresh group context. Callers hold the group lock.
func (m *Monitor) loadGroup(formationID string, groupID int) (*groupContext, error) {
	formation, err := m.store.GetFormation(formationID)
	if err != nil {
		return nil, NewError(ClassUndefinedObject, "formation %q is not known", formationID)
	}
	nodes, err := m.store.ListGroupNodes(formationID, groupID)
	if err != nil {
		return nil, err
	}
	return &groupContext{
		formation: formation,
		nodes:     nodes,
		now:       m.now(),
	}, nil
}
