package monitor

import (
	"fmt"

	"github.com/pgpilot/pgpilot/pkg/metrics"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// NodeActiveRequest is one keeper heartbeat: the state the keeper observed
// locally since the last call.
type NodeActiveRequest struct {
	Formation     string
	NodeID        int64
	GroupID       int
	ReportedState types.ReplicationState
	PGIsRunning   bool
	ReportedTLI   int
	ReportedLSN   types.LSN
	SyncState     string
}

// NodeActive ingests a keeper heartbeat: it records the reported state,
// runs the group state machine, and returns the (possibly new) assignment.
// Identical inputs produce identical outputs and at most one event.
func (m *Monitor) NodeActive(req *NodeActiveRequest) (*NodeAssignment, error) {
	if err := m.ensureLeader(); err != nil {
		return nil, err
	}
	if _, err := types.ParseReplicationState(string(req.ReportedState)); err != nil {
		return nil, NewError(ClassInvalidParameterValue, "%v", err)
	}

	metrics.NodeActiveTotal.Inc()

	node, err := m.store.GetNode(req.NodeID)
	if err != nil {
		return nil, NewError(ClassUndefinedObject,
			"node %d is not registered", req.NodeID).
			WithHint("register the node again")
	}
	if node.Formation != req.Formation || node.GroupID != req.GroupID {
		return nil, NewError(ClassInvalidParameterValue,
			"node %d belongs to formation %q group %d, not %q group %d",
			node.ID, node.Formation, node.GroupID, req.Formation, req.GroupID)
	}

	flock := m.locks.formationLock(node.Formation)
	flock.RLock()
	defer flock.RUnlock()

	glock := m.locks.groupLock(node.Formation, node.GroupID)
	glock.Lock()
	defer glock.Unlock()

	// Re-read under the group lock; the row may have moved since.
	node, err = m.store.GetNode(req.NodeID)
	if err != nil {
		return nil, NewError(ClassUndefinedObject, "node %d is not registered", req.NodeID)
	}

	stateChanged := node.ReportedState != req.ReportedState
	node.ReportedState = req.ReportedState
	node.PGIsRunning = req.PGIsRunning
	node.ReportedTLI = req.ReportedTLI
	if req.ReportedLSN.IsValid() {
		node.ReportedLSN = req.ReportedLSN
	}
	node.SyncState = req.SyncState
	node.ReportTime = m.now()

	if err := m.updateNode(node); err != nil {
		return nil, err
	}
	if stateChanged {
		if err := m.emitEvent(node, fmt.Sprintf(
			"node %d (%s) reported state %s", node.ID, node.Name, node.ReportedState)); err != nil {
			return nil, err
		}
	}

	// Second phase of the two-phase removal: the keeper observed dropped,
	// the row can go now.
	if node.GoalState == types.StateDropped && node.ReportedState == types.StateDropped {
		if err := m.deleteNode(node.ID); err != nil {
			return nil, err
		}
		if err := m.emitEvent(node, fmt.Sprintf(
			"node %d (%s) was dropped", node.ID, node.Name)); err != nil {
			return nil, err
		}
		return assignmentFor(node), nil
	}

	if err := m.ProceedGroupState(node); err != nil {
		return nil, err
	}

	current, err := m.store.GetNode(node.ID)
	if err != nil {
		// The state machine may drop the row (forced removal).
		return assignmentFor(node), nil
	}
	return assignmentFor(current), nil
}

// ReportNodeHealth records one verdict from the health checks and lets the
// group react to it.
func (m *Monitor) ReportNodeHealth(nodeID int64, verdict types.NodeHealth) error {
	if err := m.ensureLeader(); err != nil {
		return err
	}

	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return NewError(ClassUndefinedObject, "node %d is not registered", nodeID)
	}

	flock := m.locks.formationLock(node.Formation)
	flock.RLock()
	defer flock.RUnlock()

	glock := m.locks.groupLock(node.Formation, node.GroupID)
	glock.Lock()
	defer glock.Unlock()

	node, err = m.store.GetNode(nodeID)
	if err != nil {
		return nil
	}

	changed := node.Health != verdict
	node.Health = verdict
	node.HealthCheckTime = m.now()

	if err := m.updateNode(node); err != nil {
		return err
	}
	metrics.HealthChecksTotal.WithLabelValues(string(verdict)).Inc()

	if changed {
		if err := m.emitEvent(node, fmt.Sprintf(
			"health of node %d (%s) is now %s", node.ID, node.Name, verdict)); err != nil {
			return err
		}
	}

	return m.ProceedGroupState(node)
}
