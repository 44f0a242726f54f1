package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pgpilot/pgpilot/pkg/types"
)

// NodeSummary is the row shape of get_nodes and get_other_nodes.
type NodeSummary struct {
	NodeID    int64     `json:"nodeId"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	LSN       types.LSN `json:"lsn"`
	IsPrimary bool      `json:"isPrimary"`
}

func summarize(node *types.Node) *NodeSummary {
	return &NodeSummary{
		NodeID:    node.ID,
		Name:      node.Name,
		Host:      node.Host,
		Port:      node.Port,
		LSN:       node.ReportedLSN,
		IsPrimary: node.ReportedState.IsWritable() && node.GoalState.IsWritable(),
	}
}

// GetPrimary returns the writable member of the given group.
func (m *Monitor) GetPrimary(formationID string, groupID int) (*NodeSummary, error) {
	flock := m.locks.formationLock(formationID)
	flock.RLock()
	defer flock.RUnlock()

	g, err := m.loadGroup(formationID, groupID)
	if err != nil {
		return nil, err
	}
	primary := g.primaryNode()
	if primary == nil {
		return nil, NewError(ClassUndefinedObject,
			"group %d of formation %q has no primary", groupID, formationID).
			WithHint("retry in a moment").AsRetryable()
	}
	return summarize(primary), nil
}

// GetNodes lists the nodes of a formation, optionally narrowed to one
// group (groupID -1 means all groups).
func (m *Monitor) GetNodes(formationID string, groupID int) ([]*NodeSummary, error) {
	flock := m.locks.formationLock(formationID)
	flock.RLock()
	defer flock.RUnlock()

	if _, err := m.store.GetFormation(formationID); err != nil {
		return nil, NewError(ClassUndefinedObject, "formation %q is not known", formationID)
	}

	var nodes []*types.Node
	var err error
	if groupID >= 0 {
		nodes, err = m.store.ListGroupNodes(formationID, groupID)
	} else {
		nodes, err = m.store.ListFormationNodes(formationID)
	}
	if err != nil {
		return nil, err
	}

	summaries := make([]*NodeSummary, 0, len(nodes))
	for _, node := range nodes {
		summaries = append(summaries, summarize(node))
	}
	return summaries, nil
}

// GetOtherNodes lists the peers of a node in its group.
func (m *Monitor) GetOtherNodes(nodeID int64, currentState types.ReplicationState) ([]*NodeSummary, error) {
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return nil, NewError(ClassUndefinedObject, "node %d is not registered", nodeID)
	}

	flock := m.locks.formationLock(node.Formation)
	flock.RLock()
	defer flock.RUnlock()

	peers, err := m.store.ListGroupNodes(node.Formation, node.GroupID)
	if err != nil {
		return nil, err
	}

	var summaries []*NodeSummary
	for _, peer := range peers {
		if peer.ID == node.ID {
			continue
		}
		if currentState != "" && peer.ReportedState != currentState {
			continue
		}
		summaries = append(summaries, summarize(peer))
	}
	return summaries, nil
}

// CurrentState returns one row per node with both states and the
// replication fields (groupID -1 means all groups of the formation).
func (m *Monitor) CurrentState(formationID string, groupID int) ([]*types.NodeState, error) {
	flock := m.locks.formationLock(formationID)
	flock.RLock()
	defer flock.RUnlock()

	if _, err := m.store.GetFormation(formationID); err != nil {
		return nil, NewError(ClassUndefinedObject, "formation %q is not known", formationID)
	}

	var nodes []*types.Node
	var err error
	if groupID >= 0 {
		nodes, err = m.store.ListGroupNodes(formationID, groupID)
	} else {
		nodes, err = m.store.ListFormationNodes(formationID)
	}
	if err != nil {
		return nil, err
	}

	states := make([]*types.NodeState, 0, len(nodes))
	for _, node := range nodes {
		states = append(states, &types.NodeState{
			Node:      node,
			IsPrimary: node.ReportedState.IsWritable() && node.GoalState.IsWritable(),
		})
	}
	return states, nil
}

// LastEvents returns the newest count events in chronological order.
// Empty formation means all formations, groupID -1 all groups.
func (m *Monitor) LastEvents(formationID string, groupID int, count int) ([]*types.Event, error) {
	if count <= 0 {
		count = 10
	}
	return m.store.LastEvents(formationID, groupID, count)
}

// SynchronousStandbyNames computes the synchronous_standby_names setting
// the primary of the group must use: empty for a single-node group or when
// no standby participates in the quorum, "ANY N (...)" otherwise, with N
// never below 1.
func (m *Monitor) SynchronousStandbyNames(formationID string, groupID int) (string, error) {
	flock := m.locks.formationLock(formationID)
	flock.RLock()
	defer flock.RUnlock()

	g, err := m.loadGroup(formationID, groupID)
	if err != nil {
		return "", err
	}

	if len(g.nodes) <= 1 {
		return "", nil
	}

	var standbys []*types.Node
	for _, node := range g.nodes {
		if node.ReplicationQuorum && node.GoalState == types.StateSecondary {
			standbys = append(standbys, node)
		}
	}
	if len(standbys) == 0 {
		return "", nil
	}

	sort.Slice(standbys, func(i, j int) bool { return standbys[i].ID < standbys[j].ID })

	names := make([]string, 0, len(standbys))
	for _, node := range standbys {
		names = append(names, fmt.Sprintf("pgpilot_standby_%d", node.ID))
	}

	n := g.formation.NumberSyncStandbys
	if n < 1 {
		n = 1
	}
	return fmt.Sprintf("ANY %d (%s)", n, strings.Join(names, ", ")), nil
}
