package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpilot/pgpilot/pkg/types"
)

func TestRegisterFirstNodeBecomesSingle(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	a := register(t, m, "node-a", 50, true)
	assert.Equal(t, types.StateSingle, a.GoalState)
	assert.Equal(t, 0, a.GroupID)
	assert.Equal(t, "node_1", a.Name)

	formation, err := m.store.GetFormation("default")
	require.NoError(t, err)
	assert.Equal(t, types.FormationKindPgsql, formation.Kind)
	assert.Equal(t, "appdb", formation.DBName)
}

func TestRegisterRejectsZeroPriorityFirstNode(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	_, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "default",
		Host:              "node-a",
		Port:              5432,
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindStandalone,
		CandidatePriority: 0,
	})
	require.Error(t, err)
	assert.Equal(t, ClassInvalidObjectDefinition, ClassOf(err))
}

func TestRegisterIsIdempotentOnHostPort(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	a := register(t, m, "node-a", 50, true)

	again, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "default",
		Host:              "node-a",
		Port:              5432,
		DesiredNodeID:     a.NodeID,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindStandalone,
		CandidatePriority: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, a.NodeID, again.NodeID)
	assert.Equal(t, a.GoalState, again.GoalState)

	// A different caller claiming the same address is rejected.
	_, err = m.RegisterNode(&RegisterNodeRequest{
		Formation:         "default",
		Host:              "node-a",
		Port:              5432,
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindStandalone,
		CandidatePriority: 50,
	})
	require.Error(t, err)
	assert.Equal(t, ClassInvalidObjectDefinition, ClassOf(err))
}

func TestRegisterRejectsDBNameMismatch(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	register(t, m, "node-a", 50, true)

	_, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "default",
		Host:              "node-b",
		Port:              5432,
		DBName:            "otherdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindStandalone,
		CandidatePriority: 50,
	})
	require.Error(t, err)
	assert.Equal(t, ClassInvalidObjectDefinition, ClassOf(err))
}

func TestRegisterRejectsNonZeroGroupForPgsql(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	register(t, m, "node-a", 50, true)

	_, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "default",
		Host:              "node-b",
		Port:              5432,
		DBName:            "appdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    3,
		NodeKind:          types.NodeKindStandalone,
		CandidatePriority: 50,
	})
	require.Error(t, err)
	assert.Equal(t, ClassInvalidParameterValue, ClassOf(err))
}

func TestRegisterReadReplicaNeedsZeroPriority(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	register(t, m, "node-a", 50, true)

	_, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "default",
		Host:              "node-b",
		Port:              5432,
		DBName:            "appdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindStandalone,
		CandidatePriority: 50,
		ClusterTag:        "analytics",
	})
	require.Error(t, err)
	assert.Equal(t, ClassInvalidParameterValue, ClassOf(err))
}

func TestRegisterStandbyDuringElectionIsRetryable(t *testing.T) {
	// Three nodes, primary lost: the standbys are still collecting
	// positions, so there is no upstream to attach a new standby to yet.
	m, idA, idB, idC := setupThreeNodeGroup(t, nil, 50, 100, 100, 100)

	heartbeat(t, m, idA, types.StatePrimary, false, 0)
	assert.Equal(t, types.StateReportLSN, getNode(t, m, idB).GoalState)
	assert.Equal(t, types.StateReportLSN, getNode(t, m, idC).GoalState)

	_, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "default",
		Host:              "node-d",
		Port:              5432,
		DBName:            "appdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindStandalone,
		CandidatePriority: 50,
	})
	require.Error(t, err)
	assert.Equal(t, ClassObjectNotInPrerequisiteState, ClassOf(err))
	assert.True(t, IsRetryable(err))

	// Once a candidate is elected, new standbys can wait on it.
	heartbeat(t, m, idB, types.StateReportLSN, true, 100)
	heartbeat(t, m, idC, types.StateReportLSN, true, 100)
	assignment, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "default",
		Host:              "node-d",
		Port:              5432,
		DBName:            "appdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindStandalone,
		CandidatePriority: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateWaitStandby, assignment.GoalState)
}

func TestRegisterAutoBumpsNumberSyncStandbys(t *testing.T) {
	m, _, _ := setupTwoNodeGroup(t, nil)

	formation, err := m.store.GetFormation("default")
	require.NoError(t, err)
	assert.Equal(t, 0, formation.NumberSyncStandbys)

	register(t, m, "node-c", 50, true)

	formation, err = m.store.GetFormation("default")
	require.NoError(t, err)
	assert.Equal(t, 1, formation.NumberSyncStandbys)
}

func TestCitusWorkerGroupAssignment(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	coordinator, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "citus",
		Host:              "coord",
		Port:              5432,
		DBName:            "appdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindCitusCoordinator,
		CandidatePriority: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, coordinator.GroupID)

	worker1, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "citus",
		Host:              "worker-1",
		Port:              5432,
		DBName:            "appdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindCitusWorker,
		CandidatePriority: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, worker1.GroupID)
	assert.Equal(t, types.StateSingle, worker1.GoalState)

	// The second worker joins group 1 as its standby because the
	// formation allows secondaries.
	worker2, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "citus",
		Host:              "worker-2",
		Port:              5432,
		DBName:            "appdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindCitusWorker,
		CandidatePriority: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, worker2.GroupID)
	assert.Equal(t, types.StateWaitStandby, worker2.GoalState)

	// A third worker starts a new group.
	worker3, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "citus",
		Host:              "worker-3",
		Port:              5432,
		DBName:            "appdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		NodeKind:          types.NodeKindCitusWorker,
		CandidatePriority: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, worker3.GroupID)
}

func TestDropFormationRefusedWhileNodesExist(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	register(t, m, "node-a", 50, true)

	err := m.DropFormation("default")
	require.Error(t, err)
	assert.Equal(t, ClassObjectInUse, ClassOf(err))

	removed, err := m.RemoveNode(1, true)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, m.DropFormation("default"))
}
