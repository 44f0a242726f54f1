package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpilot/pgpilot/pkg/types"
)

func TestSynchronousStandbyNamesAccounting(t *testing.T) {
	m, idA, idB, idC := setupThreeNodeGroup(t, nil, 50, 100, 100, 100)

	// Two quorum secondaries, number_sync_standbys bumped to 1.
	names, err := m.SynchronousStandbyNames("default", 0)
	require.NoError(t, err)
	assert.Equal(t, "ANY 1 (pgpilot_standby_2, pgpilot_standby_3)", names)

	// With nss at 1, dropping a quorum standby would violate the
	// invariant; the setting has to come down first.
	_, err = m.SetNodeReplicationQuorum("default", getNode(t, m, idC).Name, false)
	require.Error(t, err)
	assert.Equal(t, ClassInvalidParameterValue, ClassOf(err))

	ok, err := m.SetFormationNumberSyncStandbys("default", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	heartbeat(t, m, idA, types.StateApplySettings, true, 100)
	heartbeat(t, m, idA, types.StatePrimary, true, 100)

	// Now the standby can leave the quorum and disappears from the list.
	_, err = m.SetNodeReplicationQuorum("default", getNode(t, m, idC).Name, false)
	require.NoError(t, err)
	heartbeat(t, m, idA, types.StateApplySettings, true, 100)

	names, err = m.SynchronousStandbyNames("default", 0)
	require.NoError(t, err)
	assert.Equal(t, "ANY 1 (pgpilot_standby_2)", names)

	_ = idB
}

func TestSynchronousStandbyNamesEmptyCases(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	a := register(t, m, "node-a", 50, true)
	heartbeat(t, m, a.NodeID, types.StateSingle, true, 100)

	// Single node group.
	names, err := m.SynchronousStandbyNames("default", 0)
	require.NoError(t, err)
	assert.Equal(t, "", names)

	// A standby that has not reached secondary does not participate.
	register(t, m, "node-b", 50, true)
	names, err = m.SynchronousStandbyNames("default", 0)
	require.NoError(t, err)
	assert.Equal(t, "", names)
}

func TestGetPrimaryAndNodes(t *testing.T) {
	m, idA, idB := setupTwoNodeGroup(t, nil)

	primary, err := m.GetPrimary("default", 0)
	require.NoError(t, err)
	assert.Equal(t, idA, primary.NodeID)
	assert.True(t, primary.IsPrimary)

	nodes, err := m.GetNodes("default", -1)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	others, err := m.GetOtherNodes(idA, "")
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, idB, others[0].NodeID)

	states, err := m.CurrentState("default", 0)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	_, err = m.GetPrimary("nowhere", 0)
	require.Error(t, err)
	assert.Equal(t, ClassUndefinedObject, ClassOf(err))
}

func TestSetReplicationQuorumGuardsInvariant(t *testing.T) {
	m, _, idB := setupTwoNodeGroup(t, nil)

	// nss is 0 with a single standby; dropping it from the quorum is
	// allowed and empties the sync names.
	_, err := m.SetNodeReplicationQuorum("default", getNode(t, m, idB).Name, false)
	require.NoError(t, err)

	names, err := m.SynchronousStandbyNames("default", 0)
	require.NoError(t, err)
	assert.Equal(t, "", names)
}

func TestSetNumberSyncStandbysValidation(t *testing.T) {
	m, _, _, _ := setupThreeNodeGroup(t, nil, 50, 100, 100, 100)

	// Two quorum standbys allow at most 1.
	_, err := m.SetFormationNumberSyncStandbys("default", 2)
	require.Error(t, err)
	assert.Equal(t, ClassInvalidParameterValue, ClassOf(err))

	ok, err := m.SetFormationNumberSyncStandbys("default", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveNodeClampsNumberSyncStandbys(t *testing.T) {
	m, _, idB, idC := setupThreeNodeGroup(t, nil, 50, 100, 100, 100)

	formation, err := m.store.GetFormation("default")
	require.NoError(t, err)
	require.Equal(t, 1, formation.NumberSyncStandbys)

	// Removing one of the two quorum standbys forces nss back to 0.
	_, err = m.RemoveNode(idC, true)
	require.NoError(t, err)

	formation, err = m.store.GetFormation("default")
	require.NoError(t, err)
	assert.Equal(t, 0, formation.NumberSyncStandbys)

	_ = idB
}
