package monitor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpilot/pgpilot/pkg/config"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// setupTwoNodeGroup drives S1: register A and B and converge to a primary
// with one synchronous secondary. Returns (monitor, idA, idB).
func setupTwoNodeGroup(t *testing.T, mutate func(*config.Config)) (*Monitor, int64, int64) {
	t.Helper()
	m, _ := newTestMonitor(t, mutate)

	a := register(t, m, "node-a", 50, true)
	assert.Equal(t, types.StateSingle, a.GoalState)

	heartbeat(t, m, a.NodeID, types.StateSingle, true, 100)
	reportHealth(t, m, a.NodeID, types.NodeHealthGood)

	names, err := m.SynchronousStandbyNames("default", 0)
	require.NoError(t, err)
	assert.Equal(t, "", names)

	b := register(t, m, "node-b", 50, true)
	assert.Equal(t, types.StateWaitStandby, b.GoalState)
	assert.Equal(t, types.StateWaitPrimary, getNode(t, m, a.NodeID).GoalState)

	heartbeat(t, m, a.NodeID, types.StateWaitPrimary, true, 100)
	assignment := heartbeat(t, m, b.NodeID, types.StateWaitStandby, true, 0)
	assert.Equal(t, types.StateCatchingUp, assignment.GoalState)

	reportHealth(t, m, b.NodeID, types.NodeHealthGood)
	assignment = heartbeat(t, m, b.NodeID, types.StateCatchingUp, true, 95)
	assert.Equal(t, types.StateSecondary, assignment.GoalState)

	assignment = heartbeat(t, m, b.NodeID, types.StateSecondary, true, 100)
	assert.Equal(t, types.StatePrimary, getNode(t, m, a.NodeID).GoalState)
	heartbeat(t, m, a.NodeID, types.StatePrimary, true, 100)

	requireSingleWriter(t, m, "default", 0)
	return m, a.NodeID, b.NodeID
}

func TestTwoNodeInit(t *testing.T) {
	m, _, idB := setupTwoNodeGroup(t, nil)

	names, err := m.SynchronousStandbyNames("default", 0)
	require.NoError(t, err)
	assert.Equal(t, "ANY 1 (pgpilot_standby_2)", names)

	b := getNode(t, m, idB)
	assert.Equal(t, types.StateSecondary, b.GoalState)
}

func TestTwoNodeFailover(t *testing.T) {
	m, idA, idB := setupTwoNodeGroup(t, nil)

	// The primary reports its postgres down; the monitor starts draining
	// it and promotes the only standby.
	heartbeat(t, m, idA, types.StatePrimary, false, 0)
	assert.Equal(t, types.StateDraining, getNode(t, m, idA).GoalState)
	assert.Equal(t, types.StatePreparePromotion, getNode(t, m, idB).GoalState)

	heartbeat(t, m, idA, types.StateDraining, false, 0)
	assignment := heartbeat(t, m, idB, types.StatePreparePromotion, true, 100)
	assert.Equal(t, types.StateStopReplication, assignment.GoalState)
	assert.Equal(t, types.StateDemoteTimeout, getNode(t, m, idA).GoalState)

	heartbeat(t, m, idA, types.StateDemoteTimeout, false, 0)
	assignment = heartbeat(t, m, idB, types.StateStopReplication, true, 100)
	assert.Equal(t, types.StateWaitPrimary, assignment.GoalState)
	assert.Equal(t, types.StateDemoted, getNode(t, m, idA).GoalState)

	heartbeat(t, m, idB, types.StateWaitPrimary, true, 100)
	requireSingleWriter(t, m, "default", 0)

	// The old primary reports again and rejoins as a standby.
	assignment = heartbeat(t, m, idA, types.StateDemoted, false, 0)
	assert.Equal(t, types.StateCatchingUp, assignment.GoalState)

	reportHealth(t, m, idA, types.NodeHealthGood)
	assignment = heartbeat(t, m, idA, types.StateCatchingUp, true, 100)
	assert.Equal(t, types.StateSecondary, assignment.GoalState)

	heartbeat(t, m, idA, types.StateSecondary, true, 100)
	assert.Equal(t, types.StatePrimary, getNode(t, m, idB).GoalState)
	heartbeat(t, m, idB, types.StatePrimary, true, 100)

	requireSingleWriter(t, m, "default", 0)
}

func TestTwoNodeFailoverDrainExpiry(t *testing.T) {
	m, idA, idB := setupTwoNodeGroup(t, nil)
	clockPtr := &fakeClock{current: m.now()}
	m.now = clockPtr.Now

	heartbeat(t, m, idA, types.StatePrimary, false, 0)
	heartbeat(t, m, idB, types.StatePreparePromotion, true, 100)
	assert.Equal(t, types.StateDemoteTimeout, getNode(t, m, idA).GoalState)

	// The old primary never acknowledges; the drain timeout unblocks the
	// promotion.
	heartbeat(t, m, idB, types.StateStopReplication, true, 100)
	assert.Equal(t, types.StateStopReplication, getNode(t, m, idB).GoalState)

	clockPtr.Advance(31 * time.Second)
	assignment := heartbeat(t, m, idB, types.StateStopReplication, true, 100)
	assert.Equal(t, types.StateWaitPrimary, assignment.GoalState)
	assert.Equal(t, types.StateDemoted, getNode(t, m, idA).GoalState)
}

// setupThreeNodeGroup extends the two-node group with a third standby and
// fixed reported positions.
func setupThreeNodeGroup(t *testing.T, mutate func(*config.Config), priorityC int, lsnA, lsnB, lsnC types.LSN) (*Monitor, int64, int64, int64) {
	t.Helper()
	m, idA, idB := setupTwoNodeGroup(t, mutate)

	c := register(t, m, "node-c", priorityC, true)
	assert.Equal(t, types.StateWaitStandby, c.GoalState)
	assert.Equal(t, types.StateJoinPrimary, getNode(t, m, idA).GoalState)

	heartbeat(t, m, idA, types.StateJoinPrimary, true, lsnA)
	assignment := heartbeat(t, m, c.NodeID, types.StateWaitStandby, true, 0)
	assert.Equal(t, types.StateCatchingUp, assignment.GoalState)

	reportHealth(t, m, c.NodeID, types.NodeHealthGood)
	assignment = heartbeat(t, m, c.NodeID, types.StateCatchingUp, true, lsnC)
	assert.Equal(t, types.StateSecondary, assignment.GoalState)

	heartbeat(t, m, c.NodeID, types.StateSecondary, true, lsnC)
	assert.Equal(t, types.StatePrimary, getNode(t, m, idA).GoalState)
	heartbeat(t, m, idA, types.StatePrimary, true, lsnA)
	heartbeat(t, m, idB, types.StateSecondary, true, lsnB)

	requireSingleWriter(t, m, "default", 0)
	return m, idA, idB, c.NodeID
}

func TestMultiStandbyFailoverDataLossGuard(t *testing.T) {
	// A at 100, best standby at 80: 20 bytes of acknowledged writes would
	// be lost, over the 16-byte threshold.
	m, idA, idB, idC := setupThreeNodeGroup(t, func(cfg *config.Config) {
		cfg.Thresholds.PromoteWalThreshold = 16
	}, 50, 100, 80, 75)

	heartbeat(t, m, idA, types.StatePrimary, false, 0)
	assert.Equal(t, types.StateDraining, getNode(t, m, idA).GoalState)
	assert.Equal(t, types.StateReportLSN, getNode(t, m, idB).GoalState)
	assert.Equal(t, types.StateReportLSN, getNode(t, m, idC).GoalState)

	heartbeat(t, m, idB, types.StateReportLSN, true, 80)
	heartbeat(t, m, idC, types.StateReportLSN, true, 75)

	// The guard refuses the promotion: no transitions, only events.
	assert.Equal(t, types.StateReportLSN, getNode(t, m, idB).GoalState)
	assert.Equal(t, types.StateReportLSN, getNode(t, m, idC).GoalState)
	assert.Equal(t, types.StateDraining, getNode(t, m, idA).GoalState)

	events, err := m.LastEvents("default", 0, 5)
	require.NoError(t, err)
	found := false
	for _, event := range events {
		if strings.Contains(event.Description, "promotion refused") {
			found = true
		}
	}
	assert.True(t, found, "expected a data-loss refusal event")
}

func TestMultiStandbyFailoverFastForward(t *testing.T) {
	// C has the higher priority but B holds the most advanced position:
	// C is elected and fast-forwards from B before promotion.
	m, idA, idB, idC := setupThreeNodeGroup(t, func(cfg *config.Config) {
		cfg.Thresholds.PromoteWalThreshold = 64
	}, 80, 100, 90, 70)

	heartbeat(t, m, idA, types.StatePrimary, false, 0)
	heartbeat(t, m, idB, types.StateReportLSN, true, 90)
	assignment := heartbeat(t, m, idC, types.StateReportLSN, true, 70)
	assert.Equal(t, types.StateFastForward, assignment.GoalState)

	assignment = heartbeat(t, m, idC, types.StateFastForward, true, 90)
	assert.Equal(t, types.StatePreparePromotion, assignment.GoalState)

	assignment = heartbeat(t, m, idC, types.StatePreparePromotion, true, 90)
	assert.Equal(t, types.StateStopReplication, assignment.GoalState)
	assert.Equal(t, types.StateDemoteTimeout, getNode(t, m, idA).GoalState)

	// The other standby lines up behind the elected candidate.
	assignment = heartbeat(t, m, idB, types.StateReportLSN, true, 90)
	assert.Equal(t, types.StateJoinSecondary, assignment.GoalState)

	heartbeat(t, m, idA, types.StateDemoteTimeout, false, 0)
	assignment = heartbeat(t, m, idC, types.StateStopReplication, true, 90)
	assert.Equal(t, types.StateWaitPrimary, assignment.GoalState)

	heartbeat(t, m, idC, types.StateWaitPrimary, true, 90)
	assignment = heartbeat(t, m, idB, types.StateJoinSecondary, true, 90)
	assert.Equal(t, types.StateSecondary, assignment.GoalState)

	heartbeat(t, m, idB, types.StateSecondary, true, 90)
	assert.Equal(t, types.StatePrimary, getNode(t, m, idC).GoalState)
	heartbeat(t, m, idC, types.StatePrimary, true, 90)

	// Only B is a settled synchronous standby; A is still demoted.
	names, err := m.SynchronousStandbyNames("default", 0)
	require.NoError(t, err)
	assert.Equal(t, "ANY 1 (pgpilot_standby_2)", names)

	requireSingleWriter(t, m, "default", 0)
}

func TestRemovePrimarySafely(t *testing.T) {
	m, idA, idB, idC := setupThreeNodeGroup(t, nil, 50, 100, 100, 100)

	removed, err := m.RemoveNode(idA, false)
	require.NoError(t, err)
	assert.True(t, removed)

	assert.Equal(t, types.StateDropped, getNode(t, m, idA).GoalState)
	assert.Equal(t, types.StateReportLSN, getNode(t, m, idB).GoalState)
	assert.Equal(t, types.StateReportLSN, getNode(t, m, idC).GoalState)

	// The keeper observes dropped and acknowledges; the row goes away.
	heartbeat(t, m, idA, types.StateDropped, false, 0)
	_, err = m.store.GetNode(idA)
	assert.Error(t, err)

	// The survivors elect a successor among themselves.
	heartbeat(t, m, idB, types.StateReportLSN, true, 100)
	assignment := heartbeat(t, m, idC, types.StateReportLSN, true, 100)
	selectedGoal := assignment.GoalState
	if selectedGoal != types.StatePreparePromotion {
		// B reported first but the election happens on the last report;
		// whichever won, exactly one node must be promoting.
		assignment = heartbeat(t, m, idB, types.StateReportLSN, true, 100)
	}

	b, c := getNode(t, m, idB), getNode(t, m, idC)
	promoting := 0
	for _, n := range []*types.Node{b, c} {
		if n.GoalState == types.StatePreparePromotion {
			promoting++
		}
	}
	assert.Equal(t, 1, promoting)
	requireSingleWriter(t, m, "default", 0)
}

func TestStopMaintenanceDuringFailover(t *testing.T) {
	m, idA, idB := setupTwoNodeGroup(t, nil)

	// Third node M becomes a secondary, then goes into maintenance.
	mnode := register(t, m, "node-m", 50, true)
	heartbeat(t, m, idA, types.StateJoinPrimary, true, 100)
	heartbeat(t, m, mnode.NodeID, types.StateWaitStandby, true, 0)
	reportHealth(t, m, mnode.NodeID, types.NodeHealthGood)
	heartbeat(t, m, mnode.NodeID, types.StateCatchingUp, true, 100)
	heartbeat(t, m, mnode.NodeID, types.StateSecondary, true, 100)
	heartbeat(t, m, idA, types.StatePrimary, true, 100)

	ok, err := m.StartMaintenance(mnode.NodeID)
	require.NoError(t, err)
	assert.True(t, ok)
	assignment := heartbeat(t, m, mnode.NodeID, types.StateWaitMaintenance, true, 100)
	assert.Equal(t, types.StateMaintenance, assignment.GoalState)
	heartbeat(t, m, mnode.NodeID, types.StateMaintenance, false, 0)

	// With M out of rotation the failover runs as a two-node handshake.
	heartbeat(t, m, idA, types.StatePrimary, false, 0)
	assert.Equal(t, types.StatePreparePromotion, getNode(t, m, idB).GoalState)
	heartbeat(t, m, idB, types.StatePreparePromotion, true, 100)
	heartbeat(t, m, idA, types.StateDemoteTimeout, false, 0)
	heartbeat(t, m, idB, types.StateStopReplication, true, 100)
	heartbeat(t, m, idB, types.StateWaitPrimary, true, 100)

	// A is still demoted: stopping maintenance routes M through
	// report_lsn, then the settled group sends it to catch up.
	ok, err = m.StopMaintenance(mnode.NodeID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.StateReportLSN, getNode(t, m, mnode.NodeID).GoalState)

	assignment = heartbeat(t, m, mnode.NodeID, types.StateReportLSN, true, 100)
	assert.Equal(t, types.StateCatchingUp, assignment.GoalState)

	reportHealth(t, m, mnode.NodeID, types.NodeHealthGood)
	assignment = heartbeat(t, m, mnode.NodeID, types.StateCatchingUp, true, 100)
	assert.Equal(t, types.StateSecondary, assignment.GoalState)
}

func TestNodeActiveIdempotence(t *testing.T) {
	m, _, idB := setupTwoNodeGroup(t, nil)

	before, err := m.LastEvents("default", 0, 1000)
	require.NoError(t, err)

	first := heartbeat(t, m, idB, types.StateSecondary, true, 100)
	second := heartbeat(t, m, idB, types.StateSecondary, true, 100)
	assert.Equal(t, first, second)

	after, err := m.LastEvents("default", 0, 1000)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(after)-len(before), 1)
}

func TestUnhealthySecondaryLeavesQuorum(t *testing.T) {
	m, idA, idB := setupTwoNodeGroup(t, nil)

	// The standby's postgres dies; the primary stops waiting on it.
	heartbeat(t, m, idB, types.StateSecondary, false, 0)
	reportHealth(t, m, idB, types.NodeHealthBad)

	assignment := heartbeat(t, m, idA, types.StatePrimary, true, 100)
	assert.Equal(t, types.StateCatchingUp, getNode(t, m, idB).GoalState)
	assert.Equal(t, types.StateWaitPrimary, assignment.GoalState)

	// On recovery the standby is re-admitted and the primary resumes
	// synchronous replication.
	reportHealth(t, m, idB, types.NodeHealthGood)
	heartbeat(t, m, idA, types.StateWaitPrimary, true, 100)
	assignment2 := heartbeat(t, m, idB, types.StateCatchingUp, true, 100)
	assert.Equal(t, types.StateSecondary, assignment2.GoalState)
	heartbeat(t, m, idB, types.StateSecondary, true, 100)
	assert.Equal(t, types.StatePrimary, getNode(t, m, idA).GoalState)
}

func TestPerformPromotionBoostsTarget(t *testing.T) {
	m, idA, idB, idC := setupThreeNodeGroup(t, nil, 20, 100, 100, 100)

	started, err := m.PerformPromotion("default", getNode(t, m, idC).Name)
	require.NoError(t, err)
	assert.True(t, started)

	// The outgoing primary is disadvantaged, the target boosted above
	// every user-settable priority.
	assert.Equal(t, promotionBoost, getNode(t, m, idC).PriorityBoost)
	assert.Equal(t, -failoverPenalty, getNode(t, m, idA).PriorityBoost)

	heartbeat(t, m, idB, types.StateReportLSN, true, 100)
	assignment := heartbeat(t, m, idC, types.StateReportLSN, true, 100)
	assert.Equal(t, types.StatePreparePromotion, assignment.GoalState)

	assignment = heartbeat(t, m, idC, types.StatePreparePromotion, true, 100)
	assert.Equal(t, types.StateStopReplication, assignment.GoalState)
	heartbeat(t, m, idA, types.StateDemoteTimeout, true, 100)
	assignment = heartbeat(t, m, idC, types.StateStopReplication, true, 100)
	assert.Equal(t, types.StateWaitPrimary, assignment.GoalState)

	// The boost is gone once the target reaches wait_primary.
	assert.Equal(t, 0, getNode(t, m, idC).PriorityBoost)

	// The penalty is gone once the old primary rejoins.
	heartbeat(t, m, idC, types.StateWaitPrimary, true, 100)
	assignment = heartbeat(t, m, idA, types.StateDemoted, false, 0)
	assert.Equal(t, types.StateCatchingUp, assignment.GoalState)
	assert.Equal(t, 0, getNode(t, m, idA).PriorityBoost)
}

func TestZeroCandidateGroupWaitsForOperator(t *testing.T) {
	m, idA, idB := setupTwoNodeGroup(t, nil)

	// Make the only standby a non-candidate, then lose the primary.
	_, err := m.SetNodeCandidatePriority("default", getNode(t, m, idB).Name, 0)
	require.NoError(t, err)
	heartbeat(t, m, idA, types.StateApplySettings, true, 100)
	heartbeat(t, m, idA, types.StatePrimary, false, 0)

	// Two-node path refuses to promote a priority-0 standby; nothing
	// moves without the operator.
	assert.Equal(t, types.StateSecondary, getNode(t, m, idB).GoalState)
	assert.Equal(t, types.StatePrimary, getNode(t, m, idA).GoalState)
}
