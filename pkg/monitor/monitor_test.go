package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgpilot/pgpilot/pkg/config"
	"github.com/pgpilot/pgpilot/pkg/health"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// fakeClock makes every threshold in the state machine deterministic.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestMonitor(t *testing.T, mutate func(*config.Config)) (*Monitor, *fakeClock) {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	m, err := NewMonitor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	clock := &fakeClock{current: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	// Pretend the monitor has been up for a while so the startup grace
	// period does not mask unhealthy verdicts.
	m.oracle = health.NewOracle(cfg.Thresholds, clock.current.Add(-time.Hour))

	return m, clock
}

func register(t *testing.T, m *Monitor, host string, priority int, quorum bool) *NodeAssignment {
	t.Helper()
	assignment, err := m.RegisterNode(&RegisterNodeRequest{
		Formation:         "default",
		Host:              host,
		Port:              5432,
		DBName:            "appdb",
		DesiredNodeID:     -1,
		DesiredGroupID:    -1,
		InitialState:      types.StateInit,
		NodeKind:          types.NodeKindStandalone,
		CandidatePriority: priority,
		ReplicationQuorum: quorum,
	})
	require.NoError(t, err)
	return assignment
}

func heartbeat(t *testing.T, m *Monitor, nodeID int64, state types.ReplicationState, running bool, lsn types.LSN) *NodeAssignment {
	t.Helper()
	node, err := m.store.GetNode(nodeID)
	require.NoError(t, err)
	assignment, err := m.NodeActive(&NodeActiveRequest{
		Formation:     node.Formation,
		NodeID:        nodeID,
		GroupID:       node.GroupID,
		ReportedState: state,
		PGIsRunning:   running,
		ReportedTLI:   1,
		ReportedLSN:   lsn,
	})
	require.NoError(t, err)
	return assignment
}

func reportHealth(t *testing.T, m *Monitor, nodeID int64, verdict types.NodeHealth) {
	t.Helper()
	require.NoError(t, m.ReportNodeHealth(nodeID, verdict))
}

func getNode(t *testing.T, m *Monitor, nodeID int64) *types.Node {
	t.Helper()
	node, err := m.store.GetNode(nodeID)
	require.NoError(t, err)
	return node
}

// requireSingleWriter asserts the core safety invariant: at most one node
// per group has both its reported and goal state writable.
func requireSingleWriter(t *testing.T, m *Monitor, formation string, groupID int) {
	t.Helper()
	nodes, err := m.store.ListGroupNodes(formation, groupID)
	require.NoError(t, err)
	writable := 0
	for _, n := range nodes {
		if n.ReportedState.IsWritable() && n.GoalState.IsWritable() {
			writable++
		}
	}
	require.LessOrEqual(t, writable, 1, "more than one writable node in group")
}
