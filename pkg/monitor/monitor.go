package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgpilot/pgpilot/pkg/config"
	"github.com/pgpilot/pgpilot/pkg/events"
	"github.com/pgpilot/pgpilot/pkg/health"
	"github.com/pgpilot/pgpilot/pkg/log"
	"github.com/pgpilot/pgpilot/pkg/metrics"
	"github.com/pgpilot/pgpilot/pkg/storage"
	"github.com/pgpilot/pgpilot/pkg/types"

	"github.com/hashicorp/raft"
)

// Monitor is the failover coordinator. It owns the metadata store, runs the
// group state machine on every keeper heartbeat, and serves the procedure
// surface in pkg/api. All decisions happen on the calling goroutine under
// the formation/group locks; there is no background decision loop.
type Monitor struct {
	nodeID  string
	dataDir string
	cfg     *config.Config

	store  storage.Store
	fsm    *monitorFSM
	raft   *raft.Raft
	broker *events.Broker
	oracle *health.Oracle
	locks  *lockManager
	logger zerolog.Logger

	// now is the clock the state machine reads. Overridden in tests.
	now func() time.Time
}

// NewMonitor opens the metadata store under cfg.DataDir and assembles the
// coordinator. Raft stays down until Bootstrap or Join is called; without
// it every command applies directly to the local store.
func NewMonitor(cfg *config.Config) (*Monitor, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	m := &Monitor{
		nodeID:  cfg.NodeID,
		dataDir: cfg.DataDir,
		cfg:     cfg,
		store:   store,
		fsm:     newMonitorFSM(store),
		broker:  broker,
		locks:   newLockManager(),
		logger:  log.WithComponent("monitor"),
		now:     time.Now,
	}
	m.oracle = health.NewOracle(cfg.Thresholds, m.now())

	return m, nil
}

// Store exposes read access to the metadata store.
func (m *Monitor) Store() storage.Store {
	return m.store
}

// Broker returns the state notification broker.
func (m *Monitor) Broker() *events.Broker {
	return m.broker
}

// NodeID returns this monitor's own id.
func (m *Monitor) NodeID() string {
	return m.nodeID
}

// Oracle returns the health classifier in use.
func (m *Monitor) Oracle() *health.Oracle {
	return m.oracle
}

// Shutdown stops raft (when running), the broker and the store.
func (m *Monitor) Shutdown() error {
	if m.broker != nil {
		m.broker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}

// apply routes one command through raft when replication is enabled, or
// straight into the local FSM otherwise. It returns the command result.
func (m *Monitor) apply(op string, payload interface{}) (interface{}, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	cmd := Command{Op: op, Data: data}

	if m.raft == nil {
		resp := m.fsm.applyCommand(cmd)
		if err, ok := resp.(error); ok {
			return nil, err
		}
		return resp, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, NewError(ClassConnectionException,
			"failed to apply command: %v", err).AsRetryable()
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return nil, err
		}
		return resp, nil
	}
	return nil, nil
}

func (m *Monitor) upsertFormation(formation *types.Formation) error {
	_, err := m.apply(opUpsertFormation, formation)
	return err
}

func (m *Monitor) deleteFormation(id string) error {
	_, err := m.apply(opDeleteFormation, id)
	return err
}

func (m *Monitor) createNode(node *types.Node) (int64, error) {
	resp, err := m.apply(opCreateNode, node)
	if err != nil {
		return 0, err
	}
	switch id := resp.(type) {
	case int64:
		node.ID = id
		return id, nil
	case float64:
		// raft responses round-trip through JSON on some paths
		node.ID = int64(id)
		return int64(id), nil
	default:
		return 0, fmt.Errorf("unexpected create_node response %T", resp)
	}
}

func (m *Monitor) updateNode(node *types.Node) error {
	_, err := m.apply(opUpdateNode, node)
	return err
}

func (m *Monitor) deleteNode(id int64) error {
	_, err := m.apply(opDeleteNode, id)
	return err
}

func (m *Monitor) appendEvent(event *types.Event) error {
	_, err := m.apply(opAppendEvent, event)
	if err == nil {
		metrics.EventsTotal.Inc()
	}
	return err
}

// eventFor builds the event row for the node's current state.
func eventFor(node *types.Node, description string, at time.Time) *types.Event {
	return &types.Event{
		Time:              at,
		Formation:         node.Formation,
		GroupID:           node.GroupID,
		NodeID:            node.ID,
		NodeName:          node.Name,
		Host:              node.Host,
		Port:              node.Port,
		ReportedState:     node.ReportedState,
		GoalState:         node.GoalState,
		ReportedLSN:       node.ReportedLSN,
		ReportedTLI:       node.ReportedTLI,
		CandidatePriority: node.CandidatePriority,
		ReplicationQuorum: node.ReplicationQuorum,
		Description:       description,
	}
}

// emitEvent appends an event for the node without changing any state, and
// publishes the matching notification.
func (m *Monitor) emitEvent(node *types.Node, description string) error {
	at := m.now()
	if err := m.appendEvent(eventFor(node, description, at)); err != nil {
		return err
	}
	m.broker.Publish(events.NewStateNotification(node, description, at))
	return nil
}

// setGoalState assigns a new goal state, persists the node, appends the
// event and fires the notification. The caller holds the group lock.
//
// Assigning a writable goal while another group member is writable is an
// invariant violation: the transition is refused before anything is
// written, so the metadata stays consistent and the next heartbeat
// re-evaluates.
func (m *Monitor) setGoalState(node *types.Node, goal types.ReplicationState, description string) error {
	if goal.IsWritable() && !node.GoalState.IsWritable() {
		peers, err := m.store.ListGroupNodes(node.Formation, node.GroupID)
		if err != nil {
			return err
		}
		for _, peer := range peers {
			// A crashed primary keeps reporting nothing, so its stale
			// reported state must not block the promotion: only the
			// assigned goal counts here.
			if peer.ID != node.ID && peer.GoalState.IsWritable() {
				return NewError(ClassInternalError,
					"cannot assign %s to node %d: node %d is still writable in group %d",
					goal, node.ID, peer.ID, node.GroupID)
			}
		}
	}

	at := m.now()
	node.GoalState = goal
	node.StateChangeTime = at

	if err := m.updateNode(node); err != nil {
		return err
	}
	if err := m.appendEvent(eventFor(node, description, at)); err != nil {
		return err
	}

	m.broker.Publish(events.NewStateNotification(node, description, at))
	metrics.StateTransitionsTotal.WithLabelValues(string(goal)).Inc()

	m.logger.Info().
		Str("formation", node.Formation).
		Int("group", node.GroupID).
		Int64("node_id", node.ID).
		Str("node_name", node.Name).
		Str("reported_state", string(node.ReportedState)).
		Str("goal_state", string(goal)).
		Msg(description)

	return nil
}
