package monitor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/pgpilot/pgpilot/pkg/metrics"
)

// newRaft wires the raft node over the monitor's data directory. Timeouts
// are tuned for LAN deployments: monitors sit next to the databases they
// manage, so failure detection can be fast.
func (m *Monitor) newRaft(bindAddr string) (*raft.Raft, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	return r, nil
}

// Bootstrap starts raft and makes this monitor the only member of a new
// replication cluster.
func (m *Monitor) Bootstrap(bindAddr string) error {
	r, err := m.newRaft(bindAddr)
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(m.nodeID),
				Address: raft.ServerAddress(bindAddr),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	metrics.RaftLeader.Set(1)
	return nil
}

// Join starts raft without bootstrapping; an existing leader must add this
// monitor with AddVoter (the API exposes that to the CLI).
func (m *Monitor) Join(bindAddr string) error {
	r, err := m.newRaft(bindAddr)
	if err != nil {
		return err
	}
	m.raft = r
	return nil
}

// AddVoter adds a standby monitor to the raft cluster.
func (m *Monitor) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return NewError(ClassFeatureNotSupported, "raft replication is not enabled")
	}
	if !m.IsLeader() {
		return NewError(ClassObjectNotInPrerequisiteState,
			"not the leader, current leader: %s", m.LeaderAddr()).AsRetryable()
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a monitor from the raft cluster.
func (m *Monitor) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return NewError(ClassFeatureNotSupported, "raft replication is not enabled")
	}
	if !m.IsLeader() {
		return NewError(ClassObjectNotInPrerequisiteState, "not the leader").AsRetryable()
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// IsLeader reports whether this monitor may serve write procedures. A
// standalone monitor always may.
func (m *Monitor) IsLeader() bool {
	if m.raft == nil {
		return true
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current raft leader, or empty.
func (m *Monitor) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// ensureLeader gates write procedures on raft leadership.
func (m *Monitor) ensureLeader() error {
	if m.IsLeader() {
		return nil
	}
	return NewError(ClassConnectionException,
		"this monitor is not the leader").
		WithHint("retry against %s", m.LeaderAddr()).
		AsRetryable()
}
