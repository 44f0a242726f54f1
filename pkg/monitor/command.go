package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/pgpilot/pgpilot/pkg/storage"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// Command represents one metadata mutation in the replicated log. Every
// write the monitor makes goes through a Command so that raft-replicated
// and standalone deployments share one code path.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opUpsertFormation = "upsert_formation"
	opDeleteFormation = "delete_formation"
	opCreateNode      = "create_node"
	opUpdateNode      = "update_node"
	opDeleteNode      = "delete_node"
	opAppendEvent     = "append_event"
)

// monitorFSM implements the raft FSM over the metadata store. It applies
// committed commands and snapshots the full metadata set.
type monitorFSM struct {
	mu    sync.Mutex
	store storage.Store
}

func newMonitorFSM(store storage.Store) *monitorFSM {
	return &monitorFSM{store: store}
}

// Apply applies a committed raft log entry.
func (f *monitorFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return f.applyCommand(cmd)
}

// applyCommand executes one command against the store. The return value is
// either an error or the command's result (the assigned node id for
// create_node, the event id for append_event).
func (f *monitorFSM) applyCommand(cmd Command) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opUpsertFormation:
		var formation types.Formation
		if err := json.Unmarshal(cmd.Data, &formation); err != nil {
			return err
		}
		if _, err := f.store.GetFormation(formation.ID); err != nil {
			return f.store.CreateFormation(&formation)
		}
		return f.store.UpdateFormation(&formation)

	case opDeleteFormation:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteFormation(id)

	case opCreateNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		id, err := f.store.CreateNode(&node)
		if err != nil {
			return err
		}
		return id

	case opUpdateNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.UpdateNode(&node)

	case opDeleteNode:
		var id int64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteNode(id)

	case opAppendEvent:
		var event types.Event
		if err := json.Unmarshal(cmd.Data, &event); err != nil {
			return err
		}
		id, err := f.store.AppendEvent(&event)
		if err != nil {
			return err
		}
		return id

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the metadata set.
func (f *monitorFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	formations, err := f.store.ListFormations()
	if err != nil {
		return nil, fmt.Errorf("failed to list formations: %w", err)
	}

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	events, err := f.store.LastEvents("", -1, snapshotEventCount)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return &monitorSnapshot{
		Formations: formations,
		Nodes:      nodes,
		Events:     events,
	}, nil
}

// snapshotEventCount bounds how much of the event log travels in snapshots.
const snapshotEventCount = 10000

// Restore restores the metadata set from a snapshot.
func (f *monitorFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot monitorSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, formation := range snapshot.Formations {
		if err := f.store.CreateFormation(formation); err != nil {
			return fmt.Errorf("failed to restore formation: %w", err)
		}
	}

	for _, node := range snapshot.Nodes {
		if _, err := f.store.CreateNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
	}

	for _, event := range snapshot.Events {
		if _, err := f.store.AppendEvent(event); err != nil {
			return fmt.Errorf("failed to restore event: %w", err)
		}
	}

	return nil
}

// monitorSnapshot is the serialized metadata set.
type monitorSnapshot struct {
	Formations []*types.Formation `json:"formations"`
	Nodes      []*types.Node      `json:"nodes"`
	Events     []*types.Event     `json:"events"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *monitorSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *monitorSnapshot) Release() {}
