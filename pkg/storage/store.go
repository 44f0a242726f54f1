package storage

import (
	"github.com/pgpilot/pgpilot/pkg/types"
)

// Store is the authoritative metadata store for formations, nodes and the
// append-only event log. Implemented by the BoltDB-backed store.
type Store interface {
	// Formations
	CreateFormation(formation *types.Formation) error
	GetFormation(id string) (*types.Formation, error)
	ListFormations() ([]*types.Formation, error)
	UpdateFormation(formation *types.Formation) error
	DeleteFormation(id string) error

	// Nodes
	CreateNode(node *types.Node) (int64, error)
	GetNode(id int64) (*types.Node, error)
	GetNodeByName(formation, name string) (*types.Node, error)
	GetNodeByAddr(host string, port int) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListFormationNodes(formation string) ([]*types.Node, error)
	ListGroupNodes(formation string, groupID int) ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id int64) error

	// Events
	AppendEvent(event *types.Event) (int64, error)
	LastEvents(formation string, groupID int, count int) ([]*types.Event, error)

	// Utility
	Close() error
}
