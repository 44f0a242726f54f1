package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/pgpilot/pgpilot/pkg/types"
)

var (
	// Bucket names
	bucketFormations = []byte("formations")
	bucketNodes      = []byte("nodes")
	bucketEvents     = []byte("events")
)

// BoltStore implements Store using BoltDB. Node ids and event ids come from
// the bucket sequences, so they are monotonic and never reused.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pgpilot.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketFormations,
			bucketNodes,
			bucketEvents,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itob encodes an id as a big-endian key so cursor order is id order.
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// Formation operations

func (s *BoltStore) CreateFormation(formation *types.Formation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFormations)
		if b.Get([]byte(formation.ID)) != nil {
			return fmt.Errorf("formation already exists: %s", formation.ID)
		}
		data, err := json.Marshal(formation)
		if err != nil {
			return err
		}
		return b.Put([]byte(formation.ID), data)
	})
}

func (s *BoltStore) GetFormation(id string) (*types.Formation, error) {
	var formation types.Formation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFormations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("formation not found: %s", id)
		}
		return json.Unmarshal(data, &formation)
	})
	if err != nil {
		return nil, err
	}
	return &formation, nil
}

func (s *BoltStore) ListFormations() ([]*types.Formation, error) {
	var formations []*types.Formation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFormations)
		return b.ForEach(func(k, v []byte) error {
			var formation types.Formation
			if err := json.Unmarshal(v, &formation); err != nil {
				return err
			}
			formations = append(formations, &formation)
			return nil
		})
	})
	return formations, err
}

func (s *BoltStore) UpdateFormation(formation *types.Formation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFormations)
		if b.Get([]byte(formation.ID)) == nil {
			return fmt.Errorf("formation not found: %s", formation.ID)
		}
		data, err := json.Marshal(formation)
		if err != nil {
			return err
		}
		return b.Put([]byte(formation.ID), data)
	})
}

func (s *BoltStore) DeleteFormation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFormations)
		return b.Delete([]byte(id))
	})
}

// Node operations

// CreateNode inserts a node row. A zero or negative ID is replaced by the
// next value of the node sequence; the assigned id is returned.
func (s *BoltStore) CreateNode(node *types.Node) (int64, error) {
	var assigned int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)

		if node.ID <= 0 {
			// Skip sequence values already taken by an explicitly chosen id.
			for {
				seq, err := b.NextSequence()
				if err != nil {
					return fmt.Errorf("failed to allocate node id: %w", err)
				}
				node.ID = int64(seq)
				if b.Get(itob(node.ID)) == nil {
					break
				}
			}
		} else if b.Get(itob(node.ID)) != nil {
			return fmt.Errorf("node id already in use: %d", node.ID)
		}
		assigned = node.ID

		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(itob(node.ID), data)
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

func (s *BoltStore) GetNode(id int64) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("node not found: %d", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) GetNodeByName(formation, name string) (*types.Node, error) {
	var found *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.Formation == formation && node.Name == name {
				found = &node
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("node not found: %s/%s", formation, name)
	}
	return found, nil
}

func (s *BoltStore) GetNodeByAddr(host string, port int) (*types.Node, error) {
	var found *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.Host == host && node.Port == port {
				found = &node
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("node not found: %s:%d", host, port)
	}
	return found, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	return s.listNodes(func(*types.Node) bool { return true })
}

func (s *BoltStore) ListFormationNodes(formation string) ([]*types.Node, error) {
	return s.listNodes(func(n *types.Node) bool {
		return n.Formation == formation
	})
}

// ListGroupNodes returns the group members ordered by node id.
func (s *BoltStore) ListGroupNodes(formation string, groupID int) ([]*types.Node, error) {
	return s.listNodes(func(n *types.Node) bool {
		return n.Formation == formation && n.GroupID == groupID
	})
}

func (s *BoltStore) listNodes(keep func(*types.Node) bool) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if keep(&node) {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys are big-endian ids, so cursor order is already id order; the
	// sort keeps the contract explicit.
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get(itob(node.ID)) == nil {
			return fmt.Errorf("node not found: %d", node.ID)
		}
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(itob(node.ID), data)
	})
}

func (s *BoltStore) DeleteNode(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete(itob(id))
	})
}

// Event operations

// AppendEvent appends to the event log and returns the assigned event id.
// Ids come from the bucket sequence, so iteration order is commit order.
func (s *BoltStore) AppendEvent(event *types.Event) (int64, error) {
	var assigned int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate event id: %w", err)
		}
		event.ID = int64(seq)
		assigned = event.ID

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(itob(event.ID), data)
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// LastEvents returns the newest count events in chronological order.
// An empty formation means all formations; groupID -1 means all groups.
func (s *BoltStore) LastEvents(formation string, groupID int, count int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(events) < count; k, v = c.Prev() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if formation != "" && event.Formation != formation {
				continue
			}
			if groupID >= 0 && event.GroupID != groupID {
				continue
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Collected newest-first; flip to chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
