package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pgpilot/pgpilot/pkg/monitor"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// Client talks to a monitor's HTTP procedure surface. It is what keeper
// agents and the operator CLI use; one method per procedure.
type Client struct {
	rc *resty.Client
}

// NewClient creates a client against the monitor's listen address.
func NewClient(baseURL string) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			// 503 is what the server answers for connection_exception and
			// for any other error it marks retryable.
			return resp.StatusCode() == http.StatusServiceUnavailable
		})
	return &Client{rc: rc}
}

// decodeError turns a non-2xx response into the server's classified error.
func decodeError(resp *resty.Response) error {
	var merr monitor.Error
	if err := json.Unmarshal(resp.Body(), &merr); err == nil && merr.Class != "" {
		return &merr
	}
	return fmt.Errorf("monitor returned %s", resp.Status())
}

// RegisterNodeRequest mirrors the register_node procedure parameters.
type RegisterNodeRequest struct {
	Formation         string `json:"formation"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	DBName            string `json:"dbname,omitempty"`
	Name              string `json:"name,omitempty"`
	SystemIdentifier  uint64 `json:"systemIdentifier,omitempty"`
	NodeID            int64  `json:"nodeId,omitempty"`
	GroupID           *int   `json:"groupId,omitempty"`
	InitialState      string `json:"initialState,omitempty"`
	NodeKind          string `json:"nodeKind,omitempty"`
	CandidatePriority int    `json:"candidatePriority"`
	ReplicationQuorum bool   `json:"replicationQuorum"`
	ClusterTag        string `json:"clusterTag,omitempty"`
}

// RegisterNode registers this keeper's node with the monitor.
func (c *Client) RegisterNode(req *RegisterNodeRequest) (*monitor.NodeAssignment, error) {
	var assignment monitor.NodeAssignment
	resp, err := c.rc.R().
		SetBody(req).
		SetResult(&assignment).
		Post("/api/v1/nodes/register")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, decodeError(resp)
	}
	return &assignment, nil
}

// NodeActiveRequest mirrors the node_active procedure parameters.
type NodeActiveRequest struct {
	Formation     string `json:"formation"`
	NodeID        int64  `json:"nodeId"`
	GroupID       int    `json:"groupId"`
	ReportedState string `json:"reportedState"`
	PGIsRunning   bool   `json:"pgIsRunning"`
	ReportedTLI   int    `json:"reportedTli,omitempty"`
	ReportedLSN   string `json:"reportedLsn,omitempty"`
	SyncState     string `json:"syncState,omitempty"`
}

// NodeActive sends one keeper heartbeat and returns the assignment.
func (c *Client) NodeActive(req *NodeActiveRequest) (*monitor.NodeAssignment, error) {
	var assignment monitor.NodeAssignment
	resp, err := c.rc.R().
		SetBody(req).
		SetResult(&assignment).
		Post("/api/v1/nodes/active")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, decodeError(resp)
	}
	return &assignment, nil
}

// GetPrimary returns the writable node of a group.
func (c *Client) GetPrimary(formation string, groupID int) (*monitor.NodeSummary, error) {
	var primary monitor.NodeSummary
	resp, err := c.rc.R().
		SetQueryParam("group", fmt.Sprintf("%d", groupID)).
		SetResult(&primary).
		Get(fmt.Sprintf("/api/v1/formations/%s/primary", formation))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, decodeError(resp)
	}
	return &primary, nil
}

// GetNodes lists the nodes of a formation (groupID -1 for all groups).
func (c *Client) GetNodes(formation string, groupID int) ([]*monitor.NodeSummary, error) {
	var nodes []*monitor.NodeSummary
	req := c.rc.R().SetResult(&nodes)
	if groupID >= 0 {
		req.SetQueryParam("group", fmt.Sprintf("%d", groupID))
	}
	resp, err := req.Get(fmt.Sprintf("/api/v1/formations/%s/nodes", formation))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, decodeError(resp)
	}
	return nodes, nil
}

// GetOtherNodes lists a node's peers, optionally filtered by state.
func (c *Client) GetOtherNodes(nodeID int64, state string) ([]*monitor.NodeSummary, error) {
	var nodes []*monitor.NodeSummary
	req := c.rc.R().SetResult(&nodes)
	if state != "" {
		req.SetQueryParam("state", state)
	}
	resp, err := req.Get(fmt.Sprintf("/api/v1/nodes/%d/others", nodeID))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, decodeError(resp)
	}
	return nodes, nil
}

// RemoveNode removes a node; call twice (or force) to delete the row.
func (c *Client) RemoveNode(nodeID int64, force bool) error {
	resp, err := c.rc.R().
		SetQueryParam("force", fmt.Sprintf("%t", force)).
		Delete(fmt.Sprintf("/api/v1/nodes/%d", nodeID))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}

// RemoveNodeByAddr removes a node identified by host:port.
func (c *Client) RemoveNodeByAddr(host string, port int, force bool) error {
	resp, err := c.rc.R().
		SetQueryParam("host", host).
		SetQueryParam("port", fmt.Sprintf("%d", port)).
		SetQueryParam("force", fmt.Sprintf("%t", force)).
		Delete("/api/v1/nodes")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}

// PerformFailover triggers a failover of the given group.
func (c *Client) PerformFailover(formation string, groupID int) error {
	resp, err := c.rc.R().
		Post(fmt.Sprintf("/api/v1/formations/%s/groups/%d/failover", formation, groupID))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}

// PerformPromotion promotes the named node; true when a failover started.
func (c *Client) PerformPromotion(formation, name string) (bool, error) {
	var out struct {
		Failover bool `json:"failover"`
	}
	resp, err := c.rc.R().
		SetBody(map[string]string{"name": name}).
		SetResult(&out).
		Post(fmt.Sprintf("/api/v1/formations/%s/promote", formation))
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		return false, decodeError(resp)
	}
	return out.Failover, nil
}

// SetCandidatePriority updates a node's election priority.
func (c *Client) SetCandidatePriority(formation, name string, priority int) error {
	resp, err := c.rc.R().
		SetBody(map[string]int{"candidatePriority": priority}).
		Put(fmt.Sprintf("/api/v1/formations/%s/nodes/%s/candidate-priority", formation, name))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}

// SetReplicationQuorum updates a node's quorum participation.
func (c *Client) SetReplicationQuorum(formation, name string, quorum bool) error {
	resp, err := c.rc.R().
		SetBody(map[string]bool{"replicationQuorum": quorum}).
		Put(fmt.Sprintf("/api/v1/formations/%s/nodes/%s/replication-quorum", formation, name))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}

// SetNumberSyncStandbys updates the formation durability setting.
func (c *Client) SetNumberSyncStandbys(formation string, n int) error {
	resp, err := c.rc.R().
		SetBody(map[string]int{"numberSyncStandbys": n}).
		Put(fmt.Sprintf("/api/v1/formations/%s/number-sync-standbys", formation))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}

// StartMaintenance takes a node out of rotation.
func (c *Client) StartMaintenance(nodeID int64) error {
	resp, err := c.rc.R().
		Post(fmt.Sprintf("/api/v1/nodes/%d/maintenance/start", nodeID))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}

// StopMaintenance puts a node back into rotation.
func (c *Client) StopMaintenance(nodeID int64) error {
	resp, err := c.rc.R().
		Post(fmt.Sprintf("/api/v1/nodes/%d/maintenance/stop", nodeID))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}

// CurrentState returns one row per node of the formation.
func (c *Client) CurrentState(formation string, groupID int) ([]*types.NodeState, error) {
	var states []*types.NodeState
	req := c.rc.R().SetResult(&states)
	if groupID >= 0 {
		req.SetQueryParam("group", fmt.Sprintf("%d", groupID))
	}
	resp, err := req.Get(fmt.Sprintf("/api/v1/formations/%s/state", formation))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, decodeError(resp)
	}
	return states, nil
}

// LastEvents returns the newest events, oldest first.
func (c *Client) LastEvents(formation string, groupID, count int) ([]*types.Event, error) {
	var events []*types.Event
	req := c.rc.R().SetResult(&events).
		SetQueryParam("count", fmt.Sprintf("%d", count))
	if formation != "" {
		req.SetQueryParam("formation", formation)
	}
	if groupID >= 0 {
		req.SetQueryParam("group", fmt.Sprintf("%d", groupID))
	}
	resp, err := req.Get("/api/v1/events")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, decodeError(resp)
	}
	return events, nil
}

// SynchronousStandbyNames returns the sync names setting for a group.
func (c *Client) SynchronousStandbyNames(formation string, groupID int) (string, error) {
	var out struct {
		SynchronousStandbyNames string `json:"synchronousStandbyNames"`
	}
	resp, err := c.rc.R().
		SetResult(&out).
		Get(fmt.Sprintf("/api/v1/formations/%s/groups/%d/sync-standby-names", formation, groupID))
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", decodeError(resp)
	}
	return out.SynchronousStandbyNames, nil
}

// JoinCluster asks the leader to add a standby monitor to its raft cluster.
func (c *Client) JoinCluster(nodeID, address string) error {
	resp, err := c.rc.R().
		SetBody(map[string]string{"nodeId": nodeID, "address": address}).
		Post("/api/v1/cluster/join")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeError(resp)
	}
	return nil
}
