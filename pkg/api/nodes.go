package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pgpilot/pgpilot/pkg/metrics"
	"github.com/pgpilot/pgpilot/pkg/monitor"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// NodeAPI serves the keeper-facing procedures: registration, heartbeats,
// and topology lookups.
type NodeAPI struct {
	monitor *monitor.Monitor
}

// NewNodeAPI creates a NodeAPI instance.
func NewNodeAPI(m *monitor.Monitor) *NodeAPI {
	return &NodeAPI{monitor: m}
}

// Register adds the node procedure routes.
func (api *NodeAPI) Register(route gin.IRoutes) {
	route.POST("/nodes/register", api.RegisterNode)
	route.POST("/nodes/active", api.NodeActive)
	route.GET("/nodes/:id/others", api.GetOtherNodes)
	route.DELETE("/nodes/:id", api.RemoveNode)
	route.DELETE("/nodes", api.RemoveNodeByAddr)
	route.GET("/formations/:formation/primary", api.GetPrimary)
	route.GET("/formations/:formation/nodes", api.GetNodes)
}

type registerNodeRequest struct {
	Formation         string `json:"formation" binding:"required"`
	Host              string `json:"host" binding:"required"`
	Port              int    `json:"port" binding:"required,min=1,max=65535"`
	DBName            string `json:"dbname"`
	Name              string `json:"name"`
	SystemIdentifier  uint64 `json:"systemIdentifier"`
	NodeID            int64  `json:"nodeId"`
	GroupID           *int   `json:"groupId"`
	InitialState      string `json:"initialState"`
	NodeKind          string `json:"nodeKind"`
	CandidatePriority int    `json:"candidatePriority" binding:"min=0,max=100"`
	ReplicationQuorum bool   `json:"replicationQuorum"`
	ClusterTag        string `json:"clusterTag"`
}

// RegisterNode implements the register_node procedure.
func (api *NodeAPI) RegisterNode(c *gin.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, "register_node")

	var req registerNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	groupID := -1
	if req.GroupID != nil {
		groupID = *req.GroupID
	}
	nodeID := req.NodeID
	if nodeID == 0 {
		nodeID = -1
	}

	assignment, err := api.monitor.RegisterNode(&monitor.RegisterNodeRequest{
		Formation:         req.Formation,
		Host:              req.Host,
		Port:              req.Port,
		DBName:            req.DBName,
		Name:              req.Name,
		SystemIdentifier:  req.SystemIdentifier,
		DesiredNodeID:     nodeID,
		DesiredGroupID:    groupID,
		InitialState:      types.ReplicationState(req.InitialState),
		NodeKind:          types.NodeKind(req.NodeKind),
		CandidatePriority: req.CandidatePriority,
		ReplicationQuorum: req.ReplicationQuorum,
		ClusterTag:        req.ClusterTag,
	})
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues("register_node", "error").Inc()
		respondError(c, err)
		return
	}

	metrics.APIRequestsTotal.WithLabelValues("register_node", "ok").Inc()
	c.JSON(http.StatusOK, assignment)
}

type nodeActiveRequest struct {
	Formation     string `json:"formation" binding:"required"`
	NodeID        int64  `json:"nodeId" binding:"required"`
	GroupID       int    `json:"groupId"`
	ReportedState string `json:"reportedState" binding:"required"`
	PGIsRunning   bool   `json:"pgIsRunning"`
	ReportedTLI   int    `json:"reportedTli"`
	ReportedLSN   string `json:"reportedLsn"`
	SyncState     string `json:"syncState"`
}

// NodeActive implements the node_active heartbeat procedure.
func (api *NodeAPI) NodeActive(c *gin.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, "node_active")

	var req nodeActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	lsn := types.InvalidLSN
	if req.ReportedLSN != "" {
		parsed, err := types.ParseLSN(req.ReportedLSN)
		if err != nil {
			respondBadRequest(c, err)
			return
		}
		lsn = parsed
	}

	assignment, err := api.monitor.NodeActive(&monitor.NodeActiveRequest{
		Formation:     req.Formation,
		NodeID:        req.NodeID,
		GroupID:       req.GroupID,
		ReportedState: types.ReplicationState(req.ReportedState),
		PGIsRunning:   req.PGIsRunning,
		ReportedTLI:   req.ReportedTLI,
		ReportedLSN:   lsn,
		SyncState:     req.SyncState,
	})
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues("node_active", "error").Inc()
		respondError(c, err)
		return
	}

	metrics.APIRequestsTotal.WithLabelValues("node_active", "ok").Inc()
	c.JSON(http.StatusOK, assignment)
}

// GetPrimary implements get_primary; the group defaults to 0.
func (api *NodeAPI) GetPrimary(c *gin.Context) {
	groupID, err := queryInt(c, "group", 0)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	primary, err := api.monitor.GetPrimary(c.Param("formation"), groupID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, primary)
}

// GetNodes implements get_nodes; omit group to get the whole formation.
func (api *NodeAPI) GetNodes(c *gin.Context) {
	groupID, err := queryInt(c, "group", -1)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	nodes, err := api.monitor.GetNodes(c.Param("formation"), groupID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

// GetOtherNodes implements get_other_nodes with an optional state filter.
func (api *NodeAPI) GetOtherNodes(c *gin.Context) {
	nodeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	nodes, err := api.monitor.GetOtherNodes(nodeID,
		types.ReplicationState(c.Query("state")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

// RemoveNode implements remove_node_by_nodeid.
func (api *NodeAPI) RemoveNode(c *gin.Context) {
	nodeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	force := c.Query("force") == "true"

	removed, err := api.monitor.RemoveNode(nodeID, force)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// RemoveNodeByAddr implements remove_node_by_host.
func (api *NodeAPI) RemoveNodeByAddr(c *gin.Context) {
	host := c.Query("host")
	port, err := queryInt(c, "port", 5432)
	if err != nil || host == "" {
		respondBadRequest(c, fmt.Errorf("the host query parameter is required and port must be an integer"))
		return
	}
	force := c.Query("force") == "true"

	removed, err := api.monitor.RemoveNodeByAddr(host, port, force)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
