package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pgpilot/pgpilot/pkg/monitor"
	"github.com/pgpilot/pgpilot/pkg/types"
)

// AdminAPI serves the operator procedures: failover, promotion,
// maintenance, replication settings, formation lifecycle and monitor
// cluster membership.
type AdminAPI struct {
	monitor *monitor.Monitor
}

// NewAdminAPI creates an AdminAPI instance.
func NewAdminAPI(m *monitor.Monitor) *AdminAPI {
	return &AdminAPI{monitor: m}
}

// Register adds the operator routes.
func (api *AdminAPI) Register(route gin.IRoutes) {
	route.POST("/formations", api.CreateFormation)
	route.DELETE("/formations/:formation", api.DropFormation)
	route.POST("/formations/:formation/groups/:group/failover", api.PerformFailover)
	route.POST("/formations/:formation/promote", api.PerformPromotion)
	route.PUT("/formations/:formation/nodes/:name/candidate-priority", api.SetCandidatePriority)
	route.PUT("/formations/:formation/nodes/:name/replication-quorum", api.SetReplicationQuorum)
	route.PUT("/formations/:formation/number-sync-standbys", api.SetNumberSyncStandbys)
	route.POST("/nodes/:id/maintenance/start", api.StartMaintenance)
	route.POST("/nodes/:id/maintenance/stop", api.StopMaintenance)
	route.PUT("/nodes/:id/metadata", api.UpdateNodeMetadata)
	route.POST("/cluster/join", api.JoinCluster)
	route.GET("/cluster/leader", api.Leader)
}

type createFormationRequest struct {
	ID                 string `json:"id" binding:"required"`
	Kind               string `json:"kind" binding:"required,oneof=pgsql citus"`
	DBName             string `json:"dbname"`
	OptSecondary       *bool  `json:"optSecondary"`
	NumberSyncStandbys int    `json:"numberSyncStandbys" binding:"min=0"`
}

// CreateFormation creates an empty formation.
func (api *AdminAPI) CreateFormation(c *gin.Context) {
	var req createFormationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	optSecondary := true
	if req.OptSecondary != nil {
		optSecondary = *req.OptSecondary
	}

	formation, err := api.monitor.CreateFormation(req.ID,
		types.FormationKind(req.Kind), req.DBName, optSecondary, req.NumberSyncStandbys)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, formation)
}

// DropFormation drops an empty formation.
func (api *AdminAPI) DropFormation(c *gin.Context) {
	if err := api.monitor.DropFormation(c.Param("formation")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dropped": true})
}

// PerformFailover implements perform_failover.
func (api *AdminAPI) PerformFailover(c *gin.Context) {
	groupID, err := strconv.Atoi(c.Param("group"))
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	if err := api.monitor.PerformFailover(c.Param("formation"), groupID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failover": true})
}

type promoteRequest struct {
	Name string `json:"name" binding:"required"`
}

// PerformPromotion implements perform_promotion.
func (api *AdminAPI) PerformPromotion(c *gin.Context) {
	var req promoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	inProgress, err := api.monitor.PerformPromotion(c.Param("formation"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failover": inProgress})
}

type candidatePriorityRequest struct {
	CandidatePriority *int `json:"candidatePriority" binding:"required,min=0,max=100"`
}

// SetCandidatePriority implements set_node_candidate_priority.
func (api *AdminAPI) SetCandidatePriority(c *gin.Context) {
	var req candidatePriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	ok, err := api.monitor.SetNodeCandidatePriority(
		c.Param("formation"), c.Param("name"), *req.CandidatePriority)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": ok})
}

type replicationQuorumRequest struct {
	ReplicationQuorum *bool `json:"replicationQuorum" binding:"required"`
}

// SetReplicationQuorum implements set_node_replication_quorum.
func (api *AdminAPI) SetReplicationQuorum(c *gin.Context) {
	var req replicationQuorumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	ok, err := api.monitor.SetNodeReplicationQuorum(
		c.Param("formation"), c.Param("name"), *req.ReplicationQuorum)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": ok})
}

type numberSyncStandbysRequest struct {
	NumberSyncStandbys *int `json:"numberSyncStandbys" binding:"required,min=0"`
}

// SetNumberSyncStandbys changes the formation durability setting.
func (api *AdminAPI) SetNumberSyncStandbys(c *gin.Context) {
	var req numberSyncStandbysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	ok, err := api.monitor.SetFormationNumberSyncStandbys(
		c.Param("formation"), *req.NumberSyncStandbys)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": ok})
}

// StartMaintenance implements start_maintenance.
func (api *AdminAPI) StartMaintenance(c *gin.Context) {
	nodeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	ok, err := api.monitor.StartMaintenance(nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"maintenance": ok})
}

// StopMaintenance implements stop_maintenance.
func (api *AdminAPI) StopMaintenance(c *gin.Context) {
	nodeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	ok, err := api.monitor.StopMaintenance(nodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"maintenance": !ok})
}

type updateMetadataRequest struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port" binding:"min=0,max=65535"`
}

// UpdateNodeMetadata implements update_node_metadata.
func (api *AdminAPI) UpdateNodeMetadata(c *gin.Context) {
	nodeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	var req updateMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	ok, err := api.monitor.UpdateNodeMetadata(nodeID, req.Name, req.Host, req.Port)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": ok})
}

type joinClusterRequest struct {
	NodeID  string `json:"nodeId" binding:"required"`
	Address string `json:"address" binding:"required"`
}

// JoinCluster adds a standby monitor to the raft cluster.
func (api *AdminAPI) JoinCluster(c *gin.Context) {
	var req joinClusterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	if err := api.monitor.AddVoter(req.NodeID, req.Address); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": true})
}

// Leader reports raft leadership for clients that need the writable
// monitor.
func (api *AdminAPI) Leader(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"isLeader":   api.monitor.IsLeader(),
		"leaderAddr": api.monitor.LeaderAddr(),
	})
}
