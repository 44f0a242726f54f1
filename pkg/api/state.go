package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pgpilot/pgpilot/pkg/monitor"
)

// StateAPI serves the observability procedures: current_state, last_events,
// synchronous_standby_names and the live notification stream.
type StateAPI struct {
	monitor *monitor.Monitor
}

// NewStateAPI creates a StateAPI instance.
func NewStateAPI(m *monitor.Monitor) *StateAPI {
	return &StateAPI{monitor: m}
}

// Register adds the state routes.
func (api *StateAPI) Register(route gin.IRoutes) {
	route.GET("/formations/:formation/state", api.CurrentState)
	route.GET("/formations/:formation/groups/:group/sync-standby-names", api.SyncStandbyNames)
	route.GET("/events", api.LastEvents)
	route.GET("/events/watch", api.WatchEvents)
}

// CurrentState implements current_state.
func (api *StateAPI) CurrentState(c *gin.Context) {
	groupID, err := queryInt(c, "group", -1)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	states, err := api.monitor.CurrentState(c.Param("formation"), groupID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, states)
}

// SyncStandbyNames implements synchronous_standby_names.
func (api *StateAPI) SyncStandbyNames(c *gin.Context) {
	groupID, err := strconv.Atoi(c.Param("group"))
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	names, err := api.monitor.SynchronousStandbyNames(c.Param("formation"), groupID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synchronousStandbyNames": names})
}

// LastEvents implements last_events with optional formation and group
// filters.
func (api *StateAPI) LastEvents(c *gin.Context) {
	groupID, err := queryInt(c, "group", -1)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	count, err := queryInt(c, "count", 10)
	if err != nil {
		respondBadRequest(c, err)
		return
	}

	events, err := api.monitor.LastEvents(c.Query("formation"), groupID, count)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// WatchEvents streams state notifications as server-sent events, in commit
// order, until the client goes away.
func (api *StateAPI) WatchEvents(c *gin.Context) {
	sub := api.monitor.Broker().Subscribe()
	defer api.monitor.Broker().Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case notification, ok := <-sub:
			if !ok {
				return false
			}
			payload, err := json.Marshal(notification)
			if err != nil {
				return false
			}
			c.SSEvent(notification.Type, string(payload))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
