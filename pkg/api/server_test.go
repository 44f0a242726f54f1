package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpilot/pgpilot/pkg/config"
	"github.com/pgpilot/pgpilot/pkg/monitor"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	m, err := monitor.NewMonitor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	return NewServer(m)
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	server.Engine().ServeHTTP(recorder, req)
	return recorder
}

func TestRegisterAndHeartbeatOverHTTP(t *testing.T) {
	server := newTestServer(t)

	resp := doJSON(t, server, http.MethodPost, "/api/v1/nodes/register", map[string]interface{}{
		"formation":         "default",
		"host":              "db1",
		"port":              5432,
		"dbname":            "appdb",
		"nodeKind":          "standalone",
		"candidatePriority": 50,
		"replicationQuorum": true,
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var assignment monitor.NodeAssignment
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &assignment))
	assert.Equal(t, int64(1), assignment.NodeID)
	assert.Equal(t, "single", string(assignment.GoalState))

	resp = doJSON(t, server, http.MethodPost, "/api/v1/nodes/active", map[string]interface{}{
		"formation":     "default",
		"nodeId":        assignment.NodeID,
		"groupId":       0,
		"reportedState": "single",
		"pgIsRunning":   true,
		"reportedTli":   1,
		"reportedLsn":   "0/1000",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = doJSON(t, server, http.MethodGet, "/api/v1/formations/default/primary", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doJSON(t, server, http.MethodGet, "/api/v1/formations/default/state", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doJSON(t, server, http.MethodGet,
		"/api/v1/formations/default/groups/0/sync-standby-names", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"synchronousStandbyNames":""`)
}

func TestErrorClassMapping(t *testing.T) {
	server := newTestServer(t)

	// Unknown formation maps to 404 with the classified payload.
	resp := doJSON(t, server, http.MethodGet, "/api/v1/formations/nowhere/state", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)

	var merr monitor.Error
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &merr))
	assert.Equal(t, monitor.ClassUndefinedObject, merr.Class)

	// Heartbeat from an unregistered node.
	resp = doJSON(t, server, http.MethodPost, "/api/v1/nodes/active", map[string]interface{}{
		"formation":     "default",
		"nodeId":        42,
		"reportedState": "secondary",
	})
	require.Equal(t, http.StatusNotFound, resp.Code)

	// Malformed request body.
	resp = doJSON(t, server, http.MethodPost, "/api/v1/nodes/register", map[string]interface{}{
		"formation": "default",
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	// Invalid candidate priority is rejected by request validation.
	resp = doJSON(t, server, http.MethodPut,
		"/api/v1/formations/default/nodes/node_1/candidate-priority",
		map[string]interface{}{"candidatePriority": 250})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t)

	resp := doJSON(t, server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doJSON(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}
