package status

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/vigil/internal/auth"
	"example.com/vigil/internal/server"
)

func serveStatus(t *testing.T, h *Handler, method string, user *auth.User) *server.Response {
	t.Helper()
	resp := server.NewResponse()
	err := h.Serve(context.Background(), &server.Responder{Response: resp},
		&server.Request{Method: method, Target: "/v1/status", Header: make(http.Header)}, user)
	require.NoError(t, err)
	return resp
}

func TestStatusSnapshot(t *testing.T) {
	gate := server.NewAdmissionGate(4)
	release, _, err := gate.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	h := New(server.NewRegistry(), gate)
	user := &auth.User{Name: "ops", Permissions: []auth.Permission{{Pattern: "status/*"}}}

	resp := serveStatus(t, h, http.MethodGet, user)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []struct {
			Name             string  `json:"name"`
			Version          string  `json:"version"`
			UptimeSeconds    float64 `json:"uptime_seconds"`
			HandlersInFlight int     `json:"handlers_in_flight"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, "Vigil", body.Results[0].Name)
	assert.Equal(t, server.Version, body.Results[0].Version)
	assert.Equal(t, 1, body.Results[0].HandlersInFlight)
}

func TestStatusRequiresGet(t *testing.T) {
	h := New(nil, nil)
	user := &auth.User{Name: "ops", Permissions: []auth.Permission{{Pattern: "*"}}}

	resp := serveStatus(t, h, http.MethodPost, user)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusRequiresPermission(t *testing.T) {
	h := New(nil, nil)
	user := &auth.User{Name: "nobody", Permissions: []auth.Permission{{Pattern: "events/*"}}}

	resp := serveStatus(t, h, http.MethodGet, user)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "Forbidden. You do not have permission 'status/query'.", body["status"])
}
