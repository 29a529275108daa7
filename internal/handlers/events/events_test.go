package events

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/vigil/internal/auth"
	"example.com/vigil/internal/logger"
	"example.com/vigil/internal/server"
)

func TestEventsRequiresPost(t *testing.T) {
	h := New()
	resp := server.NewResponse()
	user := &auth.User{Name: "ops", Permissions: []auth.Permission{{Pattern: "*"}}}

	err := h.Serve(context.Background(), &server.Responder{Response: resp},
		&server.Request{Method: http.MethodGet, Target: "/v1/events", Header: make(http.Header)}, user)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsRequiresPermission(t *testing.T) {
	h := New()
	resp := server.NewResponse()
	user := &auth.User{Name: "viewer", Permissions: []auth.Permission{{Pattern: "status/query"}}}

	err := h.Serve(context.Background(), &server.Responder{Response: resp},
		&server.Request{Method: http.MethodPost, Target: "/v1/events", Header: make(http.Header)}, user)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEventsStreamHeartbeats(t *testing.T) {
	client, srv := net.Pipe()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	reg := server.NewRegistry()
	c := server.NewConnection(server.ConnectionOptions{
		Stream:     srv,
		Log:        logger.NewDiscardLogger(),
		Users:      auth.NewStaticDirectory(&auth.User{Name: "ops", Password: "pw", Permissions: []auth.Permission{{Pattern: "events/*"}}}),
		Registry:   reg,
		Gate:       server.NewAdmissionGate(1),
		Dispatcher: &Handler{Heartbeat: 20 * time.Millisecond},
	})
	reg.Add(c)
	c.Start(context.Background())
	t.Cleanup(func() {
		client.Close()
		c.Disconnect()
		c.Wait()
	})

	authz := "Basic " + base64.StdEncoding.EncodeToString([]byte("ops:pw"))
	_, err := io.WriteString(client, "POST /v1/events HTTP/1.1\r\nHost: vigil\r\nAccept: application/json\r\n"+
		"Authorization: "+authz+"\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.TransferEncoding, "chunked")
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	for i := 0; i < 2; i++ {
		require.True(t, scanner.Scan(), "expected heartbeat line %d: %v", i, scanner.Err())
		var ev struct {
			Type      string  `json:"type"`
			Timestamp float64 `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		assert.Equal(t, "Heartbeat", ev.Type)
		assert.Greater(t, ev.Timestamp, float64(0))
	}

	// Peer walks away; the stream is reclaimed.
	client.Close()
	require.Eventually(t, c.Disconnected, 2*time.Second, 10*time.Millisecond)
}
