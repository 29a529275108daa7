// Package e2e exercises the full server stack over real TLS sockets, the
// way an API client would use it.
package e2e

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/vigil/internal/auth"
	"example.com/vigil/internal/config"
	"example.com/vigil/internal/handlers/events"
	"example.com/vigil/internal/handlers/status"
	"example.com/vigil/internal/logger"
	"example.com/vigil/internal/server"
	"example.com/vigil/internal/testutil"
)

type stack struct {
	srv     *server.Server
	baseURL string
	client  *http.Client
}

func startStack(t *testing.T) *stack {
	t.Helper()

	certFile, keyFile := testutil.WriteCertFiles(t)
	addr := "127.0.0.1:0"
	cfg := &config.Config{
		Server: &config.ServerConfig{
			Address: &addr,
			TLS:     &config.TLSConfig{CertFile: certFile, KeyFile: keyFile},
		},
	}
	config.ApplyDefaults(cfg)

	users := auth.NewStaticDirectory(
		&auth.User{Name: "root", Password: "secret", Permissions: []auth.Permission{{Pattern: "*"}}},
		&auth.User{Name: "viewer", Password: "sesame", Permissions: []auth.Permission{{Pattern: "status/query"}}},
	)

	handlers := server.NewHandlerRegistry()
	srv, err := server.NewServer(cfg, logger.NewDiscardLogger(), users, handlers, nil)
	require.NoError(t, err)

	require.NoError(t, handlers.Register("/v1/status", status.New(srv.Registry(), srv.Gate())))
	require.NoError(t, handlers.Register("/v1/events", &events.Handler{Heartbeat: 30 * time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-serveErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	require.Eventually(t, func() bool { return srv.Addr() != nil },
		2*time.Second, 10*time.Millisecond, "server did not start listening")

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return &stack{
		srv:     srv,
		baseURL: fmt.Sprintf("https://%s", srv.Addr()),
		client:  client,
	}
}

func (s *stack) request(t *testing.T, method, path, user, pass string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.baseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestStatusOverTLS(t *testing.T) {
	s := startStack(t)

	resp := s.request(t, http.MethodGet, "/v1/status", "root", "secret")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Vigil/"+server.Version, resp.Header.Get("Server"))

	var body struct {
		Results []struct {
			Name              string  `json:"name"`
			Version           string  `json:"version"`
			UptimeSeconds     float64 `json:"uptime_seconds"`
			ActiveConnections int     `json:"active_connections"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, "Vigil", body.Results[0].Name)
	assert.Equal(t, server.Version, body.Results[0].Version)
	assert.GreaterOrEqual(t, body.Results[0].ActiveConnections, 1)
}

func TestAuthenticationFailures(t *testing.T) {
	s := startStack(t)

	resp := s.request(t, http.MethodGet, "/v1/status", "", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Basic realm="Vigil"`, resp.Header.Get("WWW-Authenticate"))

	resp = s.request(t, http.MethodGet, "/v1/status", "root", "wrong")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPermissionEnforced(t *testing.T) {
	s := startStack(t)

	resp := s.request(t, http.MethodGet, "/v1/status", "viewer", "sesame")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.request(t, http.MethodPost, "/v1/events", "viewer", "sesame")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownPath(t *testing.T) {
	s := startStack(t)

	resp := s.request(t, http.MethodGet, "/v1/nowhere", "root", "secret")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(404), body["error"])
}

func TestMissingAcceptRejected(t *testing.T) {
	s := startStack(t)

	req, err := http.NewRequest(http.MethodPost, s.baseURL+"/v1/events", strings.NewReader(""))
	require.NoError(t, err)
	req.SetBasicAuth("root", "secret")

	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Accept header")
}

func TestEventStreamOverTLS(t *testing.T) {
	s := startStack(t)

	resp := s.request(t, http.MethodPost, "/v1/events", "root", "secret")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(5 * time.Second)
	for i := 0; i < 3; i++ {
		lineRead := make(chan bool, 1)
		go func() { lineRead <- scanner.Scan() }()
		select {
		case ok := <-lineRead:
			require.True(t, ok, "expected heartbeat line %d: %v", i, scanner.Err())
		case <-deadline:
			t.Fatal("timed out waiting for heartbeat")
		}

		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		assert.Equal(t, "Heartbeat", ev.Type)
	}
}

func TestConcurrentClients(t *testing.T) {
	s := startStack(t)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			req, err := http.NewRequest(http.MethodGet, s.baseURL+"/v1/status", nil)
			if err != nil {
				done <- err
				return
			}
			req.Header.Set("Accept", "application/json")
			req.SetBasicAuth("root", "secret")
			resp, err := s.client.Do(req)
			if err != nil {
				done <- err
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				done <- fmt.Errorf("unexpected status %d", resp.StatusCode)
				return
			}
			done <- nil
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}
}
