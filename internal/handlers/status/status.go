// Package status implements the /v1/status endpoint: a point-in-time
// snapshot of the API front-end itself.
package status

import (
	"context"
	"net/http"
	"time"

	"example.com/vigil/internal/auth"
	"example.com/vigil/internal/server"
)

// Handler answers status queries.
type Handler struct {
	started  time.Time
	registry *server.Registry
	gate     *server.AdmissionGate
}

// New creates the status handler. registry and gate may be nil; the
// corresponding fields are then omitted from the snapshot.
func New(registry *server.Registry, gate *server.AdmissionGate) *Handler {
	return &Handler{started: time.Now(), registry: registry, gate: gate}
}

type snapshot struct {
	Name              string  `json:"name"`
	Version           string  `json:"version"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ActiveConnections int     `json:"active_connections,omitempty"`
	HandlersInFlight  int     `json:"handlers_in_flight,omitempty"`
}

func (h *Handler) Serve(ctx context.Context, w *server.Responder, r *server.Request, user *auth.User) error {
	if r.Method != http.MethodGet {
		w.Response.StatusCode = http.StatusNotFound
		w.Response.SetJSONBody(map[string]interface{}{
			"error":  404,
			"status": "The requested path '" + r.Target + "' could not be found or the request method is not valid for this path.",
		})
		return nil
	}

	if !user.HasPermission("status/query") {
		w.Response.StatusCode = http.StatusForbidden
		w.Response.SetJSONBody(map[string]interface{}{
			"error":  403,
			"status": "Forbidden. You do not have permission 'status/query'.",
		})
		return nil
	}

	snap := snapshot{
		Name:          "Vigil",
		Version:       server.Version,
		UptimeSeconds: time.Since(h.started).Seconds(),
	}
	if h.registry != nil {
		snap.ActiveConnections = h.registry.Len()
	}
	if h.gate != nil {
		snap.HandlersInFlight = h.gate.InUse()
	}

	w.Response.SetJSONBody(map[string]interface{}{"results": []snapshot{snap}})
	return nil
}
