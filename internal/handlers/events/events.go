// Package events implements the /v1/events endpoint: a long-lived push
// stream of platform events. It is the one built-in endpoint that enters
// streaming mode, after which the connection engine writes nothing further.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"example.com/vigil/internal/auth"
	"example.com/vigil/internal/server"
)

// Handler streams events to the client until the peer goes away or the
// connection is torn down.
type Handler struct {
	// Heartbeat is the pause between events. Tests shorten it.
	Heartbeat time.Duration
}

// New creates the events handler with the default heartbeat.
func New() *Handler {
	return &Handler{Heartbeat: 5 * time.Second}
}

type event struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

func (h *Handler) Serve(ctx context.Context, w *server.Responder, r *server.Request, user *auth.User) error {
	if r.Method != http.MethodPost {
		w.Response.StatusCode = http.StatusNotFound
		w.Response.SetJSONBody(map[string]interface{}{
			"error":  404,
			"status": "The requested path '" + r.Target + "' could not be found or the request method is not valid for this path.",
		})
		return nil
	}

	if !user.HasPermission("events/heartbeat") {
		w.Response.StatusCode = http.StatusForbidden
		w.Response.SetJSONBody(map[string]interface{}{
			"error":  403,
			"status": "Forbidden. You do not have permission 'events/heartbeat'.",
		})
		return nil
	}

	w.Response.Header.Set("Content-Type", "application/json")

	stream, err := w.StartStreaming()
	if err != nil {
		return err
	}
	defer stream.Close()

	ticker := time.NewTicker(h.heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		line, err := json.Marshal(event{
			Type:      "Heartbeat",
			Timestamp: float64(time.Now().UnixMilli()) / 1000,
		})
		if err != nil {
			return err
		}
		line = append(line, '\n')
		if _, err := stream.Write(line); err != nil {
			// The closure watcher tears the connection down; the
			// write failure just ends the stream loop.
			return nil
		}
	}
}

func (h *Handler) heartbeat() time.Duration {
	if h.Heartbeat > 0 {
		return h.Heartbeat
	}
	return 5 * time.Second
}
