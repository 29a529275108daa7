package server

import (
	"context"
	"fmt"
	"io"
	"net/http/httputil"
	"strings"
	"sync"

	"example.com/vigil/internal/auth"
)

// Dispatcher is the engine's view of the endpoint layer: invoked once per
// validated request, it either fills in resp for the engine to write, or
// takes over response writing by entering streaming mode through the
// Responder. A returned error is answered with a 500 unless it is a
// cancellation, which propagates.
type Dispatcher interface {
	Serve(ctx context.Context, w *Responder, r *Request, user *auth.User) error
}

// Handler processes requests for one registered path.
type Handler interface {
	Serve(ctx context.Context, w *Responder, r *Request, user *auth.User) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, w *Responder, r *Request, user *auth.User) error

func (f HandlerFunc) Serve(ctx context.Context, w *Responder, r *Request, user *auth.User) error {
	return f(ctx, w, r, user)
}

// Responder is what a handler gets to produce its answer. Mutating
// Response and returning is the normal path; StartStreaming hands the raw
// stream to the handler for the remainder of the connection's life.
type Responder struct {
	conn     *Connection
	Response *Response
}

// StartStreaming switches the connection into streaming mode: the pending
// response's status line and headers are written with chunked framing and
// the returned writer emits body chunks directly on the secured stream.
// From this point the engine writes nothing further on this connection,
// and a background read detects peer-initiated closure.
func (w *Responder) StartStreaming() (io.WriteCloser, error) {
	return w.conn.startStreaming(w.Response)
}

// streamWriter chunk-encodes and flushes every write so long-lived push
// responses reach the peer promptly.
type streamWriter struct {
	cw   io.WriteCloser
	conn *Connection
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	n, err := sw.cw.Write(p)
	if err != nil {
		return n, err
	}
	return n, sw.conn.bw.Flush()
}

// Close terminates the chunked body.
func (sw *streamWriter) Close() error {
	if err := sw.cw.Close(); err != nil {
		return err
	}
	if _, err := sw.conn.bw.WriteString("\r\n"); err != nil {
		return err
	}
	return sw.conn.bw.Flush()
}

func newStreamWriter(c *Connection) *streamWriter {
	return &streamWriter{cw: httputil.NewChunkedWriter(c.bw), conn: c}
}

// HandlerRegistry maps request paths to handlers. Registration happens at
// startup; resolution happens once per request from many connection
// goroutines.
type HandlerRegistry struct {
	mu       sync.RWMutex
	exact    map[string]Handler
	prefixes map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		exact:    make(map[string]Handler),
		prefixes: make(map[string]Handler),
	}
}

// Register associates an exact path with a handler. Registering a path
// twice is a programming error and is reported.
func (hr *HandlerRegistry) Register(path string, h Handler) error {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if _, exists := hr.exact[path]; exists {
		return fmt.Errorf("handler for path %q already registered", path)
	}
	hr.exact[path] = h
	return nil
}

// RegisterPrefix associates a path prefix with a handler. The longest
// matching prefix wins at resolution time.
func (hr *HandlerRegistry) RegisterPrefix(prefix string, h Handler) error {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if _, exists := hr.prefixes[prefix]; exists {
		return fmt.Errorf("handler for prefix %q already registered", prefix)
	}
	hr.prefixes[prefix] = h
	return nil
}

// resolve finds the handler for a target path, or nil.
func (hr *HandlerRegistry) resolve(target string) Handler {
	if idx := strings.IndexAny(target, "?#"); idx >= 0 {
		target = target[:idx]
	}

	hr.mu.RLock()
	defer hr.mu.RUnlock()

	if h, ok := hr.exact[target]; ok {
		return h
	}
	var best Handler
	bestLen := -1
	for prefix, h := range hr.prefixes {
		if strings.HasPrefix(target, prefix) && len(prefix) > bestLen {
			best, bestLen = h, len(prefix)
		}
	}
	return best
}

// Serve implements Dispatcher: it resolves the target path and invokes the
// handler, answering 404 when nothing is registered there.
func (hr *HandlerRegistry) Serve(ctx context.Context, w *Responder, r *Request, user *auth.User) error {
	h := hr.resolve(r.Target)
	if h == nil {
		w.Response.StatusCode = 404
		w.Response.SetJSONBody(errorStatus{
			Error:  404,
			Status: "The requested path '" + r.Target + "' could not be found.",
		})
		return nil
	}
	return h.Serve(ctx, w, r, user)
}
