package server

import "sync"

// Registry is the process-wide set of live connections. It is mutated from
// arbitrary connection goroutines and from the acceptor.
type Registry struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[*Connection]struct{})}
}

// Add records a connection as active.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

// Remove drops a connection from the active set. Removing a connection
// that is not present is a no-op, which keeps teardown idempotent.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// Len reports the number of active connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// DisconnectAll tears down every active connection. Used on server
// shutdown. The snapshot is taken under the lock but Disconnect runs
// outside it, since teardown re-enters Remove.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		c.Disconnect()
	}
}
