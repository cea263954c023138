package gateway

import (
	"sync"
)

// Registry maps session ids to their live connection. A session has at most
// one connection; a new one replaces and closes the old.
type Registry struct {
	conns map[string]*Conn
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register adds c and returns the connection it replaced, already closed.
func (r *Registry) Register(c *Conn) *Conn {
	r.mu.Lock()
	old := r.conns[c.sessionID]
	r.conns[c.sessionID] = c
	r.mu.Unlock()

	if old != nil && old != c {
		old.Close()
		return old
	}

	return nil
}

// Deregister removes c. A newer connection registered for the same session
// is left alone.
func (r *Registry) Deregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[c.sessionID] != c {
		return false
	}

	delete(r.conns, c.sessionID)

	return true
}

// Get returns the connection of a session.
func (r *Registry) Get(sessionID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[sessionID]

	return c, ok
}

// Send pushes a message to a session's connection.
func (r *Registry) Send(sessionID string, out *Outbound) error {
	c, ok := r.Get(sessionID)
	if !ok {
		return ErrNotConnected
	}

	return c.Send(out)
}

// Each calls fn for every registered connection. fn runs outside the lock.
func (r *Registry) Each(fn func(*Conn)) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// CloseAll closes every connection.
func (r *Registry) CloseAll() {
	r.Each(func(c *Conn) { c.Close() })
}
