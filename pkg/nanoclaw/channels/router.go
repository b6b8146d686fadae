package channels

import "sync"

// Router resolves a conversation JID to the channel that owns it.
// Ownership is determined by asking each registered connection whether it
// claims the JID's namespace; namespaces are disjoint prefix/suffix
// conventions, so at most one connection ever claims a JID.
type Router struct {
	mu          sync.RWMutex
	connections []Connection
}

// NewRouter creates a router over the given connections.
func NewRouter(conns ...Connection) *Router {
	return &Router{connections: conns}
}

// Register adds a connection to the routing set.
func (r *Router) Register(conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections = append(r.connections, conn)
}

// OwnerOf returns the connection owning the JID, or nil when no connection
// claims it. Absence of an owner is not an error; callers drop the message.
func (r *Router) OwnerOf(jid string) Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.connections {
		if conn.OwnsJID(jid) {
			return conn
		}
	}
	return nil
}

// Connections returns a snapshot of all registered connections.
func (r *Router) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, len(r.connections))
	copy(out, r.connections)
	return out
}
