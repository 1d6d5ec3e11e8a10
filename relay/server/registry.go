package server

import (
	"sync"

	"github.com/jonmccon/pocket-parrot-sub000/relay/protocol"
)

// registry holds the live connections partitioned by role. Broadcasts take
// a snapshot and never send while holding the lock.
type registry struct {
	mu    sync.RWMutex
	byID  map[string]*conn
	roles map[protocol.Role]map[string]*conn
}

func newRegistry() *registry {
	r := &registry{
		byID:  make(map[string]*conn),
		roles: make(map[protocol.Role]map[string]*conn),
	}
	for _, role := range []protocol.Role{
		protocol.RoleSender,
		protocol.RoleDashboard,
		protocol.RoleListener,
		protocol.RoleOrientationListener,
		protocol.RoleBulkListener,
	} {
		r.roles[role] = make(map[string]*conn)
	}
	return r
}

func (r *registry) insert(c *conn) {
	r.mu.Lock()
	r.byID[c.id] = c
	r.roles[c.role][c.id] = c
	r.mu.Unlock()
}

// remove deletes the connection and reports whether it was still present.
// The bool gate makes disconnect cleanup idempotent across the reader exit
// path and server-initiated closes.
func (r *registry) remove(id string) (*conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.roles[c.role], id)
	return c, true
}

func (r *registry) get(id string) (*conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// snapshot returns the current members of one role set. The slice is owned
// by the caller; later joins and leaves do not affect it.
func (r *registry) snapshot(role protocol.Role) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.roles[role]
	out := make([]*conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *registry) all() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*conn, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

func (r *registry) count(role protocol.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roles[role])
}
