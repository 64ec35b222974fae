// Package registry maps durable user identities to their current live
// connection, enforcing a single active session per identity.
package registry

// Registry is not safe for concurrent use; it is owned by the hub event loop.
type Registry struct {
	byIdentity map[string]string
}

func New() *Registry {
	return &Registry{byIdentity: make(map[string]string)}
}

// Register binds identity to connID, replacing any prior mapping. The
// displaced connection id is returned so the caller can evict it; a new login
// always wins.
func (r *Registry) Register(identity, connID string) (displaced string) {
	prev := r.byIdentity[identity]
	r.byIdentity[identity] = connID
	if prev == connID {
		return ""
	}
	return prev
}

// Lookup returns the live connection for identity, if any.
func (r *Registry) Lookup(identity string) (connID string, ok bool) {
	connID, ok = r.byIdentity[identity]
	return connID, ok
}

// Unregister removes the mapping only if it still points at connID. A stale
// unregister from a connection that was already displaced is a no-op, so a
// takeover cannot be undone by the old connection closing late.
func (r *Registry) Unregister(identity, connID string) bool {
	if r.byIdentity[identity] != connID {
		return false
	}
	delete(r.byIdentity, identity)
	return true
}

// Len reports the number of live mappings.
func (r *Registry) Len() int {
	return len(r.byIdentity)
}
