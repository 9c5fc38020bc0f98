// This file contains the Registry struct, the in-process bidirectional index
// between identities and their live connection ids. It is a pure data
// structure: no cache, store, or transport I/O ever happens here. Both maps
// are guarded by a single mutex so no caller can observe a half-updated pair.
package beacon

import (
	"fmt"
	"sync"
)

type Registry struct {
	mutex      sync.RWMutex
	byIdentity map[string]map[string]struct{}
	byConn     map[string]string
}

// NewRegistry creates an empty connection registry. Each gateway owns exactly
// one instance, injected at construction; nothing in this package reaches for
// a shared global.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]map[string]struct{}),
		byConn:     make(map[string]string),
	}
}

// Register adds connID to the identity's connection set and records the
// reverse mapping. Calling it twice with the same pair is a no-op. Returns
// true if this is the identity's first live connection, which is the caller's
// signal to run the online transition.
func (r *Registry) Register(identity, connID string) bool {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	if owner, exists := r.byConn[connID]; exists {
		if owner != identity {
			panic(fmt.Sprintf("beacon: connection %s already registered to %s, re-registered to %s", connID, owner, identity))
		}
		return false
	}
	set, exists := r.byIdentity[identity]

	if !exists {
		set = make(map[string]struct{})
		r.byIdentity[identity] = set
	}
	wasEmpty := len(set) == 0

	set[connID] = struct{}{}
	r.byConn[connID] = identity

	return wasEmpty
}

// Unregister removes connID from its owning identity's set and deletes the
// reverse mapping. Returns the owning identity and whether its set became
// empty, the trigger for the caller's offline transition. Unknown connection
// ids return ("", false).
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	identity, exists := r.byConn[connID]

	if !exists {
		return "", false
	}
	delete(r.byConn, connID)

	set, exists := r.byIdentity[identity]
	if !exists {
		panic(fmt.Sprintf("beacon: reverse entry for connection %s names identity %s with no forward set", connID, identity))
	}
	delete(set, connID)

	if len(set) == 0 {
		delete(r.byIdentity, identity)

		return identity, true
	}
	return identity, false
}

// ConnectionsFor returns a copy of the identity's current connection id set.
// The copy is the caller's to keep; mutating it never touches the registry.
func (r *Registry) ConnectionsFor(identity string) []string {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	set := r.byIdentity[identity]

	ids := make([]string, 0, len(set))
	for connID := range set {
		ids = append(ids, connID)
	}
	return ids
}

// IsLive reports whether the identity has at least one open connection
// registered right now. Liveness is a registry fact, distinct from the
// advisory presence signal the Tracker computes.
func (r *Registry) IsLive(identity string) bool {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	return len(r.byIdentity[identity]) > 0
}

// IdentityFor returns the identity owning connID, if registered.
func (r *Registry) IdentityFor(connID string) (string, bool) {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	identity, exists := r.byConn[connID]

	return identity, exists
}

// Counts returns the total live connection count and the distinct live
// identity count in one consistent read.
func (r *Registry) Counts() (connections int, identities int) {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	return len(r.byConn), len(r.byIdentity)
}
