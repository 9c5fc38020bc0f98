// This file contains the group membership index: which connections are
// joined to which broadcast scopes. Like the Registry it is a pure data
// structure with both directions guarded by one mutex.
package beacon

import "sync"

type groupIndex struct {
	mutex   sync.RWMutex
	byGroup map[string]map[string]struct{}
	byConn  map[string]map[string]struct{}
}

func newGroupIndex() *groupIndex {
	return &groupIndex{
		byGroup: make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
	}
}

func (g *groupIndex) join(group, connID string) {
	g.mutex.Lock()

	defer g.mutex.Unlock()

	members, exists := g.byGroup[group]
	if !exists {
		members = make(map[string]struct{})
		g.byGroup[group] = members
	}
	members[connID] = struct{}{}

	groups, exists := g.byConn[connID]
	if !exists {
		groups = make(map[string]struct{})
		g.byConn[connID] = groups
	}
	groups[group] = struct{}{}
}

func (g *groupIndex) leave(group, connID string) {
	g.mutex.Lock()

	defer g.mutex.Unlock()

	g.removeUnsafe(group, connID)
}

// dropConn removes the connection from every group it is joined to.
// Called once during connection teardown.
func (g *groupIndex) dropConn(connID string) {
	g.mutex.Lock()

	defer g.mutex.Unlock()

	for group := range g.byConn[connID] {
		g.removeUnsafe(group, connID)
	}
}

func (g *groupIndex) removeUnsafe(group, connID string) {
	if members, exists := g.byGroup[group]; exists {
		delete(members, connID)

		if len(members) == 0 {
			delete(g.byGroup, group)
		}
	}
	if groups, exists := g.byConn[connID]; exists {
		delete(groups, group)

		if len(groups) == 0 {
			delete(g.byConn, connID)
		}
	}
}

// members returns a copy of the connection ids currently joined to group.
func (g *groupIndex) members(group string) []string {
	g.mutex.RLock()

	defer g.mutex.RUnlock()

	set := g.byGroup[group]

	ids := make([]string, 0, len(set))
	for connID := range set {
		ids = append(ids, connID)
	}
	return ids
}

func (g *groupIndex) isMember(group, connID string) bool {
	g.mutex.RLock()

	defer g.mutex.RUnlock()

	_, exists := g.byGroup[group][connID]

	return exists
}

// countByPrefix returns, for every group key carrying the prefix, the number
// of connections joined to it. Used for the per-organization stats breakdown.
func (g *groupIndex) countByPrefix(prefix string) map[string]int {
	g.mutex.RLock()

	defer g.mutex.RUnlock()

	counts := make(map[string]int)

	for group, members := range g.byGroup {
		if len(group) >= len(prefix) && group[:len(prefix)] == prefix {
			counts[group[len(prefix):]] = len(members)
		}
	}
	return counts
}
