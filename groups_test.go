package beacon

import (
	"sort"
	"testing"
)

func TestGroupIndexJoinLeave(t *testing.T) {
	g := newGroupIndex()

	g.join("org:acme", "conn1")

	g.join("org:acme", "conn2")

	g.join("user:alice", "conn1")

	t.Run("members returns all joined connections", func(t *testing.T) {
		members := g.members("org:acme")

		sort.Strings(members)

		if len(members) != 2 || members[0] != "conn1" || members[1] != "conn2" {
			t.Errorf("expected [conn1 conn2], got %v", members)
		}
	})

	t.Run("isMember reflects membership", func(t *testing.T) {
		if !g.isMember("org:acme", "conn1") {
			t.Error("expected conn1 to be a member of org:acme")
		}
		if g.isMember("org:acme", "conn3") {
			t.Error("expected conn3 to not be a member")
		}
	})

	t.Run("leave removes a single membership", func(t *testing.T) {
		g.leave("org:acme", "conn2")

		if g.isMember("org:acme", "conn2") {
			t.Error("expected conn2 to have left org:acme")
		}
		if !g.isMember("user:alice", "conn1") {
			t.Error("expected unrelated membership to survive")
		}
	})

	t.Run("dropConn removes the connection from every group", func(t *testing.T) {
		g.dropConn("conn1")

		if g.isMember("org:acme", "conn1") || g.isMember("user:alice", "conn1") {
			t.Error("expected conn1 to be removed from all groups")
		}
		if len(g.members("org:acme")) != 0 {
			t.Error("expected org:acme to be empty")
		}
	})
}

func TestGroupIndexCountByPrefix(t *testing.T) {
	g := newGroupIndex()

	g.join("org:acme", "conn1")

	g.join("org:acme", "conn2")

	g.join("org:globex", "conn3")

	g.join("user:alice", "conn1")

	counts := g.countByPrefix("org:")

	if len(counts) != 2 {
		t.Fatalf("expected 2 organizations, got %d", len(counts))
	}
	if counts["acme"] != 2 {
		t.Errorf("expected 2 connections for acme, got %d", counts["acme"])
	}
	if counts["globex"] != 1 {
		t.Errorf("expected 1 connection for globex, got %d", counts["globex"])
	}
}
