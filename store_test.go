package beacon

import (
	"sort"
	"testing"
)

func TestStoreOperations(t *testing.T) {
	s := newStore[string]()

	t.Run("create and read", func(t *testing.T) {
		if err := s.Create("a", "alpha"); err != nil {
			t.Fatal(err)
		}
		value, err := s.Read("a")

		if err != nil || value != "alpha" {
			t.Errorf("expected alpha, got %q err=%v", value, err)
		}
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		if err := s.Create("a", "again"); err == nil {
			t.Error("expected duplicate create to fail")
		}
	})

	t.Run("read missing key fails", func(t *testing.T) {
		if _, err := s.Read("missing"); err == nil {
			t.Error("expected read of missing key to fail")
		}
	})

	t.Run("keys and bulk read", func(t *testing.T) {
		if err := s.Create("b", "beta"); err != nil {
			t.Fatal(err)
		}
		var keys []string

		s.Keys().forEach(func(k string) { keys = append(keys, k) })

		sort.Strings(keys)

		if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
			t.Errorf("expected [a b], got %v", keys)
		}
		count := 0

		s.GetByKeys("a", "missing", "b").forEach(func(string) { count++ })

		if count != 2 {
			t.Errorf("expected 2 values for existing keys, got %d", count)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.Delete("a"); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete("a"); err == nil {
			t.Error("expected second delete to fail")
		}
		if s.Len() != 1 {
			t.Errorf("expected 1 remaining entry, got %d", s.Len())
		}
	})
}

func TestArrayHelpers(t *testing.T) {
	a := newArray[int]()

	for i := 1; i <= 5; i++ {
		a.push(i)
	}
	var seen []int

	a.forEach(func(n int) { seen = append(seen, n) })

	if len(seen) != 5 {
		t.Fatalf("expected 5 items, got %d", len(seen))
	}
	for i, n := range seen {
		if n != i+1 {
			t.Errorf("expected %d at position %d, got %d", i+1, i, n)
		}
	}
}
