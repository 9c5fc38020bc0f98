package gormstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("BEACON_POSTGRES_DSN")

	if dsn == "" {
		t.Skip("Postgres not available: set BEACON_POSTGRES_DSN to run")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})

	if err != nil {
		t.Skip("Postgres not available:", err)
	}
	store, err := New(db)

	if err != nil {
		t.Fatal("failed to create store:", err)
	}
	if err := db.Exec("DELETE FROM user_presence").Error; err != nil {
		t.Fatal("failed to reset table:", err)
	}
	return store
}

func TestStorePresenceRoundTrip(t *testing.T) {
	ctx := context.Background()

	store := newTestStore(t)

	t.Run("unknown identity reports not found", func(t *testing.T) {
		_, found, err := store.GetPresence(ctx, "nobody")

		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Error("expected unknown identity to not be found")
		}
	})

	t.Run("set then get", func(t *testing.T) {
		at := time.Now().Truncate(time.Millisecond)

		if err := store.SetPresence(ctx, "user1", true, at); err != nil {
			t.Fatal(err)
		}
		record, found, err := store.GetPresence(ctx, "user1")

		if err != nil || !found {
			t.Fatalf("expected record, got found=%v err=%v", found, err)
		}
		if !record.IsOnline {
			t.Error("expected record to be online")
		}
		if !record.LastActiveAt.Equal(at) && record.LastActiveAt.Sub(at).Abs() > time.Second {
			t.Errorf("expected lastActiveAt near %v, got %v", at, record.LastActiveAt)
		}
	})

	t.Run("set upserts in place", func(t *testing.T) {
		if err := store.SetPresence(ctx, "user1", false, time.Now()); err != nil {
			t.Fatal(err)
		}
		record, _, _ := store.GetPresence(ctx, "user1")

		if record.IsOnline {
			t.Error("expected upsert to flip the flag offline")
		}
	})
}

func TestStoreFindStaleOnline(t *testing.T) {
	ctx := context.Background()

	store := newTestStore(t)

	now := time.Now()

	if err := store.SetPresence(ctx, "stale1", true, now.Add(-20*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPresence(ctx, "stale2", true, now.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPresence(ctx, "fresh", true, now); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPresence(ctx, "offline", false, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	stale, err := store.FindStaleOnline(ctx, now.Add(-5*time.Minute))

	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(stale)

	if len(stale) != 2 || stale[0] != "stale1" || stale[1] != "stale2" {
		t.Errorf("expected [stale1 stale2], got %v", stale)
	}
}

func TestStoreBatchSetActivity(t *testing.T) {
	ctx := context.Background()

	store := newTestStore(t)

	if err := store.SetPresence(ctx, "user0", false, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	identities := make([]string, 0, 5)

	for i := 0; i < 5; i++ {
		identities = append(identities, fmt.Sprintf("user%d", i))
	}
	at := time.Now()

	if err := store.BatchSetActivity(ctx, identities, at); err != nil {
		t.Fatal(err)
	}
	for _, identity := range identities {
		record, found, err := store.GetPresence(ctx, identity)

		if err != nil || !found {
			t.Fatalf("expected record for %s, got found=%v err=%v", identity, found, err)
		}
		if !record.IsOnline {
			t.Errorf("expected %s to be online after batch write", identity)
		}
	}

	if err := store.BatchSetActivity(ctx, nil, at); err != nil {
		t.Errorf("expected empty batch to be a no-op, got %v", err)
	}
}
