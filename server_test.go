package beacon

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestServerLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	opts := DefaultOptions()

	tracker := NewTracker(context.Background(), NewRedisCache(client), NewMemoryPresenceStore(), opts)

	t.Cleanup(tracker.Close)

	gateway := NewGateway(context.Background(), NewRegistry(), tracker, NewInbox(client, opts), NewJWTVerifier([]byte("secret"), ""), opts)

	server := NewServer(gateway, &ServerOptions{
		Options:    opts,
		ServerAddr: "127.0.0.1:0",
	})

	if server.IsRunning() {
		t.Error("expected server to not be running before Start")
	}
	if err := server.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !server.IsRunning() {
		t.Error("expected server to be running after Start")
	}
	if err := server.Start(); err == nil {
		t.Error("expected second Start to fail")
	}
	if err := server.Stop(5 * time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) && server.IsRunning() {
		time.Sleep(10 * time.Millisecond)
	}
	if server.IsRunning() {
		t.Error("expected server to stop running after Stop")
	}
	if err := server.Stop(time.Second); err != nil {
		t.Errorf("expected repeated Stop to be a no-op, got %v", err)
	}
}
