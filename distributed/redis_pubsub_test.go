package distributed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestPubSub(t *testing.T) *RedisPubSub {
	t.Helper()

	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available:", err)
	}

	client.FlushDB(ctx)

	pubsub, err := NewRedisPubSub(ctx, client)

	if err != nil {
		t.Fatal("failed to create RedisPubSub:", err)
	}
	t.Cleanup(func() { _ = pubsub.Close() })

	return pubsub
}

func TestRedisPubSubPublishSubscribe(t *testing.T) {
	pubsub := newTestPubSub(t)

	received := make(chan struct{})

	var receivedTopic string

	var receivedData []byte

	err := pubsub.Subscribe("beacon:user:alice:.*", func(topic string, data []byte) {
		receivedTopic = topic

		receivedData = data

		close(received)
	})

	if err != nil {
		t.Fatal("subscribe failed:", err)
	}

	time.Sleep(100 * time.Millisecond)

	payload := []byte(`{"event":"task.created"}`)

	if err := pubsub.Publish("beacon:user:alice:task.created", payload); err != nil {
		t.Fatal("publish failed:", err)
	}

	select {
	case <-received:
		if receivedTopic != "beacon:user:alice:task.created" {
			t.Errorf("expected topic beacon:user:alice:task.created, got %s", receivedTopic)
		}
		if string(receivedData) != string(payload) {
			t.Errorf("expected payload %s, got %s", payload, receivedData)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisPubSubMultipleSubscribers(t *testing.T) {
	pubsub := newTestPubSub(t)

	var wg sync.WaitGroup

	count := 3

	wg.Add(count)

	for i := 0; i < count; i++ {
		err := pubsub.Subscribe("beacon:org:acme:.*", func(topic string, data []byte) {
			wg.Done()
		})

		if err != nil {
			t.Fatal("subscribe failed:", err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	if err := pubsub.Publish("beacon:org:acme:update", []byte("payload")); err != nil {
		t.Fatal("publish failed:", err)
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all subscribers")
	}
}

func TestRedisPubSubUnsubscribe(t *testing.T) {
	pubsub := newTestPubSub(t)

	received := make(chan struct{}, 1)

	err := pubsub.Subscribe("beacon:unsub:.*", func(topic string, data []byte) {
		received <- struct{}{}
	})

	if err != nil {
		t.Fatal("subscribe failed:", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pubsub.Unsubscribe("beacon:unsub:.*"); err != nil {
		t.Fatal("unsubscribe failed:", err)
	}

	if err := pubsub.Publish("beacon:unsub:event", []byte("payload")); err != nil {
		t.Fatal("publish failed:", err)
	}

	select {
	case <-received:
		t.Error("expected no delivery after unsubscribe")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRedisPubSubConcurrentPublish(t *testing.T) {
	pubsub := newTestPubSub(t)

	const messages = 50

	var mutex sync.Mutex

	seen := make(map[string]struct{})

	all := make(chan struct{})

	err := pubsub.Subscribe("beacon:load:.*", func(topic string, data []byte) {
		mutex.Lock()

		defer mutex.Unlock()

		seen[string(data)] = struct{}{}

		if len(seen) == messages {
			close(all)
		}
	})

	if err != nil {
		t.Fatal("subscribe failed:", err)
	}

	time.Sleep(100 * time.Millisecond)

	for i := 0; i < messages; i++ {
		go func(i int) {
			_ = pubsub.Publish("beacon:load:event", []byte(fmt.Sprintf("m%d", i)))
		}(i)
	}

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		mutex.Lock()

		got := len(seen)

		mutex.Unlock()

		t.Fatalf("expected %d distinct messages, got %d", messages, got)
	}
}

func TestRedisPubSubClose(t *testing.T) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available:", err)
	}
	pubsub, err := NewRedisPubSub(ctx, client)

	if err != nil {
		t.Fatal("failed to create RedisPubSub:", err)
	}
	if err := pubsub.Close(); err != nil {
		t.Fatal("close failed:", err)
	}
	if err := pubsub.Close(); err != nil {
		t.Errorf("expected close to be idempotent, got %v", err)
	}
	if err := pubsub.Publish("beacon:topic", []byte("late")); err == nil {
		t.Error("expected publish after close to fail")
	}
}
