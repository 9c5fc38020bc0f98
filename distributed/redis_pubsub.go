// Package distributed provides the Redis-backed PubSub used to fan events
// out across multiple gateway instances. Each instance publishes its sends
// and re-delivers what sibling instances publish; the registry, presence,
// and inbox contracts are unchanged by this layer.
package distributed

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub implements the beacon PubSub interface on Redis pattern
// subscriptions.
type RedisPubSub struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu            sync.RWMutex
	subscriptions map[string][]func(topic string, data []byte)
	patterns      map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// NewRedisPubSub creates a Redis-based PubSub over an already configured
// client. The connection is verified with a ping before use.
func NewRedisPubSub(ctx context.Context, client *redis.Client) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pubsubCtx, cancel := context.WithCancel(ctx)

	r := &RedisPubSub{
		client:        client,
		subscriptions: make(map[string][]func(topic string, data []byte)),
		patterns:      make(map[string]struct{}),
		ctx:           pubsubCtx,
		cancel:        cancel,
	}

	r.pubsub = client.Subscribe(pubsubCtx)

	r.wg.Add(1)
	go r.handleMessages()

	return r, nil
}

// Subscribe registers a handler for messages matching the given pattern.
// Patterns ending in ".*" are translated to Redis glob patterns.
func (r *RedisPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("pubsub: closed")
	}

	redisPattern := toRedisPattern(pattern)

	if _, exists := r.patterns[redisPattern]; !exists {
		if err := r.pubsub.PSubscribe(r.ctx, redisPattern); err != nil {
			return fmt.Errorf("failed to subscribe to pattern %s: %w", pattern, err)
		}
		r.patterns[redisPattern] = struct{}{}
	}

	r.subscriptions[pattern] = append(r.subscriptions[pattern], handler)

	return nil
}

// Unsubscribe removes all handlers for the given pattern and drops the
// underlying Redis subscription once no handler needs it.
func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("pubsub: closed")
	}

	delete(r.subscriptions, pattern)

	redisPattern := toRedisPattern(pattern)
	stillNeeded := false
	for p := range r.subscriptions {
		if toRedisPattern(p) == redisPattern {
			stillNeeded = true
			break
		}
	}

	if !stillNeeded {
		if err := r.pubsub.PUnsubscribe(r.ctx, redisPattern); err != nil {
			return fmt.Errorf("failed to unsubscribe from pattern %s: %w", pattern, err)
		}
		delete(r.patterns, redisPattern)
	}

	return nil
}

// Publish sends a message to the specified topic.
func (r *RedisPubSub) Publish(topic string, data []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return fmt.Errorf("pubsub: closed")
	}

	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// Close shuts down the Redis PubSub connection and waits for the message
// handler to finish.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	if err := r.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}

	r.wg.Wait()

	return nil
}

func (r *RedisPubSub) handleMessages() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			if msg.Payload != "" {
				r.deliverMessage(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

func (r *RedisPubSub) deliverMessage(topic string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for pattern, handlers := range r.subscriptions {
		if matchPattern(pattern, topic) {
			for _, handler := range handlers {
				h := handler
				go func() {
					defer func() {
						_ = recover()
					}()
					h(topic, data)
				}()
			}
		}
	}
}

// toRedisPattern converts a ".*"-suffixed pattern to a Redis glob pattern.
func toRedisPattern(pattern string) string {
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		return pattern[:len(pattern)-2] + "*"
	}
	return pattern
}

// matchPattern checks if a topic matches a ".*"-suffixed pattern.
func matchPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}

	return false
}
