// This file defines the extensibility hooks: rate limiting, metrics
// collection, and lifecycle callbacks that can be wired to external
// monitoring and control systems.
package beacon

import "context"

// RateLimiter defines the interface for rate limiting connection attempts.
// Implementations can enforce strategies per identity, IP, or custom keys.
type RateLimiter interface {
	// Allow checks if an operation identified by key should be allowed.
	Allow(ctx context.Context, key string) (allowed bool, err error)

	// Reset clears the rate limit state for the given key.
	Reset(key string)
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations can forward these to monitoring systems like Prometheus or
// StatsD; see PrometheusMetrics for the shipped implementation.
type MetricsCollector interface {
	// ConnectionOpened is called when a connection reaches the Open state.
	ConnectionOpened(connID string, identity string)

	// ConnectionClosed is called after a connection's teardown completes.
	ConnectionClosed(connID string, identity string)

	// MessageBroadcast tracks fan-out operations with the local recipient count.
	MessageBroadcast(scope string, event string, recipientCount int)

	// PresenceTransition is called on first-connection online and
	// last-connection offline transitions.
	PresenceTransition(identity string, online bool)

	// SweepCompleted reports the number of stale identities each reconcile
	// pass corrected.
	SweepCompleted(stale int)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

type Hooks struct {
	RateLimiter RateLimiter
	Metrics     MetricsCollector

	OnConnect    func(conn Transport) error
	OnDisconnect func(conn Transport)
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionOpened(connID string, identity string) {}

func (n *noopMetrics) ConnectionClosed(connID string, identity string) {}

func (n *noopMetrics) MessageBroadcast(scope string, event string, recipientCount int) {}

func (n *noopMetrics) PresenceTransition(identity string, online bool) {}

func (n *noopMetrics) SweepCompleted(stale int) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a metrics collector that discards everything.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}
