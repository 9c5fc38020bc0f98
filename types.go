// This file contains type definitions for Beacon including the wire envelope,
// configuration options, interfaces, and constants used throughout the library.
package beacon

import (
	"context"
	"crypto/tls"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// Event represents a message that flows through the Beacon system.
// It contains the action type, the target scope (a group key or GATEWAY),
// a unique request ID, the event name, the payload, and an optional nodeID
// for distributed deployments to prevent re-processing own messages.
type Event struct {
	Action    action      `json:"action"`
	Scope     string      `json:"scope"`
	RequestId string      `json:"requestId"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	NodeID    string      `json:"nodeId,omitempty"`
}

// Validate checks if the Event has all required fields populated.
func (e *Event) Validate() bool {
	if e.Action == "" || e.Scope == "" || e.Event == "" || e.RequestId == "" {
		return false
	}
	return true
}

// Notification is one buffered inbox entry for an identity.
// Entries are appended whenever an event is sent to an identity and are
// retrievable after reconnecting, up to the inbox cap and TTL.
type Notification struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Read      bool        `json:"read"`
}

// Principal is the result of verifying a connection credential.
// Identity is the opaque key for the authenticated user, OrganizationID the
// broadcast scope the user belongs to, and Active whether the account may
// open connections at all.
type Principal struct {
	Identity       string
	OrganizationID string
	Active         bool
}

// CredentialVerifier authenticates an inbound connection attempt.
// It is consulted exactly once per connection, before any registry mutation.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// Cache is the short-TTL activity signal store.
// An entry present for an identity means "recent activity within the window";
// entries are allowed to expire naturally, which is the self-healing path for
// disconnects the gateway never observed.
type Cache interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}

// PresenceRecord is the durable per-identity presence state.
type PresenceRecord struct {
	Identity     string
	IsOnline     bool
	LastActiveAt time.Time
}

// PresenceStore is the durable presence backend.
// It is treated as an eventually consistent, best-effort signal: reads and
// writes may fail without affecting transport-level behavior.
type PresenceStore interface {
	GetPresence(ctx context.Context, identity string) (PresenceRecord, bool, error)
	SetPresence(ctx context.Context, identity string, online bool, lastActive time.Time) error
	FindStaleOnline(ctx context.Context, threshold time.Time) ([]string, error)
	BatchSetActivity(ctx context.Context, identities []string, at time.Time) error
}

// PubSub is the cross-instance fan-out extension point.
// When configured, send primitives publish each event so sibling gateway
// instances can re-deliver to their local connections.
type PubSub interface {
	Publish(topic string, data []byte) error
	Subscribe(pattern string, handler func(topic string, data []byte)) error
	Unsubscribe(pattern string) error
	Close() error
}

// PubSubMessage carries one published payload with its topic.
type PubSubMessage struct {
	Topic string
	Data  []byte
}

type action string

type eventType string

type entity string

const (
	system         action = "SYSTEM"
	broadcast      action = "BROADCAST"
	presenceAction action = "PRESENCE"
	connect        action = "CONNECT"
	heartbeat      action = "HEARTBEAT"
	joinGroup      action = "JOIN_GROUP"
	leaveGroup     action = "LEAVE_GROUP"

	connectionEvent      eventType = "CONNECTION"
	presenceOnlineEvent  eventType = "PRESENCE_ONLINE"
	presenceOfflineEvent eventType = "PRESENCE_OFFLINE"
	forceDisconnectEvent eventType = "FORCE_DISCONNECT"
	heartbeatAckEvent    eventType = "HEARTBEAT_ACK"
	groupAckEvent        eventType = "GROUP_ACK"
	internalErrorEvent   eventType = "INTERNAL_ERROR"
	unauthorizedEvent    eventType = "UNAUTHORIZED"
	notFoundEvent        eventType = "NOT_FOUND"

	gatewayEntity entity = "GATEWAY"
)

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusTooManyRequests     = 429
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

const (
	userGroupPrefix = "user:"
	orgGroupPrefix  = "org:"
)

// UserGroup returns the per-identity group key every connection of that
// identity is joined to.
func UserGroup(identity string) string {
	return userGroupPrefix + identity
}

// OrgGroup returns the per-organization group key.
func OrgGroup(orgID string) string {
	return orgGroupPrefix + orgID
}

// Error represents an error response in the Beacon system.
// It includes the scope context (if applicable), error message, HTTP-like
// status code, whether the error is temporary, and optional details.
type Error struct {
	Scope     string      `json:"scope,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

// Stats is a read-only snapshot of the gateway's live connection state.
type Stats struct {
	Connections    int            `json:"connections"`
	Identities     int            `json:"identities"`
	ByOrganization map[string]int `json:"byOrganization"`
}

// Options configures gateway behavior and connection parameters.
type Options struct {
	CheckOrigin          bool
	AllowedOrigins       []string
	AllowedOriginRegexps []*regexp.Regexp
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
	SendTimeout          time.Duration
	EnableCompression    bool
	MaxConnections       int
	SendChannelBuffer    int
	ReceiveChannelBuffer int

	// AuthTimeout bounds the credential verification of one connection
	// attempt. Connections that cannot be authenticated within it are
	// rejected without ever reaching the registry.
	AuthTimeout time.Duration

	// CacheTTL is the lifetime of the short-TTL activity entry written on
	// every observed activity. OnlineWindow is the durable-store fallback
	// used when no cache entry exists.
	CacheTTL     time.Duration
	OnlineWindow time.Duration

	// HeartbeatFlushInterval coalesces heartbeat-driven durable activity
	// writes into one batch write per interval. Zero disables batching and
	// every heartbeat writes through immediately.
	HeartbeatFlushInterval time.Duration

	// InboxCap and InboxTTL bound the per-identity notification buffer.
	InboxCap int
	InboxTTL time.Duration

	// ReconcileInterval and SweepTimeout drive the periodic corrective pass
	// over durable presence flags.
	ReconcileInterval time.Duration
	SweepTimeout      time.Duration

	Logger *zap.Logger
	Hooks  *Hooks
	PubSub PubSub
}

// ServerOptions configures the HTTP server that hosts the gateway.
type ServerOptions struct {
	Options            *Options
	ServerAddr         string
	Path               string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}

// DefaultOptions returns a new Options struct with sensible default values:
// no origin checking, 1KB buffers, 512KB max message size, 30s ping interval,
// 60s pong wait, 5s auth timeout, 2 minute cache TTL with a 5 minute online
// window, a 100 entry / 7 day inbox, and a 5 minute reconcile interval.
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:            false,
		ReadBufferSize:         1024,
		WriteBufferSize:        1024,
		MaxMessageSize:         512 * 1024,
		PingInterval:           30 * time.Second,
		PongWait:               60 * time.Second,
		WriteWait:              10 * time.Second,
		SendTimeout:            5 * time.Second,
		EnableCompression:      false,
		SendChannelBuffer:      256,
		ReceiveChannelBuffer:   256,
		AuthTimeout:            5 * time.Second,
		CacheTTL:               2 * time.Minute,
		OnlineWindow:           5 * time.Minute,
		HeartbeatFlushInterval: 15 * time.Second,
		InboxCap:               100,
		InboxTTL:               7 * 24 * time.Hour,
		ReconcileInterval:      5 * time.Minute,
		SweepTimeout:           30 * time.Second,
	}
}

func (o *Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}
