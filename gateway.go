// This file contains the Gateway struct which owns the transport layer:
// it authenticates inbound WebSocket upgrades, places each connection under
// its identity and organization groups, and exposes the fan-out primitives
// (send-to-identity, send-to-group, force-disconnect) the rest of the
// backend calls. All collaborators are injected at construction; the gateway
// never reaches for ambient state.
package beacon

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Gateway struct {
	registry *Registry
	groups   *groupIndex
	tracker  *Tracker
	inbox    *Inbox
	verifier CredentialVerifier
	conns    *store[Transport]
	options  *Options
	logger   *zap.Logger
	upgrader websocket.Upgrader
	pubsub   PubSub
	nodeID   string
	ctx      context.Context
	cancel   context.CancelFunc

	// transitions serializes the first-connection/last-connection presence
	// broadcasts so a rapid reconnect cannot emit offline after online.
	transitions sync.Mutex
}

// NewGateway creates a gateway over the injected registry, tracker, inbox,
// and credential verifier. If options carry a PubSub, the gateway subscribes
// to the shared fan-out topics and re-delivers remote events to its local
// connections.
func NewGateway(ctx context.Context, registry *Registry, tracker *Tracker, inbox *Inbox, verifier CredentialVerifier, options *Options) *Gateway {
	opts := options
	if opts == nil {
		opts = DefaultOptions()
	}
	gatewayCtx, cancel := context.WithCancel(ctx)

	g := &Gateway{
		registry: registry,
		groups:   newGroupIndex(),
		tracker:  tracker,
		inbox:    inbox,
		verifier: verifier,
		conns:    newStore[Transport](),
		options:  opts,
		logger:   opts.logger(),
		pubsub:   opts.PubSub,
		nodeID:   uuid.NewString(),
		ctx:      gatewayCtx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    opts.ReadBufferSize,
			WriteBufferSize:   opts.WriteBufferSize,
			CheckOrigin:       createOriginChecker(opts),
			EnableCompression: opts.EnableCompression,
		},
	}
	if g.pubsub != nil {
		if err := g.pubsub.Subscribe(topicPattern(), g.handleRemote); err != nil {
			g.logger.Error("failed to subscribe to fan-out topics", zap.Error(err))
		}
	}
	return g
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	var compiledRegexps []*regexp.Regexp
	if opts.CheckOrigin && len(opts.AllowedOriginRegexps) > 0 {
		compiledRegexps = append(compiledRegexps, opts.AllowedOriginRegexps...)
	}
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		for _, pattern := range compiledRegexps {
			if pattern.MatchString(origin) {
				return true
			}
		}
		return false
	}
}

// HTTPHandler returns the http.HandlerFunc that accepts inbound connection
// attempts. The credential is verified, under a bounded timeout, before the
// upgrade: a connection that fails authentication is rejected with no
// registry mutation of any kind. A configured RateLimiter hook is consulted
// per identity after authentication and before the upgrade.
func (g *Gateway) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.checkState(); err != nil {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)

			return
		}
		token := bearerToken(r)

		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)

			return
		}
		authCtx, cancel := context.WithTimeout(r.Context(), g.options.AuthTimeout)

		defer cancel()

		principal, err := g.verifier.Verify(authCtx, token)

		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)

			return
		}
		if !principal.Active {
			http.Error(w, "Forbidden", http.StatusForbidden)

			return
		}
		if g.options.Hooks != nil && g.options.Hooks.RateLimiter != nil {
			allowed, err := g.options.Hooks.RateLimiter.Allow(r.Context(), principal.Identity)

			if err != nil || !allowed {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)

				return
			}
		}
		if g.options.MaxConnections > 0 && g.conns.Len() >= g.options.MaxConnections {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)

			return
		}

		wsConn, err := g.upgrader.Upgrade(w, r, nil)

		if err != nil {
			return
		}
		connID := uuid.NewString()

		conn, err := newConn(g.ctx, wsConn, connID, principal, g.options)

		if err != nil {
			_ = wsConn.Close()

			g.logger.Error("failed to create connection", zap.String("connId", connID), zap.Error(err))

			return
		}
		if err = g.admit(conn); err != nil {
			conn.Close()

			g.logger.Error("failed to admit connection",
				zap.String("connId", connID),
				zap.String("identity", principal.Identity),
				zap.Error(err))
		}
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")

	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// admit registers an authenticated connection: it enters the registry, joins
// its identity and organization groups, refreshes presence, acknowledges the
// connection to the client, and broadcasts the online transition to the
// organization if this is the identity's first live connection.
func (g *Gateway) admit(conn Transport) error {
	if err := g.checkState(); err != nil {
		return err
	}
	if g.options.Hooks != nil && g.options.Hooks.OnConnect != nil {
		if err := g.options.Hooks.OnConnect(conn); err != nil {
			return wrapF(err, "OnConnect hook rejected connection %s", conn.GetID())
		}
	}
	if err := g.conns.Create(conn.GetID(), conn); err != nil {
		return wrapF(err, "failed to store connection %s", conn.GetID())
	}
	identity := conn.Identity()

	g.transitions.Lock()

	first := g.registry.Register(identity, conn.GetID())

	g.groups.join(UserGroup(identity), conn.GetID())

	g.groups.join(OrgGroup(conn.Organization()), conn.GetID())

	g.transitions.Unlock()

	conn.OnMessage(g.handleInbound)

	conn.OnClose(g.handleClose)

	conn.HandleMessages()

	g.tracker.RecordActivity(g.opCtx(), identity)

	if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
		g.options.Hooks.Metrics.ConnectionOpened(conn.GetID(), identity)
	}
	err := conn.SendJSON(Event{
		Action:    connect,
		Scope:     string(gatewayEntity),
		RequestId: uuid.NewString(),
		Event:     string(connectionEvent),
		Payload: map[string]interface{}{
			"connectionId": conn.GetID(),
			"identity":     identity,
		},
	})

	if err != nil {
		return wrapF(err, "failed to send connection confirmation to %s", conn.GetID())
	}
	if first {
		g.broadcastPresence(conn.Organization(), identity, true)
	}
	return nil
}

// handleClose is the single teardown path for every connection, clean or
// forced. It unregisters the connection and, if that was the identity's last
// one, marks the identity offline and broadcasts the transition.
func (g *Gateway) handleClose(conn Transport) error {
	_ = g.conns.Delete(conn.GetID())

	g.transitions.Lock()

	identity, wentOffline := g.registry.Unregister(conn.GetID())

	g.groups.dropConn(conn.GetID())

	if wentOffline {
		g.tracker.MarkOffline(g.opCtx(), identity)

		g.broadcastPresence(conn.Organization(), identity, false)
	}
	g.transitions.Unlock()

	if g.options.Hooks != nil && g.options.Hooks.OnDisconnect != nil {
		g.options.Hooks.OnDisconnect(conn)
	}
	if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
		g.options.Hooks.Metrics.ConnectionClosed(conn.GetID(), identity)
	}
	return nil
}

func (g *Gateway) broadcastPresence(orgID, identity string, online bool) {
	name := presenceOfflineEvent
	if online {
		name = presenceOnlineEvent
	}
	ev := Event{
		Action:    presenceAction,
		Scope:     OrgGroup(orgID),
		RequestId: uuid.NewString(),
		Event:     string(name),
		Payload: map[string]interface{}{
			"identity": identity,
			"online":   online,
		},
	}
	g.publishRemote(ev)

	g.deliverLocal(g.groups.members(OrgGroup(orgID)), ev)

	if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
		g.options.Hooks.Metrics.PresenceTransition(identity, online)
	}
}

// SendToIdentity delivers the event to every live connection of the identity
// and, regardless of liveness, appends it to the identity's inbox so a
// client that disconnected between send and read still sees it. Delivery
// order per connection follows the caller's invocation order.
func (g *Gateway) SendToIdentity(identity, eventName string, payload interface{}) error {
	if err := g.checkState(); err != nil {
		return err
	}
	record := Notification{
		ID:        uuid.NewString(),
		Type:      eventName,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := g.inbox.Append(g.opCtx(), identity, record); err != nil {
		g.logger.Warn("inbox append failed",
			zap.String("identity", identity),
			zap.String("event", eventName),
			zap.Error(err))
	}
	ev := Event{
		Action:    broadcast,
		Scope:     UserGroup(identity),
		RequestId: record.ID,
		Event:     eventName,
		Payload:   payload,
	}
	g.publishRemote(ev)

	connIDs := g.registry.ConnectionsFor(identity)

	g.deliverLocal(connIDs, ev)

	if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
		g.options.Hooks.Metrics.MessageBroadcast(UserGroup(identity), eventName, len(connIDs))
	}
	return nil
}

// SendToGroup delivers the event to every connection joined to the group.
// Group broadcasts are ephemeral: nothing is appended to any inbox.
func (g *Gateway) SendToGroup(groupKey, eventName string, payload interface{}) error {
	if err := g.checkState(); err != nil {
		return err
	}
	ev := Event{
		Action:    broadcast,
		Scope:     groupKey,
		RequestId: uuid.NewString(),
		Event:     eventName,
		Payload:   payload,
	}
	g.publishRemote(ev)

	members := g.groups.members(groupKey)

	g.deliverLocal(members, ev)

	if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
		g.options.Hooks.Metrics.MessageBroadcast(groupKey, eventName, len(members))
	}
	return nil
}

// ForceDisconnect emits a pre-disconnect notice carrying the reason to every
// live connection of the identity, then closes each one. Teardown runs
// through the same path as a clean disconnect.
func (g *Gateway) ForceDisconnect(identity, reason string) error {
	if err := g.checkState(); err != nil {
		return err
	}
	ev := Event{
		Action:    system,
		Scope:     UserGroup(identity),
		RequestId: uuid.NewString(),
		Event:     string(forceDisconnectEvent),
		Payload: map[string]interface{}{
			"reason": reason,
		},
	}
	g.publishRemote(ev)

	for _, connID := range g.registry.ConnectionsFor(identity) {
		conn, err := g.conns.Read(connID)

		if err != nil {
			continue
		}
		if err := conn.SendJSON(ev); err != nil {
			g.logger.Warn("failed to deliver disconnect notice",
				zap.String("connId", connID),
				zap.String("identity", identity),
				zap.Error(err))
		}
		conn.Close()
	}
	return nil
}

// ConnectionStats returns the total live connection count, the distinct live
// identity count, and the per-organization connection breakdown. Read-only,
// computed from current registry and group state.
func (g *Gateway) ConnectionStats() Stats {
	connections, identities := g.registry.Counts()

	return Stats{
		Connections:    connections,
		Identities:     identities,
		ByOrganization: g.groups.countByPrefix(orgGroupPrefix),
	}
}

// IsOnline reports the advisory presence signal for the identity.
func (g *Gateway) IsOnline(identity string) bool {
	return g.tracker.IsOnline(g.opCtx(), identity)
}

// FetchNotifications returns up to limit buffered notifications for the
// identity, newest first.
func (g *Gateway) FetchNotifications(identity string, limit int) []Notification {
	return g.inbox.Fetch(g.opCtx(), identity, limit)
}

// ClearNotifications deletes the identity's buffered notifications.
func (g *Gateway) ClearNotifications(identity string) error {
	return g.inbox.Clear(g.opCtx(), identity)
}

// deliverLocal fans the event out to the given local connections. A failed
// delivery is isolated to its connection: it is logged and the fan-out
// continues with the rest.
func (g *Gateway) deliverLocal(connIDs []string, ev Event) {
	if len(connIDs) == 0 {
		return
	}
	ev.NodeID = ""

	g.conns.GetByKeys(connIDs...).forEach(func(conn Transport) {
		if err := conn.SendJSON(ev); err != nil {
			g.logger.Warn("delivery failed",
				zap.String("connId", conn.GetID()),
				zap.String("event", ev.Event),
				zap.Error(err))

			if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
				g.options.Hooks.Metrics.Error("delivery", err)
			}
		}
	})
}

func (g *Gateway) handleInbound(ev Event, conn Transport) error {
	if err := g.checkState(); err != nil {
		return err
	}
	switch ev.Action {
	case heartbeat:
		g.tracker.Touch(g.opCtx(), conn.Identity())

		return conn.SendJSON(Event{
			Action:    system,
			Scope:     string(gatewayEntity),
			RequestId: ev.RequestId,
			Event:     string(heartbeatAckEvent),
			Payload:   map[string]interface{}{},
		})

	case joinGroup:
		if !g.authorizedGroup(ev.Scope, conn) {
			return unauthorized(ev.Scope, "Connection is not authorized for this group")
		}
		g.groups.join(ev.Scope, conn.GetID())

		return conn.SendJSON(Event{
			Action:    system,
			Scope:     ev.Scope,
			RequestId: ev.RequestId,
			Event:     string(groupAckEvent),
			Payload:   map[string]interface{}{"joined": true},
		})

	case leaveGroup:
		g.groups.leave(ev.Scope, conn.GetID())

		return conn.SendJSON(Event{
			Action:    system,
			Scope:     ev.Scope,
			RequestId: ev.RequestId,
			Event:     string(groupAckEvent),
			Payload:   map[string]interface{}{"joined": false},
		})

	default:
		_ = conn.SendJSON(Event{
			Action:    system,
			Scope:     ev.Scope,
			RequestId: ev.RequestId,
			Event:     string(notFoundEvent),
			Payload:   notFound(ev.Scope, "Unknown or unsupported action").withDetails(map[string]string{"action": string(ev.Action)}),
		})

		return badRequest(ev.Scope, "Unknown action type")
	}
}

// authorizedGroup restricts explicit joins to the connection's own identity
// group and its own organization group.
func (g *Gateway) authorizedGroup(groupKey string, conn Transport) bool {
	return groupKey == UserGroup(conn.Identity()) || groupKey == OrgGroup(conn.Organization())
}

func (g *Gateway) publishRemote(ev Event) {
	if g.pubsub == nil {
		return
	}
	ev.NodeID = g.nodeID

	data, err := json.Marshal(ev)

	if err != nil {
		g.logger.Error("failed to marshal event for fan-out", zap.Error(err))

		return
	}
	topic := formatTopic(ev.Scope, ev.Event)

	go func() {
		if err := g.pubsub.Publish(topic, data); err != nil {
			g.logger.Warn("fan-out publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// handleRemote re-delivers events published by sibling gateway instances to
// this instance's local connections. Events carrying our own nodeID were
// already delivered locally and are skipped.
func (g *Gateway) handleRemote(_ string, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		g.logger.Warn("dropping undecodable fan-out message", zap.Error(err))

		return
	}
	if ev.NodeID == g.nodeID {
		return
	}

	if ev.Action == system && ev.Event == string(forceDisconnectEvent) {
		identity := strings.TrimPrefix(ev.Scope, userGroupPrefix)

		for _, connID := range g.registry.ConnectionsFor(identity) {
			if conn, err := g.conns.Read(connID); err == nil {
				_ = conn.SendJSON(ev)

				conn.Close()
			}
		}
		return
	}

	var connIDs []string
	if strings.HasPrefix(ev.Scope, userGroupPrefix) {
		connIDs = g.registry.ConnectionsFor(strings.TrimPrefix(ev.Scope, userGroupPrefix))
	} else {
		connIDs = g.groups.members(ev.Scope)
	}
	g.deliverLocal(connIDs, ev)
}

// Close shuts the gateway down: every live connection is closed through the
// normal teardown path and no further operations are accepted.
func (g *Gateway) Close() {
	g.cancel()

	g.conns.Keys().forEach(func(connID string) {
		if conn, err := g.conns.Read(connID); err == nil {
			conn.Close()
		}
	})

	if g.pubsub != nil {
		if err := g.pubsub.Unsubscribe(topicPattern()); err != nil {
			g.logger.Warn("failed to unsubscribe from fan-out topics", zap.Error(err))
		}
	}
}

func (g *Gateway) opCtx() context.Context {
	return g.ctx
}

func (g *Gateway) checkState() error {
	select {
	case <-g.ctx.Done():
		return wrapF(g.ctx.Err(), "gateway is shutting down")

	default:
		return nil
	}
}

func formatTopic(scope, event string) string {
	return "beacon:" + scope + ":" + event
}

func topicPattern() string {
	return "beacon:.*"
}
