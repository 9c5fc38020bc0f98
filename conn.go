// This file contains the Conn struct which represents one authenticated
// WebSocket connection. It handles the low-level transport: read and write
// pumps, ping/pong keepalive, graceful shutdown, and lifecycle callbacks.
// The identity and organization are fixed at authentication time and never
// change for the life of the connection.
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the non-owning handle the gateway keeps for emitting to a
// connection. The Registry owns the identity mapping; the Conn owns the
// socket.
type Transport interface {
	GetID() string
	Identity() string
	Organization() string
	SendJSON(v interface{}) error
	IsActive() bool
	Close()
	OnClose(callback func(Transport) error)
	OnMessage(handler func(Event, Transport) error)
	HandleMessages()
}

type transportEventHandler func(event Event, transport Transport) error

type Conn struct {
	ID            string
	identity      string
	organization  string
	conn          *websocket.Conn
	send          chan []byte
	receive       chan []byte
	closeChan     chan struct{}
	readDone      chan struct{}
	writeDone     chan struct{}
	closeOnce     sync.Once
	mutex         sync.RWMutex
	isClosing     bool
	closeHandlers *array[func(Transport) error]
	handler       *transportEventHandler
	options       *Options
	ctx           context.Context
	cancel        context.CancelFunc
	handlerSem    chan struct{}
}

func newConn(mCtx context.Context, wsConn *websocket.Conn, id string, principal Principal, options *Options) (*Conn, error) {
	ctx, cancel := context.WithCancel(mCtx)

	c := &Conn{
		ID:            id,
		identity:      principal.Identity,
		organization:  principal.OrganizationID,
		conn:          wsConn,
		ctx:           ctx,
		cancel:        cancel,
		closeChan:     make(chan struct{}),
		readDone:      make(chan struct{}),
		writeDone:     make(chan struct{}),
		send:          make(chan []byte, options.SendChannelBuffer),
		receive:       make(chan []byte, options.ReceiveChannelBuffer),
		closeHandlers: newArray[func(Transport) error](),
		options:       options,
		handlerSem:    make(chan struct{}, 10),
	}

	wsConn.SetReadLimit(options.MaxMessageSize)
	if err := wsConn.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()

		return nil, wrapF(err, "failed to set initial read deadline for connection %s", id)
	}

	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	c.conn.SetCloseHandler(func(code int, text string) error {
		c.Close()

		return nil
	})

	go c.readPump()

	go c.writePump()

	return c, nil
}

func (c *Conn) readPump() {
	defer func() {
		close(c.readDone)

		c.close(true)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.conn.SetReadDeadline(time.Now().Add(c.options.PongWait)); err != nil {
				c.reportError("read_deadline", err)

				return
			}
			messageType, message, err := c.conn.ReadMessage()

			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return
				}

				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					c.reportError("read_pump", err)
				} else if !errors.Is(err, context.Canceled) {
					c.reportError("read_pump", err)
				}

				return
			}

			if messageType != websocket.TextMessage {
				_ = c.SendJSON(errorEvent(badRequest(string(gatewayEntity), "Unsupported message type; expected text frame")))

				continue
			}
			select {
			case c.receive <- message:
			case <-c.ctx.Done():
				return
			case <-time.After(c.options.WriteWait):
				c.reportError("read_pump", timeout(string(gatewayEntity), "timed out delivering message to handler"))

				return
			}
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.PingInterval)

	defer func() {
		ticker.Stop()

		close(c.writeDone)

		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}
			if err := c.writeFrame(message); err != nil {
				return
			}
		case <-ticker.C:
			if !c.IsActive() {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.drainAndClose()

			return
		case <-c.closeChan:
			c.drainAndClose()

			return
		}
	}
}

func (c *Conn) writeFrame(message []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
		return err
	}
	w, err := c.conn.NextWriter(websocket.TextMessage)

	if err != nil {
		return err
	}
	if _, err = w.Write(message); err != nil {
		_ = w.Close()

		return err
	}
	return w.Close()
}

// drainAndClose flushes frames still buffered in the send channel before
// writing the close frame, so a notice queued immediately before Close (a
// forced-disconnect reason, for instance) reaches the client.
func (c *Conn) drainAndClose() {
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed"))

				return
			}
			if err := c.writeFrame(message); err != nil {
				return
			}
		default:
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed"))

			return
		}
	}
}

func (c *Conn) HandleMessages() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.Close()
			}
		}()

		for {
			select {
			case message, ok := <-c.receive:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal(message, &event); err != nil {
					_ = c.SendJSON(errorEvent(wrapF(err, "failed to unmarshal event from connection %s", c.ID)))
					continue
				}

				c.mutex.RLock()
				handler := c.handler
				c.mutex.RUnlock()

				if handler == nil {
					_ = c.SendJSON(errorEvent(internal(string(gatewayEntity), "no handler registered for connection "+c.ID)))
					continue
				}

				if !event.Validate() {
					_ = c.SendJSON(errorEvent(badRequest(string(gatewayEntity), "invalid event received from connection "+c.ID)))
					continue
				}

				select {
				case c.handlerSem <- struct{}{}:
				case <-c.ctx.Done():
					return
				case <-c.closeChan:
					return
				}

				go func(ev Event, h *transportEventHandler) {
					defer func() {
						<-c.handlerSem
						if r := recover(); r != nil {
							c.reportError("connection_handler_panic", internal(string(gatewayEntity), "handler panic recovered"))
						}
					}()

					if err := (*h)(ev, c); err != nil {
						c.reportError("connection_handler", err)
						if errEv := errorEvent(err); errEv != nil {
							_ = c.SendJSON(errEv)
						}
					}
				}(event, handler)

			case <-c.ctx.Done():
				return
			case <-c.closeChan:
				return
			}
		}
	}()
}

// SendJSON marshals v and queues it on the connection's ordered send buffer.
// Queuing preserves the caller's invocation order for this connection; a
// full buffer that does not drain within the send timeout closes the
// connection, so one dead socket cannot stall its callers.
func (c *Conn) SendJSON(v interface{}) (err error) {
	if !c.IsActive() {
		return unavailable(string(gatewayEntity), "Connection with id "+c.ID+" is closing")
	}
	data, err := json.Marshal(v)

	if err != nil {
		return wrapF(err, "failed to marshal JSON for connection %s", c.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = unavailable(string(gatewayEntity), "Connection with id "+c.ID+" is closing")
		}
	}()

	select {
	case <-c.closeChan:
		return unavailable(string(gatewayEntity), "Connection with id "+c.ID+" is closing")

	case <-c.ctx.Done():
		return unavailable(string(gatewayEntity), "Connection with id "+c.ID+" is closing due to context cancellation")

	case c.send <- data:
		return nil
	case <-time.After(c.sendTimeout()):
		go c.Close()

		return timeout(string(gatewayEntity), "send timeout, connection with id "+c.ID+" is closing")
	}
}

func (c *Conn) OnMessage(handler func(Event, Transport) error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	wrapped := transportEventHandler(handler)
	c.handler = &wrapped
}

// OnClose registers a callback to run when the connection closes. Callbacks
// run synchronously during teardown, in registration order.
func (c *Conn) OnClose(callback func(Transport) error) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.closeHandlers.push(callback)
}

// IsActive returns true while the connection can still send and receive.
func (c *Conn) IsActive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return !c.isClosing
}

// Close gracefully shuts down the connection: runs close handlers, cancels
// the context, flushes buffered frames, and closes the socket. Idempotent.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()

		c.isClosing = true
		handlersToRun := make([]func(Transport) error, len(c.closeHandlers.items))

		copy(handlersToRun, c.closeHandlers.items)

		c.mutex.Unlock()

		close(c.closeChan)

		if c.cancel != nil {
			c.cancel()
		}

		// Let the write pump drain buffered frames (a queued force-disconnect
		// notice, say) before tearing the socket down.
		select {
		case <-c.writeDone:
		case <-time.After(c.options.WriteWait):
		}

		conn := c.conn

		if !fromReader && conn != nil {
			_ = conn.Close()
		}

		if !fromReader {
			if c.readDone != nil {
				<-c.readDone
			}
		}

		var closeHandlerErrors error
		for _, handler := range handlersToRun {
			if err := handler(c); err != nil {
				closeHandlerErrors = addError(closeHandlerErrors, err)
			}
		}
		if closeHandlerErrors != nil {
			c.reportError("connection_close_handlers", closeHandlerErrors)
		}

		if fromReader && conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Conn) reportError(component string, err error) {
	if err == nil || c == nil || c.options == nil {
		return
	}
	if c.options.Hooks != nil && c.options.Hooks.Metrics != nil {
		c.options.Hooks.Metrics.Error(component, err)
	}
}

func (c *Conn) GetID() string {
	return c.ID
}

// Identity returns the authenticated principal owning this connection.
func (c *Conn) Identity() string {
	return c.identity
}

// Organization returns the organization scope the connection belongs to.
func (c *Conn) Organization() string {
	return c.organization
}

func (c *Conn) sendTimeout() time.Duration {
	if c.options != nil && c.options.SendTimeout > 0 {
		return c.options.SendTimeout
	}
	return 5 * time.Second
}
