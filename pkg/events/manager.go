package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/practicase/practicase/pkg/metrics"
)

// ActivityReporter receives liveness pings from the subscription endpoint.
// Implemented by the orchestrator's activity tracker.
type ActivityReporter interface {
	TouchActivity(sessionCode, userID string)
}

// ConnectionManager manages WebSocket connections and their session topic
// subscriptions. One instance per process.
type ConnectionManager struct {
	bus *Bus

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// ActivityReporter for inbound-frame liveness (set after construction)
	activity   ActivityReporter
	activityMu sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all reads
// and writes (subscribe, unsubscribe, unregisterConnection) happen on the
// single goroutine that owns this connection (HandleConnection's read loop
// and its deferred cleanup). Pump goroutines hold their own *Subscription
// and never touch the map.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string][]*Subscription // session code → shared (+ private) subs
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a new ConnectionManager on top of bus.
func NewConnectionManager(bus *Bus, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		bus:          bus,
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// SetActivityReporter wires the orchestrator's activity tracker. Called once
// during startup.
func (m *ConnectionManager) SetActivityReporter(a ActivityReporter) {
	m.activityMu.Lock()
	defer m.activityMu.Unlock()
	m.activity = a
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string][]*Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	// Read loop — process client frames until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// handleClientMessage dispatches a client frame. Every frame that names a
// session and user counts as activity — this is what keeps the idle
// watchdog from evicting a quietly-connected participant.
func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	if msg.SessionCode != "" && msg.UserID != "" {
		m.touchActivity(msg.SessionCode, msg.UserID)
	}

	switch msg.Action {
	case "subscribe":
		if msg.SessionCode == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "sessionCode is required for subscribe"})
			return
		}
		m.subscribe(c, msg.SessionCode, msg.UserID)
		m.sendJSON(c, map[string]string{
			"type":        "subscription.confirmed",
			"sessionCode": msg.SessionCode,
		})

	case "unsubscribe":
		if msg.SessionCode == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "sessionCode is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.SessionCode)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe attaches the connection to a session's shared topic and, when
// the client identifies itself, to its private per-user topic (CASE_DATA
// delivery). Subscribing twice to the same session is a no-op.
func (m *ConnectionManager) subscribe(c *Connection, code, userID string) {
	if _, ok := c.subscriptions[code]; ok {
		return
	}

	subs := []*Subscription{m.bus.Subscribe(SessionTopic(code))}
	if userID != "" {
		subs = append(subs, m.bus.Subscribe(UserTopic(code, userID)))
	}
	c.subscriptions[code] = subs

	for _, sub := range subs {
		go m.pump(c, sub)
	}
}

// unsubscribe detaches the connection from a session's topics. Idempotent.
func (m *ConnectionManager) unsubscribe(c *Connection, code string) {
	subs, ok := c.subscriptions[code]
	if !ok {
		return
	}
	delete(c.subscriptions, code)
	for _, sub := range subs {
		sub.Close()
	}
}

// pump forwards bus envelopes to the WebSocket until the subscription
// closes or the connection dies.
func (m *ConnectionManager) pump(c *Connection, sub *Subscription) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-sub.C():
			if !ok {
				return
			}
			if err := m.sendRaw(c, data); err != nil {
				slog.Warn("Failed to send envelope to WebSocket client",
					"connection_id", c.ID, "topic", sub.Topic(), "error", err)
			}
		}
	}
}

func (m *ConnectionManager) touchActivity(code, userID string) {
	m.activityMu.RLock()
	a := m.activity
	m.activityMu.RUnlock()
	if a != nil {
		a.TouchActivity(code, userID)
	}
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
	metrics.WSConnections.Inc()
}

// unregisterConnection removes a connection and closes its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for code := range c.subscriptions {
		m.unsubscribe(c, code)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	metrics.WSConnections.Dec()
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
