package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/protocol"
)

// ConnectionManager owns the WebSocket connections of the relay binding,
// pooled per room.
type ConnectionManager struct {
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan outbound
}

// Connection is one member's WebSocket session.
type Connection struct {
	ID       string
	MemberID string
	RoomID   string
	Conn     *websocket.Conn
	Send     chan []byte
	manager  *ConnectionManager

	ConnectedAt time.Time

	closeOnce sync.Once

	sendMu     sync.Mutex
	sendClosed bool
}

// ConnectionConfig holds transport-level connection settings.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// outbound is a queued delivery: to one member if MemberID is set, otherwise
// to the whole room minus ExcludeMemberID.
type outbound struct {
	RoomID          string
	MemberID        string
	ExcludeMemberID string
	Message         *protocol.Message
}

// DefaultConnectionConfig returns the transport defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production.
			return true
		},
	}
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan outbound, 1000),
	}
}

// Run processes queued deliveries until the context channel closes.
func (cm *ConnectionManager) Run(done <-chan struct{}) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-done:
			log.Info().Msg("connection manager shutting down")
			return
		case msg := <-cm.broadcastCh:
			cm.deliver(msg)
		}
	}
}

// Broadcast queues a message for every connection in a room. Sends are
// fire-and-forget; receivers discard anything not strictly newer than what
// they hold, so a dropped or duplicated delivery is safe.
func (cm *ConnectionManager) Broadcast(roomID string, msg *protocol.Message) {
	cm.enqueue(outbound{RoomID: roomID, Message: msg})
}

// BroadcastExcept queues a message for every connection in a room except one
// member's.
func (cm *ConnectionManager) BroadcastExcept(roomID, excludeMemberID string, msg *protocol.Message) {
	cm.enqueue(outbound{RoomID: roomID, ExcludeMemberID: excludeMemberID, Message: msg})
}

// SendTo queues a message for one member only.
func (cm *ConnectionManager) SendTo(roomID, memberID string, msg *protocol.Message) {
	cm.enqueue(outbound{RoomID: roomID, MemberID: memberID, Message: msg})
}

func (cm *ConnectionManager) enqueue(msg outbound) {
	select {
	case cm.broadcastCh <- msg:
	default:
		log.Warn().Str("room_id", msg.RoomID).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Int("total_connections", len(cm.roomConnections[conn.RoomID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if connections, exists := cm.roomConnections[conn.RoomID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			conn.closeSend()

			if len(connections) == 0 {
				delete(cm.roomConnections, conn.RoomID)
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("member_id", conn.MemberID).
				Str("room_id", conn.RoomID).
				Msg("connection unregistered")
		}
	}
}

func (cm *ConnectionManager) deliver(msg outbound) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[msg.RoomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	var targets []*Connection
	for conn := range connections {
		if msg.MemberID != "" && conn.MemberID != msg.MemberID {
			continue
		}
		if msg.ExcludeMemberID != "" && conn.MemberID == msg.ExcludeMemberID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(msg.Message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.trySend(data) {
			// Slow, dead, or already-departed client; drop it rather than
			// stalling the room.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("member_id", conn.MemberID).
				Msg("connection send queue unavailable, closing connection")
			cm.unregister(conn)
			conn.Close()
		}
	}

	log.Debug().
		Str("type", string(msg.Message.Type)).
		Str("room_id", msg.RoomID).
		Int("connections", len(targets)).
		Msg("message delivered")
}

// MemberCount returns the number of live connections in a room.
func (cm *ConnectionManager) MemberCount(roomID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.roomConnections[roomID])
}

// Stats returns connection statistics.
func (cm *ConnectionManager) Stats() map[string]any {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	perRoom := make(map[string]int)
	for roomID, connections := range cm.roomConnections {
		perRoom[roomID] = len(connections)
		total += len(connections)
	}

	return map[string]any{
		"total_connections": total,
		"active_rooms":      len(cm.roomConnections),
		"room_connections":  perRoom,
	}
}

// Close terminates the connection's socket exactly once. Safe to call from
// both pumps and the stale monitor.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.Conn.Close()
	})
}

// trySend queues data for the write pump. Returns false if the queue is full
// or already closed; it never panics on a departed connection.
func (c *Connection) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send queue exactly once. Both pumps unregister on
// exit, so this must tolerate a second call.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

// writePump flushes queued messages and transport pings to the socket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send transport ping")
				return
			}
		}
	}
}

// readPump reads protocol messages and hands them to the handler until the
// socket dies.
func (c *Connection) readPump(handle func(*Connection, *protocol.Message)) {
	defer func() {
		c.manager.unregister(c)
		c.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", c.ID).
				Msg("discarding malformed message")
			continue
		}
		handle(c, &msg)
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
