package main

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// transport is the subset of *websocket.Conn the gateway uses. Kept as an
// interface so connection behavior is testable without a network socket.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	SetReadLimit(limit int64)
	Close() error
}

// Identity is the authenticated principal bound to a connection. Established
// once at handshake time, immutable afterwards.
type Identity struct {
	ID       string
	Email    string
	Username string
}

// Connection is one live client session. Outbound delivery goes through a
// bounded queue drained by the write pump; a full queue marks the connection
// unresponsive and it is forcibly terminated rather than stalling fan-out.
type Connection struct {
	id       string
	identity Identity
	tr       transport
	remote   string

	send   chan []byte
	closed chan struct{}

	mu          sync.RWMutex
	joinedRooms map[string]bool

	lastActivity atomic.Int64 // unix millis

	once    sync.Once
	cleanup func(c *Connection, reason string)
}

func newConnection(id string, identity Identity, tr transport, remote string, sendBuffer int) *Connection {
	c := &Connection{
		id:          id,
		identity:    identity,
		tr:          tr,
		remote:      remote,
		send:        make(chan []byte, sendBuffer),
		closed:      make(chan struct{}),
		joinedRooms: make(map[string]bool),
	}
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

func (c *Connection) addRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinedRooms[room] = true
}

func (c *Connection) removeRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joinedRooms, room)
}

func (c *Connection) clearRooms() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinedRooms = make(map[string]bool)
}

// InRoom reports whether the connection is subscribed to a room.
func (c *Connection) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joinedRooms[room]
}

func (c *Connection) roomSnapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]string, 0, len(c.joinedRooms))
	for room := range c.joinedRooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// enqueue offers a frame to the outbound queue without blocking the caller.
// Returns false when the queue is saturated or the connection is closed.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendEvent queues a server event; on a saturated queue the connection is
// terminated (slow consumer).
func (c *Connection) sendEvent(event string, data interface{}) {
	if !c.enqueue(encodeServerEvent(event, data)) {
		c.Terminate("send queue full")
	}
}

// sendAck queues an ack callback for a client-correlated operation.
func (c *Connection) sendAck(ackId int64, data interface{}) {
	b, err := json.Marshal(ServerEnvelope{Event: EventAck, AckId: ackId, Data: data})
	if err != nil {
		return
	}
	if !c.enqueue(b) {
		c.Terminate("send queue full")
	}
}

// sendError reports an operation-scoped failure back to this connection only.
func (c *Connection) sendError(code, message string, ackId int64) {
	b, err := json.Marshal(ServerEnvelope{
		Event: EventError,
		AckId: ackId,
		Data:  ErrorPayload{Code: code, Message: message},
	})
	if err != nil {
		return
	}
	if !c.enqueue(b) {
		c.Terminate("send queue full")
	}
}

// Terminate ends the connection. The cleanup handler installed by the
// lifecycle supervisor runs exactly once no matter how many paths race here:
// client close, transport error, slow-consumer eviction, or server shutdown.
func (c *Connection) Terminate(reason string) {
	c.once.Do(func() {
		close(c.closed)
		if c.tr != nil {
			c.tr.Close()
		}
		if c.cleanup != nil {
			c.cleanup(c, reason)
		}
	})
}

const (
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	pongTimeout  = 60 * time.Second
)

// writePump drains the outbound queue onto the transport and keeps the
// socket alive with pings. Frames still queued when the connection closes
// are dropped.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Terminate("write pump exit")
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.tr.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.tr.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Write failed, closing connection", "conn", c.id, "user", c.identity.ID, "error", err)
				return
			}
		case <-ticker.C:
			c.tr.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.tr.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
