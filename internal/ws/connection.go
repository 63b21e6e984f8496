package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/roomchat/internal/bus"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/event"
	"github.com/whisper/roomchat/internal/ratelimit"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	RemoteIP  string    // client address, used for per-IP limits
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex   // serializes writes to this connection

	mu      sync.Mutex // guards the room binding below
	room    *chat.Session
	user    string
	subs    []roomSub
	ready   bool     // welcome sent; live frames go straight out
	backlog [][]byte // live frames produced before the welcome
	typing  *ratelimit.Local

	// Typing previews over the rate limit are coalesced: only the newest is
	// kept and it is sent when the bucket refills.
	pendingTyping string
	hasPending    bool
	typingTimer   *time.Timer

	opMu sync.Mutex // serializes room operations from the reader and the typing flush
}

type roomSub struct {
	kind event.Kind
	id   bus.SubscriptionID
}

func newConnection(id string, conn net.Conn, remoteIP string, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		RemoteIP:     remoteIP,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeFrame sends a control frame under the write mutex.
func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, f)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Username returns the name the connection joined with, or "" before join.
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Room returns the joined room, or nil before join.
func (c *Connection) Room() *chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// forward writes a live frame from room, holding it back until the welcome
// snapshot has been sent. Frames from a room the connection no longer belongs
// to are dropped.
func (c *Connection) forward(room *chat.Session, data []byte) error {
	c.mu.Lock()
	if c.room != room {
		c.mu.Unlock()
		return nil
	}
	if !c.ready {
		c.backlog = append(c.backlog, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.WriteMessage(data)
}

// ConnectionManager is a thread-safe registry of active connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
