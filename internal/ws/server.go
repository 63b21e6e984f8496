// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/ws"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/ratelimit"
)

// maxMessageBytes caps a reassembled client message.
const maxMessageBytes = 16 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max messages handled concurrently across connections
	MaxConnections int           // hard cap on total connections
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	TrustProxy     bool          // take the client IP from X-Forwarded-For
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests to WebSocket connections with gobwas/ws and
// runs one reader goroutine per connection. Message handling is bounded by a
// worker semaphore.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent handlers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	limiter      *ratelimit.Limiter                  // per-IP connect limit, nil disables
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. onMessage is called from the connection's reader goroutine for
// every complete text message, so messages of one connection are handled in
// order.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins the heartbeat monitor and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, registers it and starts its reader.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r, s.config.TrustProxy)
	if allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(r.Context(), ip, ratelimit.RuleConnect)))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, ip, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	log.Printf("ws: new connection conn=%s ip=%s (total=%d)", c.ID, c.RemoteIP, s.conns.Count())
	go s.readLoop(c)
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames until the connection fails or closes. Control frames
// are answered here under the connection's write mutex; fragmented data
// messages are reassembled before dispatch.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	var msg []byte
	for {
		header, err := ws.ReadHeader(c.Conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("ws: read header conn=%s: %v", c.ID, err)
			}
			return
		}
		if header.Length > maxMessageBytes || int64(len(msg))+header.Length > maxMessageBytes {
			log.Printf("ws: frame too large conn=%s len=%d", c.ID, header.Length)
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "")))
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.Conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		// Any frame proves the connection is alive.
		c.touch()

		switch header.OpCode {
		case ws.OpClose:
			_ = c.writeFrame(ws.NewCloseFrame(nil))
			return
		case ws.OpPing:
			if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
				return
			}
			continue
		case ws.OpPong:
			continue
		case ws.OpText, ws.OpBinary:
			msg = payload
		case ws.OpContinuation:
			msg = append(msg, payload...)
		}

		if !header.Fin {
			continue
		}
		data := msg
		msg = nil
		if len(data) == 0 || s.onMessage == nil {
			continue
		}

		select {
		case s.workerPool <- struct{}{}:
		case <-s.done:
			return
		}
		s.onMessage(c, data)
		<-s.workerPool
	}
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout, client close or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetLimiter enables the shared per-IP connect limit.
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// RemoveConnection removes a connection from the connection manager and closes
// it. It is safe to call from several goroutines; only the first call runs the
// disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and closes every connection, running the
// disconnect callback for each so users leave their rooms.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	close(s.done)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	p := pool.New().WithMaxGoroutines(32)
	for _, c := range s.conns.All() {
		p.Go(func() {
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown")))
			s.RemoveConnection(c)
		})
	}
	p.Wait()

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP returns the request's remote host. Behind a trusted proxy it
// returns the first X-Forwarded-For hop instead; otherwise the header is
// client-controlled and ignored.
func clientIP(r *http.Request, trustProxy bool) string {
	if fwd := r.Header.Get("X-Forwarded-For"); trustProxy && fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
