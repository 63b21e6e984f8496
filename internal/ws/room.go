package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/roomchat/internal/bus"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/event"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/moderation"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/ratelimit"
)

// RoomConfig holds the settings of the room binding.
type RoomConfig struct {
	DefaultRoom     string
	TypingPerSecond float64
	TypingBurst     int
	OpTimeout       time.Duration // bound on rate-limit and chat calls per frame
	ScreenMessages  bool          // run messages through the moderation filter
	BlockedTerms    []string
}

// DefaultRoomConfig returns production defaults.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		DefaultRoom:     "lobby",
		TypingPerSecond: ratelimit.DefaultTypingRate,
		TypingBurst:     ratelimit.DefaultTypingBurst,
		OpTimeout:       3 * time.Second,
		ScreenMessages:  true,
	}
}

// RoomHandler binds WebSocket connections to chat rooms: it turns client
// frames into session operations and session events into server frames.
type RoomHandler struct {
	cfg     RoomConfig
	hub     *chat.Hub
	limiter *ratelimit.Limiter
	filter  *moderation.Filter // nil when screening is off
}

// NewRoomHandler creates a RoomHandler. A nil limiter disables shared rate
// limits.
func NewRoomHandler(cfg RoomConfig, hub *chat.Hub, limiter *ratelimit.Limiter) *RoomHandler {
	h := &RoomHandler{cfg: cfg, hub: hub, limiter: limiter}
	if cfg.ScreenMessages {
		h.filter = moderation.NewFilterWithTerms(cfg.BlockedTerms)
	}
	return h
}

// Register installs the room message handlers on d.
func (h *RoomHandler) Register(d *MessageDispatcher) {
	d.Register(protocol.TypeJoin, h.handleJoin)
	d.Register(protocol.TypeLeave, h.handleLeave)
	d.Register(protocol.TypeMessage, h.handleMessage)
	d.Register(protocol.TypeTyping, h.handleTyping)
	d.Register(protocol.TypeStopTyping, h.handleStopTyping)
}

// OnDisconnect removes a closing connection's user from its room.
func (h *RoomHandler) OnDisconnect(conn *Connection) {
	if err := h.leave(conn); err != nil {
		log.Printf("[room] leave on disconnect conn=%s: %v", conn.ID, err)
	}
}

func (h *RoomHandler) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.OpTimeout)
}

func (h *RoomHandler) handleJoin(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	if conn.Room() != nil {
		sendError(conn, protocol.CodeAlreadyJoined, "already joined a room")
		return
	}

	ctx, cancel := h.context()
	defer cancel()

	if allowed, _ := h.limiter.Allow(ctx, conn.RemoteIP, ratelimit.RuleJoin); !allowed {
		send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: h.limiter.RetryAfter(ctx, conn.RemoteIP, ratelimit.RuleJoin),
		})
		return
	}

	name := m.Room
	if name == "" {
		name = h.cfg.DefaultRoom
	}
	room, err := h.hub.Room(name)
	if errors.Is(err, chat.ErrHubClosed) {
		sendError(conn, protocol.CodeInternal, "server shutting down")
		return
	}
	if err != nil {
		sendError(conn, protocol.CodeBadRequest, err.Error())
		return
	}

	username := chat.NormalizeUsername(m.Username)
	conn.mu.Lock()
	conn.room = room
	conn.user = username
	conn.typing = ratelimit.NewLocal(h.cfg.TypingPerSecond, h.cfg.TypingBurst)
	conn.mu.Unlock()

	// Subscribe before joining so no event between join and snapshot is lost.
	subs := make([]roomSub, 0, len(event.Kinds))
	for _, kind := range event.Kinds {
		id := room.Subscribe(kind, h.forwarder(conn, room))
		subs = append(subs, roomSub{kind: kind, id: id})
	}
	conn.mu.Lock()
	conn.subs = subs
	conn.mu.Unlock()

	if err := room.JoinChat(ctx, username); err != nil {
		h.detach(conn)
		switch {
		case errors.Is(err, chat.ErrEmptyUsername), errors.Is(err, chat.ErrInvalidUsername):
			sendError(conn, protocol.CodeInvalidUsername, err.Error())
		default:
			log.Printf("[room] join room=%s user=%q conn=%s: %v", name, username, conn.ID, err)
			sendError(conn, protocol.CodeInternal, "join failed")
		}
		return
	}

	h.welcome(conn, room, username)
	log.Printf("[room] user=%q joined room=%s conn=%s", username, name, conn.ID)
}

// welcome sends the room snapshot, then releases frames held back while it
// was being built. Held frames may repeat state already in the snapshot.
func (h *RoomHandler) welcome(conn *Connection, room *chat.Session, username string) {
	msgs := room.CurrentMessages()
	history := make([]protocol.ServerChatMsg, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, protocol.ServerChatMsg{ID: m.ID, From: m.Username, Text: m.Body, Ts: m.Timestamp})
	}
	typing := room.CurrentTypingUsers()
	entries := make([]protocol.TypingEntry, 0, len(typing))
	for _, t := range typing {
		entries = append(entries, protocol.TypingEntry{Username: t.Username, Content: t.Content, Ts: t.Timestamp})
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	send(conn, protocol.TypeWelcome, protocol.WelcomeMsg{
		Room:     room.Room(),
		Username: username,
		Users:    room.CurrentUsers(),
		Typing:   entries,
		Messages: history,
	})
	for _, data := range conn.backlog {
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("ws: failed to flush backlog conn=%s: %v", conn.ID, err)
			break
		}
	}
	conn.backlog = nil
	conn.ready = true
}

func (h *RoomHandler) forwarder(conn *Connection, room *chat.Session) bus.Handler {
	return func(evt event.Event) {
		data, err := protocol.FromEvent(evt)
		if err != nil {
			log.Printf("ws: encode %s conn=%s: %v", evt.Kind(), conn.ID, err)
			return
		}
		if err := conn.forward(room, data); err != nil {
			log.Printf("ws: forward %s conn=%s: %v", evt.Kind(), conn.ID, err)
		}
	}
}

func (h *RoomHandler) handleLeave(conn *Connection, _ interface{}) {
	if conn.Room() == nil {
		sendError(conn, protocol.CodeNotJoined, "not in a room")
		return
	}
	if err := h.leave(conn); err != nil {
		log.Printf("[room] leave conn=%s: %v", conn.ID, err)
	}
}

// leave detaches conn from its room and removes its user. It is a no-op for
// connections that never joined.
func (h *RoomHandler) leave(conn *Connection) error {
	conn.opMu.Lock()
	defer conn.opMu.Unlock()

	room, user := h.detach(conn)
	if room == nil {
		return nil
	}

	ctx, cancel := h.context()
	defer cancel()
	return room.LeaveChat(ctx, user)
}

// detach clears conn's room binding and drops its subscriptions.
func (h *RoomHandler) detach(conn *Connection) (*chat.Session, string) {
	conn.mu.Lock()
	room, user, subs := conn.room, conn.user, conn.subs
	conn.room, conn.user, conn.subs = nil, "", nil
	conn.ready, conn.backlog, conn.typing = false, nil, nil
	conn.pendingTyping, conn.hasPending = "", false
	if conn.typingTimer != nil {
		conn.typingTimer.Stop()
		conn.typingTimer = nil
	}
	conn.mu.Unlock()

	if room != nil {
		unsubscribe(room, subs)
	}
	return room, user
}

func (h *RoomHandler) handleMessage(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}
	room, user := h.binding(conn)
	if room == nil {
		sendError(conn, protocol.CodeNotJoined, "join a room first")
		return
	}

	ctx, cancel := h.context()
	defer cancel()

	key := room.Room() + ":" + user
	if allowed, _ := h.limiter.Allow(ctx, key, ratelimit.RuleMessage); !allowed {
		send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: h.limiter.RetryAfter(ctx, key, ratelimit.RuleMessage),
		})
		return
	}

	if h.filter != nil {
		if r := h.filter.Check(m.Text); r.Blocked {
			metrics.MessagesBlocked.WithLabelValues(r.Reason).Inc()
			log.Printf("[room] blocked message user=%q conn=%s reason=%s term=%q", user, conn.ID, r.Reason, r.Term)
			sendError(conn, protocol.CodeInvalidMessage, "message blocked: "+r.Term)
			return
		}
	}

	conn.opMu.Lock()
	dropPendingTyping(conn)
	_, err := room.SendMessage(ctx, user, m.Text)
	conn.opMu.Unlock()
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrNotConnected):
			sendError(conn, protocol.CodeNotJoined, "not in the room")
		case errors.Is(err, bus.ErrClosed):
			sendError(conn, protocol.CodeInternal, "room closed")
		default:
			sendError(conn, protocol.CodeInvalidMessage, err.Error())
		}
	}
}

func (h *RoomHandler) handleTyping(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	room, _ := h.binding(conn)
	if room == nil {
		sendError(conn, protocol.CodeNotJoined, "join a room first")
		return
	}

	conn.opMu.Lock()
	defer conn.opMu.Unlock()

	conn.mu.Lock()
	if conn.room != room {
		conn.mu.Unlock()
		return
	}
	user, limiter := conn.user, conn.typing
	if limiter != nil && !limiter.Allow() {
		conn.pendingTyping, conn.hasPending = m.Content, true
		h.scheduleTypingFlush(conn, room, limiter)
		conn.mu.Unlock()
		return
	}
	// This frame is newer than anything held back.
	conn.pendingTyping, conn.hasPending = "", false
	conn.mu.Unlock()

	h.startTyping(conn, room, user, m.Content)
}

// scheduleTypingFlush arms the timer that sends the held-back preview once
// the bucket has a token. Caller holds conn.mu.
func (h *RoomHandler) scheduleTypingFlush(conn *Connection, room *chat.Session, limiter *ratelimit.Local) {
	if conn.typingTimer != nil {
		return
	}
	wait, ok := limiter.Delay()
	if !ok {
		return
	}
	conn.typingTimer = time.AfterFunc(wait+time.Millisecond, func() { h.flushTyping(conn, room) })
}

// flushTyping sends the newest held-back preview for room, if any.
func (h *RoomHandler) flushTyping(conn *Connection, room *chat.Session) {
	conn.opMu.Lock()
	defer conn.opMu.Unlock()

	conn.mu.Lock()
	conn.typingTimer = nil
	if conn.room != room || !conn.hasPending {
		conn.mu.Unlock()
		return
	}
	limiter := conn.typing
	if limiter != nil && !limiter.Allow() {
		h.scheduleTypingFlush(conn, room, limiter)
		conn.mu.Unlock()
		return
	}
	user, content := conn.user, conn.pendingTyping
	conn.pendingTyping, conn.hasPending = "", false
	conn.mu.Unlock()

	h.startTyping(conn, room, user, content)
}

func (h *RoomHandler) startTyping(conn *Connection, room *chat.Session, user, content string) {
	ctx, cancel := h.context()
	defer cancel()
	if err := room.StartTyping(ctx, user, content); err != nil {
		log.Printf("[room] typing user=%q conn=%s: %v", user, conn.ID, err)
	}
}

// dropPendingTyping discards a held-back preview so it cannot land after a
// stop, a send or a leave. Caller holds conn.opMu.
func dropPendingTyping(conn *Connection) {
	conn.mu.Lock()
	conn.pendingTyping, conn.hasPending = "", false
	conn.mu.Unlock()
}

func (h *RoomHandler) handleStopTyping(conn *Connection, _ interface{}) {
	room, user := h.binding(conn)
	if room == nil {
		sendError(conn, protocol.CodeNotJoined, "join a room first")
		return
	}

	conn.opMu.Lock()
	defer conn.opMu.Unlock()
	dropPendingTyping(conn)

	ctx, cancel := h.context()
	defer cancel()
	if err := room.StopTyping(ctx, user); err != nil {
		log.Printf("[room] stop typing user=%q conn=%s: %v", user, conn.ID, err)
	}
}

func (h *RoomHandler) binding(conn *Connection) (*chat.Session, string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.room, conn.user
}

func unsubscribe(room *chat.Session, subs []roomSub) {
	for _, s := range subs {
		room.Unsubscribe(s.kind, s.id)
	}
}
