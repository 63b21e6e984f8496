// Package chat holds the state of a chat room: who is present, who is typing
// and the message history, behind a Session facade that publishes every
// change on the room's event bus.
package chat

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/whisper/roomchat/internal/bus"
	"github.com/whisper/roomchat/internal/clock"
	"github.com/whisper/roomchat/internal/event"
	"github.com/whisper/roomchat/internal/fabric"
	"github.com/whisper/roomchat/internal/metrics"
)

var (
	// ErrEmptyUsername indicates a caller passed an empty username.
	ErrEmptyUsername = errors.New("chat: empty username")

	// ErrNotConnected is returned when a user who has not joined tries to
	// send or type. No state changes and no event is emitted.
	ErrNotConnected = errors.New("chat: user not connected")

	// ErrInvalidUsername is returned by JoinChat when username validation is
	// enabled and the name breaks the display-name rules.
	ErrInvalidUsername = errors.New("chat: invalid username")
)

// Config holds per-room settings.
type Config struct {
	Room              string
	Bus               bus.Config
	ValidateUsernames bool
}

// DefaultConfig returns production settings for room.
func DefaultConfig(room string) Config {
	return Config{
		Room:              room,
		Bus:               bus.DefaultConfig(),
		ValidateUsernames: true,
	}
}

// Session is one instance of a chat room. All mutations, whether requested
// locally or replayed from the fabric, are serialized by a single mutex.
type Session struct {
	cfg   Config
	clock clock.Source
	bus   *bus.Bus

	mu       sync.Mutex
	typing   *Typing
	presence *Presence
	log      *MessageLog
}

// NewSession creates a room instance synchronized through fab. A nil fab
// runs the room as a single instance. The caller keeps ownership of fab.
func NewSession(cfg Config, src clock.Source, fab fabric.Fabric) *Session {
	if src == nil {
		src = clock.System{}
	}
	typing := NewTyping()
	s := &Session{
		cfg:      cfg,
		clock:    src,
		typing:   typing,
		presence: NewPresence(typing),
		log:      NewMessageLog(src),
	}
	s.bus = bus.NewWithReplay(cfg.Bus, fab, s.replay)
	return s
}

// Room returns the room name.
func (s *Session) Room() string {
	return s.cfg.Room
}

// JoinChat adds username to the room. Joining twice is a no-op. Usernames
// are compared after NormalizeUsername in every operation.
func (s *Session) JoinChat(ctx context.Context, username string) error {
	username = NormalizeUsername(username)
	if username == "" {
		return ErrEmptyUsername
	}
	if s.cfg.ValidateUsernames {
		if err := ValidateUsername(username); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.presence.Join(username, s.clock.Now())
	if !ok {
		return nil
	}
	s.recordPresence()
	return s.bus.Publish(ctx, evt, true)
}

// LeaveChat removes username and its typing indicator. Leaving when absent
// is a no-op.
func (s *Session) LeaveChat(ctx context.Context, username string) error {
	username = NormalizeUsername(username)
	if username == "" {
		return ErrEmptyUsername
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.presence.Leave(username, s.clock.Now())
	if !ok {
		return nil
	}
	s.recordPresence()
	return s.bus.Publish(ctx, evt, true)
}

// SendMessage appends body to the history on behalf of username. Sending
// clears the user's typing indicator; the TypingStop event is published
// before the Message event.
func (s *Session) SendMessage(ctx context.Context, username, body string) (ChatMessage, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return ChatMessage{}, ErrEmptyUsername
	}
	if err := ValidateMessage(body); err != nil {
		return ChatMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.presence.Has(username) {
		s.anomaly("send", username)
		return ChatMessage{}, ErrNotConnected
	}

	msg, err := s.log.Append(username, body)
	if err != nil {
		return ChatMessage{}, err
	}
	metrics.MessagesTotal.WithLabelValues("local").Inc()

	if stop, ok := s.typing.Stop(username, msg.Timestamp); ok {
		if err := s.bus.Publish(ctx, stop, true); err != nil {
			return msg, err
		}
	}
	return msg, s.bus.Publish(ctx, msg.Event(), true)
}

// StartTyping sets username's live preview to content. Every call emits a
// TypingStart event.
func (s *Session) StartTyping(ctx context.Context, username, content string) error {
	username = NormalizeUsername(username)
	if username == "" {
		return ErrEmptyUsername
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.presence.Has(username) {
		s.anomaly("start_typing", username)
		return ErrNotConnected
	}
	return s.bus.Publish(ctx, s.typing.Start(username, content, s.clock.Now()), true)
}

// StopTyping clears username's typing indicator. Stopping while idle is a
// no-op.
func (s *Session) StopTyping(ctx context.Context, username string) error {
	username = NormalizeUsername(username)
	if username == "" {
		return ErrEmptyUsername
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.presence.Has(username) {
		s.anomaly("stop_typing", username)
		return ErrNotConnected
	}
	evt, ok := s.typing.Stop(username, s.clock.Now())
	if !ok {
		return nil
	}
	return s.bus.Publish(ctx, evt, true)
}

// Subscribe registers handler for kind on the room's bus.
func (s *Session) Subscribe(kind event.Kind, handler bus.Handler) bus.SubscriptionID {
	return s.bus.Subscribe(kind, handler)
}

// Unsubscribe removes a subscription made with Subscribe.
func (s *Session) Unsubscribe(kind event.Kind, id bus.SubscriptionID) {
	s.bus.Unsubscribe(kind, id)
}

// Drain waits until every scheduled delivery has run.
func (s *Session) Drain(ctx context.Context) error {
	return s.bus.Drain(ctx)
}

// CurrentMessages returns a copy of the history in append order.
func (s *Session) CurrentMessages() []ChatMessage {
	return s.log.Snapshot()
}

// CurrentUsers returns present usernames in join order.
func (s *Session) CurrentUsers() []string {
	return s.presence.Snapshot()
}

// CurrentTypingUsers returns users with a typing indicator.
func (s *Session) CurrentTypingUsers() []TypingUser {
	return s.typing.Snapshot()
}

// Close stops event delivery for the room.
func (s *Session) Close() {
	s.bus.Close()
	metrics.UsersOnline.DeleteLabelValues(s.cfg.Room)
}

// replay applies an event received from another instance and publishes it
// to local subscribers if it changed local state. State change and publish
// happen under s.mu so a concurrent local operation cannot reorder them.
func (s *Session) replay(evt event.Event) {
	username := event.Username(evt)
	if username == "" {
		log.Printf("[chat] room=%s: dropping remote %s without username", s.cfg.Room, evt.Kind())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	switch e := evt.(type) {
	case event.UserJoined:
		if _, ok := s.presence.Join(e.Username, e.Timestamp); ok {
			s.recordPresence()
			s.publishLocal(ctx, evt)
		}

	case event.UserLeft:
		if _, ok := s.presence.Leave(e.Username, e.Timestamp); ok {
			s.recordPresence()
			s.publishLocal(ctx, evt)
		}

	case event.TypingStart:
		s.ensurePresent(ctx, e.Username, e.Timestamp)
		s.typing.Start(e.Username, e.Content, e.Timestamp)
		s.publishLocal(ctx, evt)

	case event.TypingStop:
		if _, ok := s.typing.Stop(e.Username, e.Timestamp); ok {
			s.publishLocal(ctx, evt)
		}

	case event.Message:
		msg := ChatMessage{ID: e.ID, Username: e.Username, Body: e.Body, Timestamp: e.Timestamp}
		if !s.log.Insert(msg) {
			return
		}
		metrics.MessagesTotal.WithLabelValues("remote").Inc()
		s.ensurePresent(ctx, e.Username, e.Timestamp)
		if stop, ok := s.typing.Stop(e.Username, e.Timestamp); ok {
			s.publishLocal(ctx, stop)
		}
		s.publishLocal(ctx, evt)
	}
}

// ensurePresent joins username locally when a remote event reveals a user
// this instance has not seen join, so typing entries always belong to a
// present user. Caller holds s.mu.
func (s *Session) ensurePresent(ctx context.Context, username string, ts int64) {
	if evt, ok := s.presence.Join(username, ts); ok {
		s.recordPresence()
		s.publishLocal(ctx, evt)
	}
}

// publishLocal publishes a remote event, or a state change derived from one.
// It is never rebroadcast: the originating instance emits its own copy.
func (s *Session) publishLocal(ctx context.Context, evt event.Event) {
	if err := s.bus.Publish(ctx, evt, false); err != nil && !errors.Is(err, bus.ErrClosed) {
		log.Printf("[chat] room=%s: publish derived %s: %v", s.cfg.Room, evt.Kind(), err)
	}
}

func (s *Session) anomaly(op, username string) {
	log.Printf("[chat] room=%s: %s by disconnected user %q ignored", s.cfg.Room, op, username)
	metrics.Anomalies.WithLabelValues(op).Inc()
}

func (s *Session) recordPresence() {
	metrics.UsersOnline.WithLabelValues(s.cfg.Room).Set(float64(s.presence.Len()))
}
