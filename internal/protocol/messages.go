// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/whisper/roomchat/internal/event"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeMessage    = "message"
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"
	TypePing       = "ping"
)

// Server -> Client message types. TypeMessage, TypeTyping and TypeStopTyping
// are shared with the client direction.
const (
	TypeWelcome     = "welcome"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest      = "bad_request"
	CodeInvalidUsername = "invalid_username"
	CodeInvalidMessage  = "invalid_message"
	CodeNotJoined       = "not_joined"
	CodeAlreadyJoined   = "already_joined"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg asks to enter a room under a display name. An empty Room means the
// server's default room.
type JoinMsg struct {
	Type     string `json:"type"`
	Room     string `json:"room,omitempty"`
	Username string `json:"username"`
}

// LeaveMsg leaves the joined room.
type LeaveMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent to the joined room.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TypingMsg carries the live preview of what the client is composing.
type TypingMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// StopTypingMsg clears the client's typing indicator.
type StopTypingMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// TypingEntry is one user in a welcome snapshot's typing list.
type TypingEntry struct {
	Username string `json:"username"`
	Content  string `json:"content"`
	Ts       int64  `json:"ts"`
}

// WelcomeMsg confirms a join and carries the room state at that moment.
type WelcomeMsg struct {
	Type     string          `json:"type"`
	Room     string          `json:"room"`
	Username string          `json:"username"`
	Users    []string        `json:"users"`
	Typing   []TypingEntry   `json:"typing"`
	Messages []ServerChatMsg `json:"messages"`
}

// ServerChatMsg is a message from the room history or a live message.
type ServerChatMsg struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id"`
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// ServerTypingMsg relays a user's typing preview.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Content  string `json:"content"`
	Ts       int64  `json:"ts"`
}

// PresenceMsg is used for user_joined, user_left and stop_typing, which carry
// only the affected user.
type PresenceMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Ts       int64  `json:"ts"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server message. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// FromEvent renders a room event as the server frame announcing it.
func FromEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case event.Message:
		return NewServerMessage(TypeMessage, ServerChatMsg{ID: e.ID, From: e.Username, Text: e.Body, Ts: e.Timestamp})
	case event.TypingStart:
		return NewServerMessage(TypeTyping, ServerTypingMsg{Username: e.Username, Content: e.Content, Ts: e.Timestamp})
	case event.TypingStop:
		return NewServerMessage(TypeStopTyping, PresenceMsg{Username: e.Username, Ts: e.Timestamp})
	case event.UserJoined:
		return NewServerMessage(TypeUserJoined, PresenceMsg{Username: e.Username, Ts: e.Timestamp})
	case event.UserLeft:
		return NewServerMessage(TypeUserLeft, PresenceMsg{Username: e.Username, Ts: e.Timestamp})
	}
	return nil, fmt.Errorf("protocol: no frame for event %T", evt)
}
