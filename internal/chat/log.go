package chat

import (
	"sync"

	"github.com/whisper/roomchat/internal/clock"
	"github.com/whisper/roomchat/internal/event"
)

// ChatMessage is one entry of a room's history.
type ChatMessage struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// Event returns the Message event announcing m.
func (m ChatMessage) Event() event.Message {
	return event.Message{ID: m.ID, Username: m.Username, Body: m.Body, Timestamp: m.Timestamp}
}

// MessageLog is the append-only, insertion-ordered history of a room.
type MessageLog struct {
	clock clock.Source

	mu       sync.RWMutex
	messages []ChatMessage
	ids      map[string]struct{}
}

// NewMessageLog creates an empty log drawing IDs and timestamps from src.
func NewMessageLog(src clock.Source) *MessageLog {
	return &MessageLog{
		clock: src,
		ids:   make(map[string]struct{}),
	}
}

// Append creates a message with a fresh ID and timestamp and appends it.
func (l *MessageLog) Append(username, body string) (ChatMessage, error) {
	if username == "" {
		return ChatMessage{}, ErrEmptyUsername
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg := ChatMessage{
		ID:        l.clock.NewID(),
		Username:  username,
		Body:      body,
		Timestamp: l.clock.Now(),
	}
	l.messages = append(l.messages, msg)
	l.ids[msg.ID] = struct{}{}
	return msg, nil
}

// Insert appends a message created by another instance's log. It reports
// false when a message with the same ID is already present.
func (l *MessageLog) Insert(msg ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.ids[msg.ID]; dup {
		return false
	}
	l.messages = append(l.messages, msg)
	l.ids[msg.ID] = struct{}{}
	return true
}

// Len returns the number of messages in the log.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Snapshot returns a copy of the full history in append order.
func (l *MessageLog) Snapshot() []ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append(make([]ChatMessage, 0, len(l.messages)), l.messages...)
}
