package chat

import (
	"sync"

	"github.com/whisper/roomchat/internal/event"
)

// TypingUser is one entry of a typing snapshot.
type TypingUser struct {
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Typing tracks what each user is currently typing. An entry lives from the
// first Start until Stop or Clear; entries never expire on their own, the
// caller is expected to Stop after a period of inactivity.
type Typing struct {
	mu      sync.RWMutex
	entries map[string]TypingUser
	order   []string // usernames in first-start order
}

// NewTyping creates an empty typing tracker.
func NewTyping() *Typing {
	return &Typing{entries: make(map[string]TypingUser)}
}

// Start records content as username's current preview and returns the event
// to emit. Every call produces an event, including repeats.
func (t *Typing) Start(username, content string, ts int64) event.TypingStart {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[username]; !ok {
		t.order = append(t.order, username)
	}
	t.entries[username] = TypingUser{Username: username, Content: content, Timestamp: ts}
	return event.TypingStart{Username: username, Content: content, Timestamp: ts}
}

// Stop removes username's entry. It reports false, and no event should be
// emitted, when the user was not typing.
func (t *Typing) Stop(username string, ts int64) (event.TypingStop, bool) {
	if !t.Clear(username) {
		return event.TypingStop{}, false
	}
	return event.TypingStop{Username: username, Timestamp: ts}, true
}

// Clear removes username's entry without producing an event. It is the
// removal path used when a user leaves.
func (t *Typing) Clear(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[username]; !ok {
		return false
	}
	delete(t.entries, username)
	for i, u := range t.order {
		if u == username {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// IsTyping reports whether username has an entry.
func (t *Typing) IsTyping(username string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[username]
	return ok
}

// Snapshot returns the current entries in first-start order.
func (t *Typing) Snapshot() []TypingUser {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TypingUser, 0, len(t.order))
	for _, u := range t.order {
		out = append(out, t.entries[u])
	}
	return out
}
